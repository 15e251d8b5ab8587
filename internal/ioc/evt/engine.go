package evt

import (
	"encoding/json"
	"sync"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/queue"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
	"github.com/webitel/ioc-runtime/internal/ioc/wire"
)

// wireEvtDesc is EvtDesc's on-the-wire shape: Payload crosses a real link
// boundary as JSON, same as CmdDesc's Payload/Result in cmdengine.
type wireEvtDesc struct {
	EvtID   int64           `json:"evt_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeEvt marshals evt for transmission over a link.Channel, wrapped with
// wire.KindEvt by the caller (normally the facade's PostEVT→deliver path).
func EncodeEvt(evt EvtDesc) ([]byte, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvtDesc{EvtID: evt.EvtID, Payload: payload})
}

// DecodeEvt reverses EncodeEvt. The decoded Payload is a generic
// map[string]any (or scalar) rather than the original concrete type —
// callers on the receiving side match on EvtID, not Payload's Go type.
func DecodeEvt(b []byte) (EvtDesc, error) {
	var w wireEvtDesc
	if err := json.Unmarshal(b, &w); err != nil {
		return EvtDesc{}, err
	}
	var payload any
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return EvtDesc{}, err
		}
	}
	return EvtDesc{EvtID: w.EvtID, Payload: payload}, nil
}

// Exporter is the narrow interface the optional EVT export bridge
// satisfies; PostEVT calls it fire-and-forget after a successful local
// enqueue, never blocking the caller on it.
type Exporter interface {
	TryExport(evt EvtDesc)
}

// linkState is the EVT engine's per-link bookkeeping: the subscription
// table and the bounded queue feeding a single dedicated dispatcher
// goroutine, mirroring the teacher's per-user Cell actor in
// internal/domain/registry/cell.go.
type linkState struct {
	l *link.Link

	subsMu sync.RWMutex
	subs   []*subscription

	// deliverMu serializes deliver between the dispatcher goroutine and
	// ForceProcEVT callers.
	deliverMu sync.Mutex

	q *queue.Queue[EvtDesc]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Engine implements the EVT engine (C6) across every link attached to it.
type Engine struct {
	mu       sync.RWMutex
	links    map[link.ID]*linkState
	exporter Exporter
}

// New constructs an empty EVT engine. SetExporter is optional; when unset,
// Exportable events are simply not republished anywhere.
func New() *Engine {
	return &Engine{links: make(map[link.ID]*linkState)}
}

// SetExporter wires the optional export bridge.
func (e *Engine) SetExporter(x Exporter) { e.exporter = x }

// AttachLink registers l with the engine and starts its dispatcher.
// queueDepth is the link's DepthEvtDescQueue (from capability.ConlesEvtCap
// or a per-service override).
func (e *Engine) AttachLink(l *link.Link, queueDepth int) {
	st := &linkState{
		l:      l,
		q:      queue.New[EvtDesc](queueDepth),
		stopCh: make(chan struct{}),
	}

	e.mu.Lock()
	e.links[l.ID()] = st
	e.mu.Unlock()

	go e.dispatchLoop(st)
}

// DetachLink stops the link's dispatcher. Any entries still queued are
// dropped — closeLink's contract is "cancel in-flight EVT by draining",
// which forceProcEVT should be called for beforehand if the caller wants
// queued events delivered rather than discarded.
func (e *Engine) DetachLink(id link.ID) {
	e.mu.Lock()
	st, ok := e.links[id]
	if ok {
		delete(e.links, id)
	}
	e.mu.Unlock()

	if ok {
		st.stopOnce.Do(func() { close(st.stopCh) })
	}
}

func (e *Engine) state(id link.ID) (*linkState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.links[id]
	return st, ok
}

// SubEVT registers args on id. Re-subscribing the same (callback, cbPriv)
// key after Unsub behaves identically to a first subscription.
func (e *Engine) SubEVT(id link.ID, args SubArgs) result.Result {
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}
	if args.Callback == nil {
		return result.InvalidParam
	}

	release := st.l.EnterOp(link.BusySubEvt, link.Default)
	defer release(link.Default)

	sub := newSubscription(args)

	st.subsMu.Lock()
	defer st.subsMu.Unlock()
	for i, existing := range st.subs {
		if existing.key == sub.key {
			st.subs[i] = sub // idempotent re-subscribe: fresh ID set, same identity
			return result.Success
		}
	}
	st.subs = append(st.subs, sub)
	return result.Success
}

// UnsubEVT removes the (callback, cbPriv) subscription. After it returns,
// no further callback invocations for that key occur.
func (e *Engine) UnsubEVT(id link.ID, cb Callback, priv any) result.Result {
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}

	release := st.l.EnterOp(link.BusyUnsubEvt, link.Default)
	defer release(link.Default)

	k := keyOf(cb, priv)

	st.subsMu.Lock()
	defer st.subsMu.Unlock()
	for i, existing := range st.subs {
		if existing.key == k {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			return result.Success
		}
	}
	return result.InvalidParam
}

// hasConsumer reports whether any subscription on id matches evtID.
func (e *Engine) hasConsumer(st *linkState, evtID int64) bool {
	st.subsMu.RLock()
	defer st.subsMu.RUnlock()
	for _, s := range st.subs {
		if s.matches(evtID) {
			return true
		}
	}
	return false
}

// isWireProducer reports whether id's only role for EVT is to forward onto
// the wire for a paired consumer living on the peer link — in which case
// "no local subscriber" is expected and must not reject the post.
func isWireProducer(l *link.Link) bool {
	r := l.Roles()
	return r.EvtProducer && !r.EvtConsumer && !l.IsAuto()
}

// PostEVT enqueues evt for dispatch to every subscription on id matching
// evt.EvtID. Returns NO_EVENT_CONSUMER without enqueuing if nothing
// matches. A link that is a pure wire producer for EVT (paired with a
// consumer on the other side of a real link, per link.Roles.Complement) is
// exempt from this check — its subscribers live on the peer's LinkID.
func (e *Engine) PostEVT(id link.ID, evt EvtDesc, opts option.Opts) result.Result {
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}

	if !isWireProducer(st.l) && !e.hasConsumer(st, evt.EvtID) {
		return result.NoEventConsumer
	}

	res := st.q.TryEnqueue(evt, opts)
	if res == result.BufferFull {
		return result.TooManyQueuingEvtDesc
	}
	if res == result.Success && e.exporter != nil {
		if _, ok := evt.Payload.(Exportable); ok {
			e.exporter.TryExport(evt)
		}
	}
	return res
}

// ForceProcEVT drains every pending entry on every attached link
// synchronously on the calling goroutine, dispatching to subscribers as it
// goes. Returns the total number of entries processed.
func (e *Engine) ForceProcEVT() int {
	e.mu.RLock()
	states := make([]*linkState, 0, len(e.links))
	for _, st := range e.links {
		states = append(states, st)
	}
	e.mu.RUnlock()

	total := 0
	for _, st := range states {
		total += st.q.ForceDrain(func(evt EvtDesc) { e.deliver(st, evt) })
	}
	return total
}

// WakeupProcEVT releases a dispatcher parked on an empty queue for id,
// used by tests to unblock a callback that is itself waiting on an
// external semaphore triggered by this wakeup.
func (e *Engine) WakeupProcEVT(id link.ID) result.Result {
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}
	st.q.Wakeup()
	return result.Success
}

func (e *Engine) dispatchLoop(st *linkState) {
	for {
		select {
		case <-st.stopCh:
			return
		default:
		}

		evt, res := st.q.DequeueOrWait(option.MayBlock())
		if res != result.Success {
			select {
			case <-st.stopCh:
				return
			default:
				continue
			}
		}
		e.deliver(st, evt)
	}
}

// deliver invokes every matching subscriber's callback, serialized
// (at-most-one concurrent callback per link) by the link's deliverMu, while
// Link.EnterOp records the BusyCbProcEvt state. Callbacks may re-entrantly
// call PostEVT (required by spec.md S3) because neither subsMu nor the
// engine lock is held across the callback invocation, and PostEVT only
// enqueues.
//
// A link that is a pure wire producer (see isWireProducer) has no local
// subscribers to invoke at all: its job is to hand evt to the peer link's
// own PostEVT/deliver by putting it on the wire, where the peer's read loop
// picks it up and re-enters this same engine against the peer's LinkID.
func (e *Engine) deliver(st *linkState, evt EvtDesc) {
	st.deliverMu.Lock()
	defer st.deliverMu.Unlock()

	release := st.l.EnterOp(link.BusyCbProcEvt, link.Default)
	defer release(link.Default)

	if isWireProducer(st.l) {
		ch := st.l.Channel()
		if ch == nil {
			return
		}
		encoded, err := EncodeEvt(evt)
		if err != nil {
			return
		}
		if err := ch.SendFrame(wire.Wrap(wire.KindEvt, encoded)); err != nil {
			st.l.SetConn(link.Broken)
		}
		return
	}

	st.subsMu.RLock()
	matched := make([]*subscription, 0, len(st.subs))
	for _, s := range st.subs {
		if s.matches(evt.EvtID) {
			matched = append(matched, s)
		}
	}
	st.subsMu.RUnlock()

	for _, s := range matched {
		s.callback(evt, s.cbPriv)
	}
}
