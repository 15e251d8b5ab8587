// Package dat implements the DAT engine (C8): send-side framing and
// batching, strict validation ordering, and callback-or-polling delivery
// with flow control.
package dat

import (
	"sync"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/queue"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
	"github.com/webitel/ioc-runtime/internal/ioc/wire"
)

// DatDesc carries a payload via two mutually exclusive, additive carriers:
// a pointer+size slice (Ptr) and a small inline buffer (Emd). Effective
// size is the sum of both; if both are empty the descriptor is zero data.
type DatDesc struct {
	Ptr []byte
	Emd []byte
}

// EffectiveSize returns PtrSize + EmdSize.
func (d DatDesc) EffectiveSize() int64 {
	return int64(len(d.Ptr)) + int64(len(d.Emd))
}

// Bytes concatenates Ptr then Emd into the wire payload for this call.
func (d DatDesc) Bytes() []byte {
	if len(d.Emd) == 0 {
		return d.Ptr
	}
	if len(d.Ptr) == 0 {
		return d.Emd
	}
	out := make([]byte, 0, len(d.Ptr)+len(d.Emd))
	out = append(out, d.Ptr...)
	out = append(out, d.Emd...)
	return out
}

// ReceiveCallback is invoked with delivered bytes when a link is in
// callback mode. Mutually exclusive with polling (RecvDAT) on the same
// link — whichever mode was selected at connect/accept time.
type ReceiveCallback func(l link.ID, data []byte, cbPriv any)

// Limits bounds what a single sendDAT call and a link's outstanding send
// buffer may hold.
type Limits struct {
	MaxDataChunkSize int64
	MaxDataQueueSize int64
}

// BatchConfig bounds the send-side coalescing window. A sendDAT call is
// held at most this long, or until this many bytes have accumulated,
// whichever comes first; FlushDAT or closeLink force emission regardless.
type BatchConfig struct {
	MaxDelay time.Duration
	MaxBytes int
}

// DefaultBatchConfig matches the teacher's own burst-then-drain tuning in
// internal/domain/registry/cell.go (drain up to N queued items per wakeup)
// translated into a byte/time cap for a byte stream instead of a message
// queue.
var DefaultBatchConfig = BatchConfig{MaxDelay: 2 * time.Millisecond, MaxBytes: 64 * 1024}

type linkState struct {
	limits Limits

	sendQ *queue.Queue[[]byte]

	mu          sync.Mutex
	pending     []byte
	flushTimer  *time.Timer
	batchCfg    BatchConfig
	sendClosed  bool

	recvMu   sync.Mutex
	recvBuf  []byte
	recvCond *sync.Cond

	recvCallback ReceiveCallback
	recvCbPriv   any
}

// Engine implements the DAT engine across every attached link.
type Engine struct {
	mu    sync.RWMutex
	links map[link.ID]*linkState
}

func New() *Engine {
	return &Engine{links: make(map[link.ID]*linkState)}
}

// AttachLink registers l for DAT. If cb is non-nil the link runs in
// callback mode; otherwise it runs in polling mode (RecvDAT). The two are
// mutually exclusive for the lifetime of the link.
func (e *Engine) AttachLink(l *link.Link, limits Limits, cb ReceiveCallback, cbPriv any) {
	st := &linkState{
		limits:       limits,
		sendQ:        queue.New[[]byte](int(limits.MaxDataQueueSize/4096) + 1),
		batchCfg:     DefaultBatchConfig,
		recvCallback: cb,
		recvCbPriv:   cbPriv,
	}
	st.recvCond = sync.NewCond(&st.recvMu)

	e.mu.Lock()
	e.links[l.ID()] = st
	e.mu.Unlock()
}

func (e *Engine) DetachLink(id link.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.links[id]; ok {
		st.mu.Lock()
		st.sendClosed = true
		if st.flushTimer != nil {
			st.flushTimer.Stop()
		}
		st.mu.Unlock()
	}
	delete(e.links, id)
}

func (e *Engine) state(id link.ID) (*linkState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.links[id]
	return st, ok
}

// SendDAT validates then admits desc, per the strict LinkID → size →
// options precedence (spec.md §4.8, §7, invariant 6).
func (e *Engine) SendDAT(id link.ID, l *link.Link, desc DatDesc, opts option.Opts) result.Result {
	// 1. LinkID has strict precedence over every other check.
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}

	size := desc.EffectiveSize()
	if size == 0 {
		return result.ZeroData
	}
	if size > st.limits.MaxDataChunkSize {
		return result.DataTooLarge
	}

	release := l.EnterOp(link.BusySendDat, link.DatSenderBusySendDat)
	defer release(link.DatSenderReady)

	res := st.sendQ.TryEnqueue(desc.Bytes(), opts)
	if res != result.Success {
		return res
	}

	e.enqueueBatch(l, st)
	return result.Success
}

// enqueueBatch pulls everything currently queued and appends it to the
// pending batch buffer, (re)arming the flush timer if this is the first
// byte of a new window, and flushing immediately if the byte cap is hit.
func (e *Engine) enqueueBatch(l *link.Link, st *linkState) {
	var drained [][]byte
	st.sendQ.ForceDrain(func(chunk []byte) { drained = append(drained, chunk) })

	st.mu.Lock()
	for _, chunk := range drained {
		st.pending = append(st.pending, chunk...)
	}
	overBudget := len(st.pending) >= st.batchCfg.MaxBytes
	needsTimer := st.flushTimer == nil && len(st.pending) > 0
	if needsTimer && !overBudget {
		st.flushTimer = time.AfterFunc(st.batchCfg.MaxDelay, func() { e.FlushDAT(l.ID(), l) })
	}
	st.mu.Unlock()

	if overBudget {
		e.FlushDAT(l.ID(), l)
	}
}

// FlushDAT forces immediate emission of the pending batch, as one or more
// KindDat frames of at most batchCfg.MaxBytes payload bytes each.
// Idempotent: a link with nothing pending is a no-op success.
func (e *Engine) FlushDAT(id link.ID, l *link.Link) result.Result {
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}

	st.mu.Lock()
	if st.flushTimer != nil {
		st.flushTimer.Stop()
		st.flushTimer = nil
	}
	payload := st.pending
	st.pending = nil
	st.mu.Unlock()

	if len(payload) == 0 {
		return result.Success
	}

	if l != nil && l.Channel() != nil {
		for len(payload) > 0 {
			n := len(payload)
			if max := st.batchCfg.MaxBytes; max > 0 && n > max {
				n = max
			}
			if err := l.Channel().SendFrame(wire.Wrap(wire.KindDat, payload[:n])); err != nil {
				l.SetConn(link.Broken)
				return result.LinkBroken
			}
			payload = payload[n:]
		}
	}
	return result.Success
}

// Deliver is called by a link's read loop (the per-link readLoop goroutine
// in the ioc facade, which strips the wire.KindDat tag) with the already-unwrapped
// payload of a KindDat frame arriving on the receive side of id. It either
// invokes the registered receive callback or parks the bytes for RecvDAT,
// per whichever mode this link was configured with.
func (e *Engine) Deliver(id link.ID, data []byte) {
	st, ok := e.state(id)
	if !ok {
		return
	}
	if st.recvCallback != nil {
		st.recvCallback(id, data, st.recvCbPriv)
		return
	}

	st.recvMu.Lock()
	st.recvBuf = append(st.recvBuf, data...)
	st.recvCond.Broadcast()
	st.recvMu.Unlock()
}

// RecvDAT fills desc.Ptr (up to its current length) with the next
// available bytes, per the decoded blocking mode. Returns SUCCESS with the
// actual bytes copied truncating desc.Ptr's length, or NO_DATA/TIMEOUT.
//
// If a receive callback is registered on this link, RecvDAT always returns
// NO_DATA: callback and polling are mutually exclusive per link (spec.md
// §9 open question 1).
func (e *Engine) RecvDAT(id link.ID, desc *DatDesc, opts option.Opts) (int, result.Result) {
	st, ok := e.state(id)
	if !ok {
		return 0, result.NotExistLink
	}
	if st.recvCallback != nil {
		return 0, result.NoData
	}

	deadline := deadlineFor(opts)

	st.recvMu.Lock()
	defer st.recvMu.Unlock()

	for len(st.recvBuf) == 0 {
		switch opts.Mode {
		case option.NonBlock:
			return 0, result.NoData
		case option.Immediate:
			return 0, result.Timeout
		default:
			if !waitUntil(st.recvCond, deadline) {
				return 0, result.Timeout
			}
		}
	}

	n := copy(desc.Ptr, st.recvBuf)
	st.recvBuf = st.recvBuf[n:]
	desc.Ptr = desc.Ptr[:n]
	return n, result.Success
}

func deadlineFor(opts option.Opts) time.Time {
	if opts.Mode == option.Bounded {
		return time.Now().Add(time.Duration(opts.RemainingUS()) * time.Microsecond)
	}
	return time.Time{} // Blocking: zero value means "no deadline" to waitUntil
}

// waitUntil blocks on cond until woken, returning false if deadline (when
// non-zero) has passed. sync.Cond has no native timeout, so a helper
// goroutine nudges the condvar when the deadline elapses.
func waitUntil(cond *sync.Cond, deadline time.Time) bool {
	if deadline.IsZero() {
		cond.Wait()
		return true
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timedOut := make(chan struct{})
	timer := time.AfterFunc(remaining, func() {
		close(timedOut)
		cond.Broadcast()
	})
	defer timer.Stop()

	cond.Wait()

	select {
	case <-timedOut:
		return false
	default:
		return true
	}
}
