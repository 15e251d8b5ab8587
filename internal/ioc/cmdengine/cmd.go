// Package cmdengine implements the CMD engine (C7): one-in-flight-per-link
// correlation between an initiator and an executor, with timeout and
// broken-link cancellation that never leaks the slot.
package cmdengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
	"github.com/webitel/ioc-runtime/internal/ioc/wire"
)

// CmdDesc is the request/response envelope exchanged through execCMD.
type CmdDesc struct {
	CmdID      int64
	Payload    any
	Result     any
	Status     result.Result
	DeadlineMS int64
}

// CmdWireReq is CmdDesc's on-the-wire shape for the initiator → executor
// leg, sent as a KindCmdReq frame when the executor lives on the peer side
// of a real link rather than on this same LinkID.
type CmdWireReq struct {
	CmdID      int64           `json:"cmd_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeadlineMS int64           `json:"deadline_ms"`
}

// CmdWireResp is the executor → initiator reply, sent as a KindCmdResp
// frame once HandleRemoteRequest's executor call returns.
type CmdWireResp struct {
	Status result.Result   `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// EncodeReq marshals a CmdWireReq built from desc.
func EncodeReq(desc *CmdDesc) ([]byte, error) {
	payload, err := json.Marshal(desc.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(CmdWireReq{CmdID: desc.CmdID, Payload: payload, DeadlineMS: desc.DeadlineMS})
}

// DecodeReq reverses EncodeReq.
func DecodeReq(b []byte) (CmdWireReq, error) {
	var req CmdWireReq
	err := json.Unmarshal(b, &req)
	return req, err
}

// EncodeResp marshals resp for transmission as a KindCmdResp frame.
func EncodeResp(resp CmdWireResp) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResp reverses EncodeResp.
func DecodeResp(b []byte) (CmdWireResp, error) {
	var resp CmdWireResp
	err := json.Unmarshal(b, &resp)
	return resp, err
}

// Executor handles an inbound command on the executor side of a link. It
// writes into desc.Result and returns the status to hand back to the
// initiator.
type Executor func(l link.ID, desc *CmdDesc, cbPriv any) result.Result

type executorBinding struct {
	accepted map[int64]struct{}
	fn       Executor
	cbPriv   any
}

// slot is a single-token channel semaphore: present token means free.
type slot struct {
	tokens chan struct{}
}

func newSlot() slot {
	s := slot{tokens: make(chan struct{}, 1)}
	s.tokens <- struct{}{}
	return s
}

type linkState struct {
	l        *link.Link
	slot     slot
	executor *executorBinding

	mu      sync.Mutex
	pending chan CmdWireResp
}

// Engine implements the CMD engine across every attached link.
type Engine struct {
	mu    sync.RWMutex
	links map[link.ID]*linkState
}

func New() *Engine {
	return &Engine{links: make(map[link.ID]*linkState)}
}

// AttachLink registers l as a CmdInitiator and/or CmdExecutor endpoint.
func (e *Engine) AttachLink(l *link.Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.links[l.ID()] = &linkState{l: l, slot: newSlot()}
}

func (e *Engine) DetachLink(id link.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.links, id)
}

func (e *Engine) state(id link.ID) (*linkState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.links[id]
	return st, ok
}

// RegisterExecutor installs the accepted CmdID set and callback for the
// executor side of id. Requests outside acceptedIDs are rejected with
// INVALID_PARAM without invoking fn.
func (e *Engine) RegisterExecutor(id link.ID, acceptedIDs []int64, fn Executor, cbPriv any) result.Result {
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}
	set := make(map[int64]struct{}, len(acceptedIDs))
	for _, cmdID := range acceptedIDs {
		set[cmdID] = struct{}{}
	}
	e.mu.Lock()
	st.executor = &executorBinding{accepted: set, fn: fn, cbPriv: cbPriv}
	e.mu.Unlock()
	return result.Success
}

// ExecCMD runs desc against the executor registered on id, or, when none is
// registered there, forwards it to the peer side of the link (execRemote),
// taking id's single in-flight slot for the duration. Initiator-side API.
func (e *Engine) ExecCMD(ctx context.Context, id link.ID, l *link.Link, desc *CmdDesc, opts option.Opts) result.Result {
	st, ok := e.state(id)
	if !ok {
		return result.NotExistLink
	}

	if res := e.acquireSlot(st, opts); res != result.Success {
		return res
	}

	release := l.EnterOp(link.BusyExecCmd, link.CmdInitiatorBusyExecCmd)
	defer func() {
		release(link.CmdInitiatorReady)
		e.releaseSlot(st)
	}()

	if l.ConnState() == link.Broken {
		desc.Status = result.LinkBroken
		return result.LinkBroken
	}

	if st.executor == nil {
		return e.execRemote(ctx, st, l, desc)
	}
	if _, accepted := st.executor.accepted[desc.CmdID]; len(st.executor.accepted) > 0 && !accepted {
		desc.Status = result.InvalidParam
		return result.InvalidParam
	}

	deadline := time.Duration(desc.DeadlineMS) * time.Millisecond
	if desc.DeadlineMS <= 0 {
		deadline = time.Duration(1<<63 - 1)
	}

	done := make(chan result.Result, 1)
	go func() {
		executorRelease := l.EnterOp(link.BusyExecCmd, link.CmdExecutorBusyExecCmd)
		status := st.executor.fn(id, desc, st.executor.cbPriv)
		executorRelease(link.CmdExecutorReady)
		done <- status
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case status := <-done:
		desc.Status = status
		return status
	case <-timer.C:
		desc.Status = result.Timeout
		return result.Timeout
	case <-ctx.Done():
		desc.Status = result.Timeout
		return result.Timeout
	}
}

// execRemote is taken by ExecCMD when no executor is registered on this
// LinkID: the real cross-link CONET case, where the executor is registered
// on the peer's own LinkID instead. It sends desc over the wire as a
// KindCmdReq frame and waits for the peer's read loop to deliver a matching
// KindCmdResp via DeliverResponse.
func (e *Engine) execRemote(ctx context.Context, st *linkState, l *link.Link, desc *CmdDesc) result.Result {
	ch := l.Channel()
	if ch == nil {
		desc.Status = result.InvalidParam
		return result.InvalidParam
	}

	encoded, err := EncodeReq(desc)
	if err != nil {
		desc.Status = result.InvalidParam
		return result.InvalidParam
	}

	replyCh := make(chan CmdWireResp, 1)
	st.mu.Lock()
	st.pending = replyCh
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		if st.pending == replyCh {
			st.pending = nil
		}
		st.mu.Unlock()
	}()

	if err := ch.SendFrame(wire.Wrap(wire.KindCmdReq, encoded)); err != nil {
		l.SetConn(link.Broken)
		desc.Status = result.LinkBroken
		return result.LinkBroken
	}

	deadline := time.Duration(desc.DeadlineMS) * time.Millisecond
	if desc.DeadlineMS <= 0 {
		deadline = time.Duration(1<<63 - 1)
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		if len(resp.Result) > 0 {
			var decoded any
			if err := json.Unmarshal(resp.Result, &decoded); err == nil {
				desc.Result = decoded
			}
		}
		desc.Status = resp.Status
		return resp.Status
	case <-timer.C:
		desc.Status = result.Timeout
		return result.Timeout
	case <-ctx.Done():
		desc.Status = result.Timeout
		return result.Timeout
	}
}

// HandleRemoteRequest is invoked by a link's read loop on the arrival of a
// KindCmdReq frame: it runs the executor registered on id (the receiving
// side's own LinkID) exactly as the local-dispatch branch of ExecCMD would,
// and returns the response frame for the read loop to send back.
func (e *Engine) HandleRemoteRequest(id link.ID, req CmdWireReq) CmdWireResp {
	st, ok := e.state(id)
	if !ok || st.executor == nil {
		return CmdWireResp{Status: result.InvalidParam}
	}
	if _, accepted := st.executor.accepted[req.CmdID]; len(st.executor.accepted) > 0 && !accepted {
		return CmdWireResp{Status: result.InvalidParam}
	}

	desc := &CmdDesc{CmdID: req.CmdID, DeadlineMS: req.DeadlineMS}
	if len(req.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(req.Payload, &payload); err == nil {
			desc.Payload = payload
		}
	}

	release := st.l.EnterOp(link.BusyExecCmd, link.CmdExecutorBusyExecCmd)
	status := st.executor.fn(id, desc, st.executor.cbPriv)
	release(link.CmdExecutorReady)

	resp := CmdWireResp{Status: status}
	if desc.Result != nil {
		if encoded, err := json.Marshal(desc.Result); err == nil {
			resp.Result = encoded
		}
	}
	return resp
}

// DeliverResponse is invoked by a link's read loop on the arrival of a
// KindCmdResp frame, correlating it to the in-flight execRemote call parked
// on id's pending channel. A response arriving after execRemote has already
// timed out and cleared pending is silently dropped.
func (e *Engine) DeliverResponse(id link.ID, resp CmdWireResp) {
	st, ok := e.state(id)
	if !ok {
		return
	}
	st.mu.Lock()
	ch := st.pending
	st.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (e *Engine) acquireSlot(st *linkState, opts option.Opts) result.Result {
	switch opts.Mode {
	case option.NonBlock:
		select {
		case <-st.slot.tokens:
			return result.Success
		default:
			return result.Busy
		}
	case option.Immediate:
		select {
		case <-st.slot.tokens:
			return result.Success
		default:
			return result.Timeout
		}
	case option.Bounded:
		timer := time.NewTimer(time.Duration(opts.RemainingUS()) * time.Microsecond)
		defer timer.Stop()
		select {
		case <-st.slot.tokens:
			return result.Success
		case <-timer.C:
			return result.Timeout
		}
	default: // Blocking
		<-st.slot.tokens
		return result.Success
	}
}

func (e *Engine) releaseSlot(st *linkState) {
	select {
	case st.slot.tokens <- struct{}{}:
	default:
	}
}
