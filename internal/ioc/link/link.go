// Package link implements the 3-level link state machine (C3) and the Link
// value itself: the duplex endpoint every engine attaches per-engine state
// to.
//
// Grounded on the teacher's internal/domain/registry/connect.go: a single
// struct guarding its own small bit of mutable state behind atomics/mutex,
// constructed once per duplex endpoint and torn down exactly once via a
// sync.Once-guarded Close.
package link

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrInvalidRoles is returned by New when roles holds both sides of an
// engine's role pair (e.g. EvtProducer and EvtConsumer both true).
var ErrInvalidRoles = errors.New("link: roles holds both sides of one engine's pair")

// ID identifies a link. Stable for the link's lifetime; must not be reused
// by the engine after closeLink returns.
type ID = uuid.UUID

// Channel is the minimal ordered, reliable, framed transport contract a
// Link is bound to. Transports (FIFO, TCP) implement this; the link/engine
// layers never see raw sockets or pipes.
type Channel interface {
	SendFrame(b []byte) error
	RecvFrame() ([]byte, error)
	Close() error
}

// Roles records, independently per engine, which side of the duplex this
// link plays. A link never holds both the producer and the consumer role
// for the same engine (data model invariant in spec.md §3).
type Roles struct {
	EvtProducer  bool
	EvtConsumer  bool
	CmdInitiator bool
	CmdExecutor  bool
	DatSender    bool
	DatReceiver  bool
}

// Valid reports whether r holds at most one side of each engine's role
// pair. A Roles value with both sides set for the same engine can never
// come from a real pairing (the peer would have to also hold the same
// side), so New rejects it rather than silently accepting a value no
// correctly-paired link could produce.
func (r Roles) Valid() bool {
	if r.EvtProducer && r.EvtConsumer {
		return false
	}
	if r.CmdInitiator && r.CmdExecutor {
		return false
	}
	if r.DatSender && r.DatReceiver {
		return false
	}
	return true
}

// Complement returns the role set the peer side of a pairing must take:
// every producer/consumer, initiator/executor, sender/receiver flag
// swapped. Pairing code calls this on the side that requested roles
// first (the connecting client) to derive what the accepting side
// should be, instead of the accepting side guessing its own roles from
// unrelated service configuration.
func (r Roles) Complement() Roles {
	return Roles{
		EvtProducer:  r.EvtConsumer,
		EvtConsumer:  r.EvtProducer,
		CmdInitiator: r.CmdExecutor,
		CmdExecutor:  r.CmdInitiator,
		DatSender:    r.DatReceiver,
		DatReceiver:  r.DatSender,
	}
}

// encodeRoles/decodeRoles pack Roles into the single-byte bitmask
// SendRolesHandshake/RecvRolesHandshake exchange as the first frame of a
// new pairing, before any engine attaches or the multiplexed read loop
// starts.
const (
	bitEvtProducer = 1 << iota
	bitEvtConsumer
	bitCmdInitiator
	bitCmdExecutor
	bitDatSender
	bitDatReceiver
)

func encodeRoles(r Roles) byte {
	var b byte
	if r.EvtProducer {
		b |= bitEvtProducer
	}
	if r.EvtConsumer {
		b |= bitEvtConsumer
	}
	if r.CmdInitiator {
		b |= bitCmdInitiator
	}
	if r.CmdExecutor {
		b |= bitCmdExecutor
	}
	if r.DatSender {
		b |= bitDatSender
	}
	if r.DatReceiver {
		b |= bitDatReceiver
	}
	return b
}

func decodeRoles(b byte) Roles {
	return Roles{
		EvtProducer:  b&bitEvtProducer != 0,
		EvtConsumer:  b&bitEvtConsumer != 0,
		CmdInitiator: b&bitCmdInitiator != 0,
		CmdExecutor:  b&bitCmdExecutor != 0,
		DatSender:    b&bitDatSender != 0,
		DatReceiver:  b&bitDatReceiver != 0,
	}
}

// SendRolesHandshake writes this side's requested Roles as the first
// frame on ch. The peer reads it with RecvRolesHandshake and takes
// Complement() of it, so the two sides of a pairing are never
// constructed independently of one another.
func SendRolesHandshake(ch Channel, r Roles) error {
	return ch.SendFrame([]byte{encodeRoles(r)})
}

// RecvRolesHandshake blocks for the peer's first frame and decodes it.
// Must be called exactly once, before any engine attaches to the
// resulting Link and before the multiplexed frame-read loop starts.
func RecvRolesHandshake(ch Channel) (Roles, error) {
	b, err := ch.RecvFrame()
	if err != nil {
		return Roles{}, err
	}
	if len(b) != 1 {
		return Roles{}, errors.New("link: malformed roles handshake frame")
	}
	return decodeRoles(b[0]), nil
}

// Link is a duplex endpoint created by pairing one connect() with one
// accept(). All per-engine mutable state (subscriptions, in-flight CMD
// slot, DAT send buffer) lives in the engine packages, keyed by Link.ID;
// Link itself only owns the 3-level state and the transport channel.
type Link struct {
	id ID

	// auto is true only for the single process-wide conles link; Level-1
	// queries are rejected against it (spec.md §4.3).
	auto bool

	roles Roles
	ch    Channel

	mu   sync.RWMutex
	conn ConnState
	op   OpState
	sub  SubState

	closed    int32
	closeOnce sync.Once
}

// New constructs a Link in Connecting state, ready to be flipped to
// Connected once the transport shim finishes pairing. Rejects a roles
// value that holds both sides of one engine's role pair — see
// Roles.Valid.
func New(ch Channel, roles Roles) (*Link, error) {
	if !roles.Valid() {
		return nil, ErrInvalidRoles
	}
	return &Link{
		id:    uuid.New(),
		roles: roles,
		ch:    ch,
		conn:  Connecting,
		op:    Ready,
		sub:   Default,
	}, nil
}

// NewAuto constructs the single well-known conles link. It carries no
// transport and no Level-1 state.
func NewAuto(id ID) *Link {
	return &Link{
		id:   id,
		auto: true,
		conn: Connected, // present only so internal Valid() checks don't trip; never observable via getLinkConnState
		op:   Ready,
		sub:  Default,
	}
}

func (l *Link) ID() ID        { return l.id }
func (l *Link) IsAuto() bool  { return l.auto }
func (l *Link) Roles() Roles  { return l.roles }
func (l *Link) Channel() Channel { return l.ch }

// Snapshot returns a consistent read of all three state levels.
func (l *Link) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{Conn: l.conn, Op: l.op, Sub: l.sub}
}

// SetConn transitions Level 1. Callers (the transport shim, the link
// pairing code) are responsible for only issuing legal transitions; SetConn
// itself does not validate the state graph beyond the cross-level
// consistency rule (entering Broken forces Op back to Ready).
func (l *Link) SetConn(s ConnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = s
	if s == Broken {
		l.op = Ready
		l.sub = Default
	}
}

func (l *Link) ConnState() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

// EnterOp atomically sets Op to op and Sub to sub (Default included) and
// returns a release func that restores Ready/idleSub on exit. Callers
// use this for the duration of exactly one engine operation (a callback
// dispatch, a sub/unsub mutation, an in-flight CMD, a DAT send/recv).
func (l *Link) EnterOp(op OpState, sub SubState) func(idleSub SubState) {
	l.mu.Lock()
	l.op = op
	l.sub = sub
	l.mu.Unlock()

	return func(idleSub SubState) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.conn == Broken {
			// Rule 2: Broken never carries a Busy op; EnterOp's caller is
			// unwinding a cancelled operation, leave state exactly as
			// SetConn(Broken) already forced it.
			return
		}
		l.op = Ready
		l.sub = idleSub
	}
}

// MarkClosing transitions toward shutdown; idempotent.
func (l *Link) MarkClosing() {
	atomic.StoreInt32(&l.closed, 1)
	l.SetConn(Disconnecting)
}

// IsClosing reports whether closeLink has been requested for this link.
func (l *Link) IsClosing() bool {
	return atomic.LoadInt32(&l.closed) == 1
}

// Close tears down the transport channel exactly once and marks the link
// Disconnected. Safe to call from multiple goroutines (teardown race
// between an explicit closeLink and the transport health-check detecting a
// broken peer).
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		atomic.StoreInt32(&l.closed, 1)
		if l.ch != nil {
			err = l.ch.Close()
		}
		l.SetConn(Disconnected)
	})
	return err
}
