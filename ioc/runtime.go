// Package ioc is the public facade of the inter-object communication
// runtime: onlineService/offlineService/acceptClient/connectService/
// closeLink for link lifecycle, subEVT/unsubEVT/postEVT for fire-and-forget
// events, execCMD for request/response commands, sendDAT/recvDAT/flushDAT
// for stream transfer, and getLinkState/getLinkConnState/getCapability for
// introspection. Every other package under internal/ioc is an
// implementation detail this facade wires together.
package ioc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/capability"
	"github.com/webitel/ioc-runtime/internal/ioc/cmdengine"
	"github.com/webitel/ioc-runtime/internal/ioc/conles"
	"github.com/webitel/ioc-runtime/internal/ioc/dat"
	"github.com/webitel/ioc-runtime/internal/ioc/evt"
	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/registry"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
	"github.com/webitel/ioc-runtime/internal/ioc/transport"
	"github.com/webitel/ioc-runtime/internal/ioc/wire"
	"github.com/webitel/ioc-runtime/internal/introspect"
)

// Re-exported domain types so callers only ever import this one package.
type (
	SrvID    = registry.SrvID
	LinkID   = link.ID
	URI      = registry.URI
	Flags    = registry.Flags
	SubArgs  = evt.SubArgs
	Callback = evt.Callback
	EvtDesc  = evt.EvtDesc
	CmdDesc  = cmdengine.CmdDesc
	Executor = cmdengine.Executor
	DatDesc  = dat.DatDesc
	ConnState = link.ConnState
	OpState   = link.OpState
	SubState  = link.SubState
	Result    = result.Result
	Capability = registry.Capability
)

// Capability flag re-exports.
const (
	EvtProducer  = registry.EvtProducer
	EvtConsumer  = registry.EvtConsumer
	CmdInitiator = registry.CmdInitiator
	CmdExecutor  = registry.CmdExecutor
	DatSender    = registry.DatSender
	DatReceiver  = registry.DatReceiver
)

// SrvArgs describes a service at onlineService time.
type SrvArgs struct {
	URI          URI
	Capabilities Capability
	Flags        Flags
	BacklogDepth int

	EvtQueueDepth int
	DatLimits     dat.Limits

	DatRecvCallback dat.ReceiveCallback
	DatRecvCbPriv   any
}

// ConnArgs describes a connectService call.
type ConnArgs struct {
	URI   URI
	Roles link.Roles

	DatRecvCallback dat.ReceiveCallback
	DatRecvCbPriv   any
}

// Config bounds the defaults every engine falls back to absent a per-call
// override, normally sourced from config.Config.
type Config struct {
	EvtQueueDepth  int
	MaxEvtConsumer int
	DatLimits      dat.Limits
	FifoSpoolDir   string
	TcpPortLow     int
	TcpPortHigh    int
}

func DefaultConfig() Config {
	return Config{
		EvtQueueDepth:  capability.DefaultDepthEvtDescQueue,
		MaxEvtConsumer: capability.DefaultMaxEvtConsumer,
		DatLimits: dat.Limits{
			MaxDataChunkSize: capability.DefaultMaxDataChunkSize,
			MaxDataQueueSize: capability.DefaultMaxDataQueueSize,
		},
		FifoSpoolDir: "/tmp/ioc-runtime/spool",
		TcpPortLow:   transport.TcpRange.Low,
		TcpPortHigh:  transport.TcpRange.High,
	}
}

// StateObserver receives a snapshot every time a link's state changes in a
// way introspection callers care about (connected, closing, closed). The
// introspection server's websocket feed is the only implementation today.
type StateObserver interface {
	Publish(snap introspect.LinkSnapshot)
}

// Runtime owns every engine instance and the bookkeeping that ties them to
// concrete *link.Link values by LinkID. One Runtime is the whole IOC
// instance for a process; conles.Fabric is the single exception that
// predates any explicit link.
type Runtime struct {
	logger *slog.Logger
	cfg    Config

	registry *registry.Registry
	evtEng   *evt.Engine
	cmdEng   *cmdengine.Engine
	datEng   *dat.Engine
	conles   *conles.Fabric

	fifo *transport.FifoTransport
	tcp  *transport.TcpTransport

	mu    sync.RWMutex
	links map[link.ID]*link.Link

	stateObserver StateObserver

	nextTcpPort int
	stop        chan struct{}
}

// New constructs a Runtime. cfg.FifoSpoolDir is created if absent; the TCP
// transport only binds listeners lazily, one per onlineService(tcp://...)
// call.
func New(logger *slog.Logger, cfg Config) (*Runtime, error) {
	fifo, err := transport.NewFifoTransport(logger, cfg.FifoSpoolDir)
	if err != nil {
		return nil, err
	}

	evtEng := evt.New()
	r := &Runtime{
		logger:      logger,
		cfg:         cfg,
		registry:    registry.New(logger, 256),
		evtEng:      evtEng,
		cmdEng:      cmdengine.New(),
		datEng:      dat.New(),
		fifo:        fifo,
		tcp:         transport.NewTcpTransport(logger),
		links:       make(map[link.ID]*link.Link),
		nextTcpPort: cfg.TcpPortLow,
		stop:        make(chan struct{}),
	}
	r.conles = conles.New(evtEng, capability.ConlesEvtCap{
		DepthEvtDescQueue: cfg.EvtQueueDepth,
		MaxEvtConsumer:    cfg.MaxEvtConsumer,
	})
	return r, nil
}

// SetExporter wires the optional EVT export bridge (internal/bridge) into
// the EVT engine. A nil exporter is a valid no-op state.
func (r *Runtime) SetExporter(x evt.Exporter) { r.evtEng.SetExporter(x) }

// SetStateObserver wires the optional introspection websocket feed. A nil
// observer is a valid no-op state (publishState becomes a no-op).
func (r *Runtime) SetStateObserver(o StateObserver) { r.stateObserver = o }

func (r *Runtime) publishState(l *link.Link) {
	if r.stateObserver == nil {
		return
	}
	r.stateObserver.Publish(introspect.SnapshotFrom(l.ID(), l.IsAuto(), l.Snapshot()))
}

func (r *Runtime) attachEngines(l *link.Link, evtDepth int, datLimits dat.Limits, datCb dat.ReceiveCallback, datCbPriv any) {
	r.evtEng.AttachLink(l, evtDepth)
	r.cmdEng.AttachLink(l)
	r.datEng.AttachLink(l, datLimits, datCb, datCbPriv)

	r.mu.Lock()
	r.links[l.ID()] = l
	r.mu.Unlock()

	if l.Channel() != nil {
		go r.readLoop(l)
	}
}

// readLoop is the per-link frame pump that closes the loop opened by
// FlushDAT/deliver/execRemote's writes on the other side of a real link: it
// demultiplexes wire.Kind-tagged frames and hands each payload to the engine
// that owns it. It runs until RecvFrame fails, at which point the link is
// marked Broken, a CMD awaiting its remote reply on this link is released
// with LINK_BROKEN, and the goroutine exits — CloseLink's l.Close() is what
// normally causes that failure.
func (r *Runtime) readLoop(l *link.Link) {
	ch := l.Channel()
	for {
		frame, err := ch.RecvFrame()
		if err != nil {
			l.SetConn(link.Broken)
			r.cmdEng.DeliverResponse(l.ID(), cmdengine.CmdWireResp{Status: result.LinkBroken})
			return
		}

		kind, payload := wire.Unwrap(frame)
		switch kind {
		case wire.KindDat:
			r.datEng.Deliver(l.ID(), payload)
		case wire.KindEvt:
			desc, err := evt.DecodeEvt(payload)
			if err != nil {
				continue
			}
			r.evtEng.PostEVT(l.ID(), desc, option.MayBlock())
		case wire.KindCmdReq:
			req, err := cmdengine.DecodeReq(payload)
			if err != nil {
				continue
			}
			resp := r.cmdEng.HandleRemoteRequest(l.ID(), req)
			encoded, err := cmdengine.EncodeResp(resp)
			if err != nil {
				continue
			}
			if err := ch.SendFrame(wire.Wrap(wire.KindCmdResp, encoded)); err != nil {
				l.SetConn(link.Broken)
				r.cmdEng.DeliverResponse(l.ID(), cmdengine.CmdWireResp{Status: result.LinkBroken})
				return
			}
		case wire.KindCmdResp:
			resp, err := cmdengine.DecodeResp(payload)
			if err != nil {
				continue
			}
			r.cmdEng.DeliverResponse(l.ID(), resp)
		}
	}
}

func (r *Runtime) detachEngines(id link.ID) {
	r.evtEng.DetachLink(id)
	r.cmdEng.DetachLink(id)
	r.datEng.DetachLink(id)

	r.mu.Lock()
	delete(r.links, id)
	r.mu.Unlock()
}

func (r *Runtime) lookupLink(id link.ID) (*link.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	return l, ok
}

// Shutdown tears down every outstanding link and transport listener.
func (r *Runtime) Shutdown() {
	close(r.stop)
	r.mu.Lock()
	links := make([]*link.Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()
	for _, l := range links {
		_ = r.CloseLink(l.ID())
	}
}

// ---- Service lifecycle ----

// OnlineService reserves args.URI, installs the accept backlog, and starts
// whichever transport listener args.URI.Protocol names ("fifo" or "tcp").
func (r *Runtime) OnlineService(args SrvArgs) (SrvID, Result) {
	evtDepth := args.EvtQueueDepth
	if evtDepth <= 0 {
		evtDepth = r.cfg.EvtQueueDepth
	}
	datLimits := args.DatLimits
	if datLimits.MaxDataChunkSize == 0 {
		datLimits = r.cfg.DatLimits
	}

	srvID, res := r.registry.OnlineService(registry.SrvArgs{
		URI:             args.URI,
		Capabilities:    args.Capabilities,
		Flags:           args.Flags,
		BacklogDepth:    args.BacklogDepth,
		DatRecvCallback: args.DatRecvCallback,
		DatRecvCbPriv:   args.DatRecvCbPriv,
	})
	if res != result.Success {
		return srvID, res
	}

	// roles is no longer derived from args.Capabilities directly: each side
	// of a pairing must hold the complement of the other's roles (a link
	// never holds both producer and consumer for the same engine), so the
	// accept side waits for the connecting side's handshake and takes its
	// complement instead of guessing from its own advertised capabilities.
	onAccept := func(ch link.Channel) {
		peerRoles, err := link.RecvRolesHandshake(ch)
		if err != nil {
			_ = ch.Close()
			return
		}
		roles := peerRoles.Complement()

		l, err := link.New(ch, roles)
		if err != nil {
			if r.logger != nil {
				r.logger.Error("onAccept: invalid roles handshake", "uri", args.URI, "err", err)
			}
			_ = ch.Close()
			return
		}
		l.SetConn(link.Connected)
		r.attachEngines(l, evtDepth, datLimits, args.DatRecvCallback, args.DatRecvCbPriv)
		r.publishState(l)
		r.registry.PushPendingLink(srvID, l)
	}

	var listenErr error
	switch args.URI.Protocol {
	case "tcp":
		port := args.URI.Port
		if port == 0 {
			port = r.allocTcpPort()
		}
		_, listenErr = r.tcp.Listen(port, r.stop, onAccept)
	default: // "fifo", or unset defaults to in-process
		listenErr = r.fifo.Listen(args.URI.Key(), r.stop, onAccept)
	}
	if listenErr != nil {
		r.registry.OfflineService(srvID)
		return SrvID{}, result.InvalidParam
	}

	if args.Flags.AutoAccept {
		r.registry.RunAutoAccept(srvID, func(*link.Link) {})
	}

	return srvID, result.Success
}

func (r *Runtime) allocTcpPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.nextTcpPort
	if p == 0 || p > r.cfg.TcpPortHigh {
		p = r.cfg.TcpPortLow
	}
	r.nextTcpPort = p + 1
	return p
}

// OfflineService drains and closes every link the service has derived.
func (r *Runtime) OfflineService(id SrvID) Result {
	return r.registry.OfflineService(id)
}

// AcceptClient blocks (per opts, decoded from timeoutUS) for the next
// pending connect on srvID.
func (r *Runtime) AcceptClient(srvID SrvID, timeoutUS int64) (LinkID, Result) {
	opts := option.TimeoutUS(timeoutUS)
	ctx, cancel := contextFor(opts)
	defer cancel()

	l, res := r.registry.AcceptClient(ctx, srvID)
	if res != result.Success {
		return LinkID{}, res
	}
	return l.ID(), result.Success
}

// ConnectService pairs a new link against a URI's online service.
func (r *Runtime) ConnectService(args ConnArgs, timeoutUS int64) (LinkID, Result) {
	if !args.Roles.Valid() {
		return LinkID{}, result.InvalidParam
	}

	srvID, ok := r.registry.Resolve(args.URI)
	if !ok {
		return LinkID{}, result.NotExistService
	}

	var ch link.Channel
	switch args.URI.Protocol {
	case "tcp":
		port := args.URI.Port
		if port == 0 {
			return LinkID{}, result.InvalidParam
		}
		conn, dialErr := r.tcp.Dial(port, timeoutDuration(timeoutUS))
		if dialErr != nil {
			return LinkID{}, result.Timeout
		}
		ch = conn
	default:
		p, connErr := r.fifo.Connect(args.URI.Key())
		if connErr != nil {
			return LinkID{}, result.NotExistService
		}
		ch = p
	}

	// Send our roles first so the accept side can derive its own as the
	// complement, instead of each side independently guessing from its own
	// capabilities (which could pair two producers, or two consumers).
	if err := link.SendRolesHandshake(ch, args.Roles); err != nil {
		_ = ch.Close()
		return LinkID{}, result.LinkBroken
	}

	l, err := link.New(ch, args.Roles)
	if err != nil {
		_ = ch.Close()
		return LinkID{}, result.InvalidParam
	}
	l.SetConn(link.Connected)

	r.attachEngines(l, r.cfg.EvtQueueDepth, r.cfg.DatLimits, args.DatRecvCallback, args.DatRecvCbPriv)
	r.publishState(l)

	// srvID only needed to confirm the URI resolves to a live service above;
	// the client-side link is ours directly, never handed through the
	// service's accept backlog (that backlog is acceptClient's to drain,
	// fed by the peer-side onAccept in OnlineService).
	_ = srvID

	return l.ID(), result.Success
}

// CloseLink tears the link down across every attached engine.
func (r *Runtime) CloseLink(id LinkID) Result {
	l, ok := r.lookupLink(id)
	if !ok {
		return result.NotExistLink
	}
	l.MarkClosing()
	r.publishState(l)
	r.datEng.FlushDAT(id, l)
	err := l.Close()
	r.detachEngines(id)
	r.publishState(l)
	if err != nil {
		return result.LinkBroken
	}
	return result.Success
}

// ---- EVT ----

func (r *Runtime) SubEVT(id LinkID, args SubArgs) Result {
	return r.evtEng.SubEVT(id, args)
}

func (r *Runtime) UnsubEVT(id LinkID, cb Callback, priv any) Result {
	return r.evtEng.UnsubEVT(id, cb, priv)
}

func (r *Runtime) PostEVT(id LinkID, evtDesc EvtDesc, timeoutUS int64) Result {
	return r.evtEng.PostEVT(id, evtDesc, option.TimeoutUS(timeoutUS))
}

// SubEVTConles / UnsubEVTConles / PostEVTConles are the "_inConlesMode"
// operations (C9), acting on the single well-known auto-link instead of an
// explicit connectService-derived LinkID.
func (r *Runtime) SubEVTConles(args SubArgs) Result            { return r.conles.SubEVT(args) }
func (r *Runtime) UnsubEVTConles(cb Callback, priv any) Result { return r.conles.UnsubEVT(cb, priv) }
func (r *Runtime) PostEVTConles(evtDesc EvtDesc, timeoutUS int64) Result {
	return r.conles.PostEVT(evtDesc, option.TimeoutUS(timeoutUS))
}

// ---- CMD ----

func (r *Runtime) RegisterExecutor(id LinkID, acceptedIDs []int64, fn Executor, cbPriv any) Result {
	return r.cmdEng.RegisterExecutor(id, acceptedIDs, fn, cbPriv)
}

func (r *Runtime) ExecCMD(id LinkID, desc *CmdDesc, timeoutUS int64) Result {
	l, ok := r.lookupLink(id)
	if !ok {
		return result.NotExistLink
	}
	opts := option.TimeoutUS(timeoutUS)
	ctx, cancel := contextFor(opts)
	defer cancel()
	return r.cmdEng.ExecCMD(ctx, id, l, desc, opts)
}

// ---- DAT ----

func (r *Runtime) SendDAT(id LinkID, desc DatDesc, timeoutUS int64) Result {
	l, _ := r.lookupLink(id)
	return r.datEng.SendDAT(id, l, desc, option.TimeoutUS(timeoutUS))
}

func (r *Runtime) RecvDAT(id LinkID, desc *DatDesc, timeoutUS int64) (int, Result) {
	return r.datEng.RecvDAT(id, desc, option.TimeoutUS(timeoutUS))
}

func (r *Runtime) FlushDAT(id LinkID) Result {
	l, ok := r.lookupLink(id)
	if !ok {
		return result.NotExistLink
	}
	return r.datEng.FlushDAT(id, l)
}

// Deliver hands data to the DAT engine as if a KindDat frame carrying it had
// arrived on the receive side of id. The per-link readLoop does not go
// through this method; it calls the DAT engine directly.
func (r *Runtime) Deliver(id LinkID, data []byte) { r.datEng.Deliver(id, data) }

// ---- Introspection ----

func (r *Runtime) GetLinkState(id LinkID) (OpState, SubState, Result) {
	l, ok := r.lookupLink(id)
	if !ok {
		return 0, 0, result.NotExistLink
	}
	snap := l.Snapshot()
	return snap.Op, snap.Sub, result.Success
}

func (r *Runtime) GetLinkConnState(id LinkID) (ConnState, Result) {
	l, ok := r.lookupLink(id)
	if !ok {
		return 0, result.NotExistLink
	}
	if l.IsAuto() {
		return 0, result.InvalidParam
	}
	return l.ConnState(), result.Success
}

func (r *Runtime) GetCapability(id capability.ID) any {
	switch id {
	case capability.ConlesEvt:
		return capability.ConlesEvtCap{DepthEvtDescQueue: r.cfg.EvtQueueDepth, MaxEvtConsumer: r.cfg.MaxEvtConsumer}
	case capability.ConetDat:
		return capability.ConetDatCap{MaxDataQueueSize: r.cfg.DatLimits.MaxDataQueueSize, MaxDataChunkSize: r.cfg.DatLimits.MaxDataChunkSize}
	default:
		return nil
	}
}

// ListLinks satisfies introspect.Source.
func (r *Runtime) ListLinks() []introspect.LinkSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]introspect.LinkSnapshot, 0, len(r.links))
	for id, l := range r.links {
		out = append(out, introspect.SnapshotFrom(id, l.IsAuto(), l.Snapshot()))
	}
	return out
}

// Capability satisfies introspect.Source.
func (r *Runtime) Capability(id capability.ID) any { return r.GetCapability(id) }

func contextFor(opts option.Opts) (context.Context, context.CancelFunc) {
	switch opts.Mode {
	case option.Blocking:
		return context.WithCancel(context.Background())
	case option.NonBlock, option.Immediate:
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx, cancel
	default: // Bounded
		return context.WithTimeout(context.Background(), time.Duration(opts.RemainingUS())*time.Microsecond)
	}
}

func timeoutDuration(timeoutUS int64) time.Duration {
	opts := option.TimeoutUS(timeoutUS)
	if opts.Mode == option.Blocking {
		return 24 * time.Hour
	}
	if opts.Mode == option.Bounded {
		return time.Duration(opts.RemainingUS()) * time.Microsecond
	}
	return time.Millisecond
}
