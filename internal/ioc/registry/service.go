// Package registry implements the Service Registry (C4): named services
// reserved by URI, an accept backlog, and per-service capability flags.
//
// Grounded on the teacher's internal/domain/registry/hub.go: a sync.Map of
// named entries plus a background janitor goroutine, generalized here from
// "user cells" to "online services" with a URI key instead of a UserID.
package registry

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

// Capability flags a service offers.
type Capability int

const (
	EvtProducer Capability = 1 << iota
	EvtConsumer
	CmdInitiator
	CmdExecutor
	DatSender
	DatReceiver
)

func (c Capability) Has(f Capability) bool { return c&f != 0 }

// Flags control service-wide behavior.
type Flags struct {
	AutoAccept bool
	Broadcast  bool
}

// SrvArgs describes a service at onlineService time.
type SrvArgs struct {
	URI          URI
	Capabilities Capability
	Flags        Flags
	BacklogDepth int

	// DatRecvCallback, when set, puts every link accepted by this service
	// into DAT callback mode (see internal/ioc/dat). Nil means polling mode.
	DatRecvCallback func(l link.ID, data []byte, cbPriv any)
	DatRecvCbPriv   any
}

type serviceState int

const (
	svcOnline serviceState = iota
	svcDraining
	svcOffline
)

// SrvID identifies an online service.
type SrvID = uuid.UUID

type service struct {
	id    SrvID
	args  SrvArgs
	state serviceState

	mu          sync.Mutex
	backlog     chan *link.Link
	derivedLink map[link.ID]*link.Link

	stopAutoAccept chan struct{}
}

// Registry implements the Service Registry (C4).
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byURI    map[string]*service
	byID     map[SrvID]*service
	uriCache *lru.Cache[string, SrvID]
}

// New constructs an empty registry. cacheSize bounds the URI resolution
// cache (a hot-path optimization for repeated connectService calls against
// the same handful of well-known URIs).
func New(logger *slog.Logger, cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[string, SrvID](cacheSize)
	return &Registry{
		logger:   logger,
		byURI:    make(map[string]*service),
		byID:     make(map[SrvID]*service),
		uriCache: cache,
	}
}

// OnlineService reserves args.URI and installs the accept backlog.
// Duplicate URIs are rejected.
func (r *Registry) OnlineService(args SrvArgs) (SrvID, result.Result) {
	if args.URI.Protocol == "" {
		return SrvID{}, result.InvalidParam
	}
	key := args.URI.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byURI[key]; exists {
		return SrvID{}, result.InvalidParam
	}

	backlog := args.BacklogDepth
	if backlog <= 0 {
		backlog = 16
	}

	svc := &service{
		id:             uuid.New(),
		args:           args,
		state:          svcOnline,
		backlog:        make(chan *link.Link, backlog),
		derivedLink:    make(map[link.ID]*link.Link),
		stopAutoAccept: make(chan struct{}),
	}

	r.byURI[key] = svc
	r.byID[svc.id] = svc
	r.uriCache.Add(key, svc.id)

	if r.logger != nil {
		r.logger.Debug("service online", slog.String("uri", key), slog.String("srv_id", svc.id.String()))
	}

	return svc.id, result.Success
}

// Resolve looks up the SrvID reserving uri, consulting the LRU cache first.
func (r *Registry) Resolve(uri URI) (SrvID, bool) {
	key := uri.Key()
	if id, ok := r.uriCache.Get(key); ok {
		r.mu.RLock()
		_, stillOnline := r.byID[id]
		r.mu.RUnlock()
		if stillOnline {
			return id, true
		}
		r.uriCache.Remove(key)
	}

	r.mu.RLock()
	svc, ok := r.byURI[key]
	r.mu.RUnlock()
	if !ok {
		return SrvID{}, false
	}
	r.uriCache.Add(key, svc.id)
	return svc.id, true
}

func (r *Registry) get(id SrvID) (*service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byID[id]
	return svc, ok
}

// PushPendingLink is called by the transport shim when a peer connect()
// pairs a Link for srvID, to be claimed by the next AcceptClient call (or
// by the internal auto-accept loop).
func (r *Registry) PushPendingLink(srvID SrvID, l *link.Link) result.Result {
	svc, ok := r.get(srvID)
	if !ok {
		return result.NotExistService
	}
	select {
	case svc.backlog <- l:
		return result.Success
	default:
		return result.BufferFull
	}
}

// AcceptClient blocks until the next pending connect on srvID arrives or
// ctx is done (then TIMEOUT).
func (r *Registry) AcceptClient(ctx context.Context, srvID SrvID) (*link.Link, result.Result) {
	svc, ok := r.get(srvID)
	if !ok {
		return nil, result.NotExistService
	}

	select {
	case l := <-svc.backlog:
		svc.mu.Lock()
		svc.derivedLink[l.ID()] = l
		svc.mu.Unlock()
		return l, result.Success
	case <-ctx.Done():
		return nil, result.Timeout
	}
}

// RunAutoAccept starts the internal accept loop for services flagged
// AUTO_ACCEPT, handing each paired link to onAccept. Stops when
// OfflineService is called.
func (r *Registry) RunAutoAccept(srvID SrvID, onAccept func(*link.Link)) {
	svc, ok := r.get(srvID)
	if !ok || !svc.args.Flags.AutoAccept {
		return
	}
	go func() {
		for {
			select {
			case l := <-svc.backlog:
				svc.mu.Lock()
				svc.derivedLink[l.ID()] = l
				svc.mu.Unlock()
				onAccept(l)
			case <-svc.stopAutoAccept:
				return
			}
		}
	}()
}

// OfflineService refuses new accepts, then closes every derived link.
func (r *Registry) OfflineService(srvID SrvID) result.Result {
	r.mu.Lock()
	svc, ok := r.byID[srvID]
	if !ok {
		r.mu.Unlock()
		return result.NotExistService
	}
	svc.state = svcDraining
	delete(r.byURI, svc.args.URI.Key())
	delete(r.byID, srvID)
	r.uriCache.Remove(svc.args.URI.Key())
	r.mu.Unlock()

	close(svc.stopAutoAccept)

	svc.mu.Lock()
	links := make([]*link.Link, 0, len(svc.derivedLink))
	for _, l := range svc.derivedLink {
		links = append(links, l)
	}
	svc.derivedLink = nil
	svc.mu.Unlock()

	// Each Close() blocks on its own transport teardown (TCP FIN, FIFO pipe
	// drain); fan them out instead of paying N of those sequentially.
	var g errgroup.Group
	for _, l := range links {
		l := l
		g.Go(func() error { return l.Close() })
	}
	_ = g.Wait()

	if r.logger != nil {
		r.logger.Debug("service offline", slog.String("srv_id", srvID.String()), slog.Int("closed_links", len(links)))
	}
	return result.Success
}

// Args returns the SrvArgs a service was brought online with, used by the
// link-pairing shim to decide DAT callback-vs-polling mode for accepted
// links.
func (r *Registry) Args(srvID SrvID) (SrvArgs, bool) {
	svc, ok := r.get(srvID)
	if !ok {
		return SrvArgs{}, false
	}
	return svc.args, true
}
