// Package introspect implements the read-only ops surface (ambient, not a
// correctness-critical component): HTTP endpoints over getLinkState/
// getCapability, plus a WebSocket feed of link state transitions.
//
// Grounded on the teacher's internal/handler/ws/delivery.go (upgrade, pump
// loop, unsubscribe-on-disconnect) and internal/handler/lp/delivery.go
// (plain HTTP long-poll handler) — generalized from per-user delivery
// connections to a broadcast feed of runtime state snapshots.
package introspect

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/webitel/ioc-runtime/internal/ioc/capability"
	"github.com/webitel/ioc-runtime/internal/ioc/link"
)

// LinkSnapshot is one row of the introspection view.
type LinkSnapshot struct {
	LinkID string `json:"link_id"`
	Conn   string `json:"conn_state"`
	Op     string `json:"op_state"`
	Sub    string `json:"sub_state"`
	Auto   bool   `json:"auto"`
}

// Source is the narrow read surface the server needs from the running
// facade: it never mutates runtime state, only observes it.
type Source interface {
	ListLinks() []LinkSnapshot
	Capability(id capability.ID) any
}

// Server exposes Source over chi-routed HTTP and a gorilla/websocket feed.
type Server struct {
	logger *slog.Logger
	src    Source
	router chi.Router

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]chan LinkSnapshot
}

// NewServer builds the router; call ListenAndServe (or use Server as an
// http.Handler directly) to actually serve.
func NewServer(logger *slog.Logger, src Source) *Server {
	s := &Server{
		logger:   logger,
		src:      src,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		subs:     make(map[*websocket.Conn]chan LinkSnapshot),
	}

	r := chi.NewRouter()
	r.Get("/links", s.handleLinks)
	r.Get("/capability/{id}", s.handleCapability)
	r.Get("/feed", s.handleFeed)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.src.ListLinks())
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	var id capability.ID
	switch idParam {
	case "conles_evt":
		id = capability.ConlesEvt
	case "conet_dat":
		id = capability.ConetDat
	default:
		http.Error(w, "unknown capability id", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.src.Capability(id))
}

// handleFeed upgrades to a WebSocket and streams LinkSnapshot deltas
// pushed via Publish. Read-only: this handler never reads client frames
// beyond the initial handshake.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("introspect ws upgrade failed", slog.Any("err", err))
		}
		return
	}
	defer conn.Close()

	ch := make(chan LinkSnapshot, 32)
	s.mu.Lock()
	s.subs[conn] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish fans a link-state transition out to every connected feed
// subscriber, dropping it for any subscriber whose outbound buffer is full
// rather than blocking the caller (this is an observability side channel,
// never allowed to slow down a correctness-critical operation).
func (s *Server) Publish(snap LinkSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// SnapshotFrom converts a link.Snapshot into the wire shape handleLinks /
// the feed publish on.
func SnapshotFrom(id link.ID, auto bool, snap link.Snapshot) LinkSnapshot {
	return LinkSnapshot{
		LinkID: id.String(),
		Conn:   snap.Conn.String(),
		Op:     snap.Op.String(),
		Sub:    snap.Sub.String(),
		Auto:   auto,
	}
}
