package registry

import (
	"context"
	"testing"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

type nopChannel struct{}

func (nopChannel) SendFrame(b []byte) error   { return nil }
func (nopChannel) RecvFrame() ([]byte, error) { return nil, nil }
func (nopChannel) Close() error               { return nil }

func TestOnlineService_RejectsDuplicateURI(t *testing.T) {
	r := New(nil, 16)
	uri := URI{Protocol: "fifo", Path: "/svc"}

	if _, res := r.OnlineService(SrvArgs{URI: uri}); res != result.Success {
		t.Fatalf("first OnlineService = %v", res)
	}
	if _, res := r.OnlineService(SrvArgs{URI: uri}); res != result.InvalidParam {
		t.Errorf("duplicate URI OnlineService = %v, want InvalidParam", res)
	}
}

func TestResolve_UsesCacheThenFallsBackToMap(t *testing.T) {
	r := New(nil, 16)
	uri := URI{Protocol: "fifo", Path: "/svc"}
	srvID, _ := r.OnlineService(SrvArgs{URI: uri})

	// First resolve hits the LRU cache entry OnlineService added.
	got, ok := r.Resolve(uri)
	if !ok || got != srvID {
		t.Fatalf("Resolve = (%v, %v), want (%v, true)", got, ok, srvID)
	}

	// With the cache entry evicted, the second resolve falls back to the map.
	r.uriCache.Remove(uri.Key())
	got2, ok2 := r.Resolve(uri)
	if !ok2 || got2 != srvID {
		t.Errorf("cached Resolve = (%v, %v), want (%v, true)", got2, ok2, srvID)
	}
}

func TestResolve_UnknownURI(t *testing.T) {
	r := New(nil, 16)
	if _, ok := r.Resolve(URI{Protocol: "fifo", Path: "/nope"}); ok {
		t.Error("Resolve of an offline URI should fail")
	}
}

func TestPushPendingLink_AcceptClient_Pairing(t *testing.T) {
	r := New(nil, 16)
	uri := URI{Protocol: "fifo", Path: "/svc"}
	srvID, _ := r.OnlineService(SrvArgs{URI: uri, BacklogDepth: 2})

	l, err := link.New(nopChannel{}, link.Roles{})
	if err != nil {
		t.Fatalf("link.New: %v", err)
	}
	if res := r.PushPendingLink(srvID, l); res != result.Success {
		t.Fatalf("PushPendingLink = %v", res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	accepted, res := r.AcceptClient(ctx, srvID)
	if res != result.Success || accepted.ID() != l.ID() {
		t.Fatalf("AcceptClient = (%v, %v), want the pushed link", accepted, res)
	}
}

func TestAcceptClient_TimesOutWithEmptyBacklog(t *testing.T) {
	r := New(nil, 16)
	uri := URI{Protocol: "fifo", Path: "/svc"}
	srvID, _ := r.OnlineService(SrvArgs{URI: uri})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, res := r.AcceptClient(ctx, srvID)
	if res != result.Timeout {
		t.Errorf("AcceptClient on empty backlog = %v, want Timeout", res)
	}
}

func TestOfflineService_ClosesDerivedLinksAndFreesURI(t *testing.T) {
	r := New(nil, 16)
	uri := URI{Protocol: "fifo", Path: "/svc"}
	srvID, _ := r.OnlineService(SrvArgs{URI: uri, BacklogDepth: 2})

	l, err := link.New(nopChannel{}, link.Roles{})
	if err != nil {
		t.Fatalf("link.New: %v", err)
	}
	l.SetConn(link.Connected)
	r.PushPendingLink(srvID, l)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.AcceptClient(ctx, srvID)

	if res := r.OfflineService(srvID); res != result.Success {
		t.Fatalf("OfflineService = %v", res)
	}
	if l.ConnState() != link.Disconnected {
		t.Errorf("derived link ConnState after OfflineService = %v, want Disconnected", l.ConnState())
	}

	if _, ok := r.Resolve(uri); ok {
		t.Error("URI should no longer resolve after OfflineService")
	}
	if res := r.OfflineService(srvID); res != result.NotExistService {
		t.Errorf("double OfflineService = %v, want NotExistService", res)
	}
}
