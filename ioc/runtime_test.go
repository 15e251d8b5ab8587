package ioc

import (
	"os"
	"testing"

	"github.com/webitel/ioc-runtime/internal/ioc/capability"
	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir, err := os.MkdirTemp("", "ioc-runtime-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := DefaultConfig()
	cfg.FifoSpoolDir = dir
	rt, err := New(nil, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestOnlineConnectAccept_FifoRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)

	srvID, res := rt.OnlineService(SrvArgs{
		URI:          URI{Protocol: "fifo", Path: "/echo"},
		Capabilities: DatReceiver,
		BacklogDepth: 4,
	})
	if res != result.Success {
		t.Fatalf("OnlineService = %v", res)
	}

	// The client requests DatSender; the accept side derives its own role
	// as the complement (DatReceiver) via the roles handshake, never from
	// its own advertised Capabilities — the two sides of a pairing are
	// never constructed independently of one another.
	clientID, res := rt.ConnectService(ConnArgs{
		URI:   URI{Protocol: "fifo", Path: "/echo"},
		Roles: link.Roles{DatSender: true},
	}, option.TimeoutInfinite)
	if res != result.Success {
		t.Fatalf("ConnectService = %v", res)
	}

	serverID, res := rt.AcceptClient(srvID, 2_000_000)
	if res != result.Success {
		t.Fatalf("AcceptClient = %v", res)
	}

	if _, _, res := rt.GetLinkState(clientID); res != result.Success {
		t.Errorf("GetLinkState(client) = %v", res)
	}
	if _, res := rt.GetLinkConnState(serverID); res != result.Success {
		t.Errorf("GetLinkConnState(server) = %v", res)
	}

	if res := rt.CloseLink(clientID); res != result.Success {
		t.Errorf("CloseLink(client) = %v", res)
	}
	if res := rt.CloseLink(serverID); res != result.Success {
		t.Errorf("CloseLink(server) = %v", res)
	}
}

func TestConnectService_UnknownURI(t *testing.T) {
	rt := newTestRuntime(t)

	_, res := rt.ConnectService(ConnArgs{URI: URI{Protocol: "fifo", Path: "/nope"}}, option.TimeoutInfinite)
	if res != result.NotExistService {
		t.Errorf("ConnectService to an offline URI = %v, want NotExistService", res)
	}
}

func TestGetCapability_ReturnsTypedDescriptors(t *testing.T) {
	rt := newTestRuntime(t)

	if rt.GetCapability(capability.ConlesEvt) == nil {
		t.Error("GetCapability(ConlesEvt) returned nil")
	}
}
