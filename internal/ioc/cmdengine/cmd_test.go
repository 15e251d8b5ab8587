package cmdengine

import (
	"context"
	"testing"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

type nopChannel struct{}

func (nopChannel) SendFrame(b []byte) error   { return nil }
func (nopChannel) RecvFrame() ([]byte, error) { return nil, nil }
func (nopChannel) Close() error               { return nil }

// newTestLink builds the link the tests below register both RegisterExecutor
// and ExecCMD against (the same id), exercising the engine's local-dispatch path (the same path a
// conles-style single-process shortcut would use) rather than the
// wire-forwarding path a real CONET pairing takes.
func newTestLink() *link.Link {
	l, err := link.New(nopChannel{}, link.Roles{})
	if err != nil {
		panic(err)
	}
	l.SetConn(link.Connected)
	return l
}

func TestExecCMD_Success(t *testing.T) {
	eng := New()
	l := newTestLink()
	eng.AttachLink(l)
	defer eng.DetachLink(l.ID())

	eng.RegisterExecutor(l.ID(), []int64{42}, func(id link.ID, desc *CmdDesc, cbPriv any) result.Result {
		desc.Result = "pong"
		return result.Success
	}, nil)

	desc := &CmdDesc{CmdID: 42, Payload: "ping", DeadlineMS: 1000}
	res := eng.ExecCMD(context.Background(), l.ID(), l, desc, option.MayBlock())
	if res != result.Success {
		t.Fatalf("ExecCMD = %v", res)
	}
	if desc.Result != "pong" {
		t.Errorf("desc.Result = %v, want pong", desc.Result)
	}
}

func TestExecCMD_RejectsUnregisteredCmdID(t *testing.T) {
	eng := New()
	l := newTestLink()
	eng.AttachLink(l)
	defer eng.DetachLink(l.ID())

	eng.RegisterExecutor(l.ID(), []int64{1}, func(id link.ID, desc *CmdDesc, cbPriv any) result.Result {
		return result.Success
	}, nil)

	desc := &CmdDesc{CmdID: 999}
	res := eng.ExecCMD(context.Background(), l.ID(), l, desc, option.MayBlock())
	if res != result.InvalidParam {
		t.Errorf("ExecCMD with unaccepted CmdID = %v, want InvalidParam", res)
	}
}

// TestExecCMD_TimeoutReleasesSlot covers S6: a timed-out execCMD must
// release the link's single in-flight slot so a subsequent call can
// proceed, even though the slow executor goroutine is still running.
func TestExecCMD_TimeoutReleasesSlot(t *testing.T) {
	eng := New()
	l := newTestLink()
	eng.AttachLink(l)
	defer eng.DetachLink(l.ID())

	unblock := make(chan struct{})
	eng.RegisterExecutor(l.ID(), nil, func(id link.ID, desc *CmdDesc, cbPriv any) result.Result {
		<-unblock
		return result.Success
	}, nil)

	first := &CmdDesc{CmdID: 1, DeadlineMS: 20}
	res := eng.ExecCMD(context.Background(), l.ID(), l, first, option.MayBlock())
	if res != result.Timeout {
		t.Fatalf("first ExecCMD = %v, want Timeout", res)
	}

	// The slot must already be free: a second call submitted NonBlock should
	// not be rejected as Busy just because the first executor goroutine
	// hasn't returned yet.
	done := make(chan result.Result, 1)
	go func() {
		second := &CmdDesc{CmdID: 2, DeadlineMS: 20}
		done <- eng.ExecCMD(context.Background(), l.ID(), l, second, option.NonBlockOpts())
	}()

	select {
	case res := <-done:
		if res != result.Timeout {
			t.Errorf("second ExecCMD = %v, want Timeout (executor still blocked on unblock)", res)
		}
	case <-time.After(time.Second):
		t.Fatal("second ExecCMD never returned: slot was not released by the first timeout")
	}

	close(unblock)
}

func TestAcquireSlot_NonBlock_Busy(t *testing.T) {
	eng := New()
	l := newTestLink()
	eng.AttachLink(l)
	defer eng.DetachLink(l.ID())

	unblock := make(chan struct{})
	eng.RegisterExecutor(l.ID(), nil, func(id link.ID, desc *CmdDesc, cbPriv any) result.Result {
		<-unblock
		return result.Success
	}, nil)

	go func() {
		desc := &CmdDesc{CmdID: 1, DeadlineMS: 5000}
		eng.ExecCMD(context.Background(), l.ID(), l, desc, option.MayBlock())
	}()
	time.Sleep(30 * time.Millisecond)

	desc := &CmdDesc{CmdID: 2}
	res := eng.ExecCMD(context.Background(), l.ID(), l, desc, option.NonBlockOpts())
	if res != result.Busy {
		t.Errorf("concurrent NonBlock ExecCMD = %v, want Busy", res)
	}
	close(unblock)
}
