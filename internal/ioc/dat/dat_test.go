package dat

import (
	"bytes"
	"testing"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
	"github.com/webitel/ioc-runtime/internal/ioc/wire"
)

type nopChannel struct{ sent [][]byte }

func (c *nopChannel) SendFrame(b []byte) error {
	cp := append([]byte(nil), b...)
	c.sent = append(c.sent, cp)
	return nil
}
func (c *nopChannel) RecvFrame() ([]byte, error) { return nil, nil }
func (c *nopChannel) Close() error               { return nil }

func newTestLink(ch link.Channel) *link.Link {
	l, err := link.New(ch, link.Roles{})
	if err != nil {
		panic(err)
	}
	l.SetConn(link.Connected)
	return l
}

var testLimits = Limits{MaxDataChunkSize: 1024 * 1024, MaxDataQueueSize: 4 * 1024 * 1024}

// TestSendDAT_ValidationPrecedence covers S4 and the strict LinkID → size →
// options precedence: an unknown LinkID masks every other error.
func TestSendDAT_ValidationPrecedence(t *testing.T) {
	eng := New()
	ch := &nopChannel{}
	l := newTestLink(ch)
	eng.AttachLink(l, testLimits, nil, nil)
	defer eng.DetachLink(l.ID())

	unknown := link.ID{}
	if res := eng.SendDAT(unknown, nil, DatDesc{Ptr: []byte("x")}, option.MayBlock()); res != result.NotExistLink {
		t.Errorf("unknown LinkID = %v, want NotExistLink (must mask all other checks)", res)
	}

	if res := eng.SendDAT(l.ID(), l, DatDesc{}, option.MayBlock()); res != result.ZeroData {
		t.Errorf("zero-size DatDesc = %v, want ZeroData", res)
	}

	oversize := DatDesc{Ptr: make([]byte, testLimits.MaxDataChunkSize+1)}
	if res := eng.SendDAT(l.ID(), l, oversize, option.MayBlock()); res != result.DataTooLarge {
		t.Errorf("oversize DatDesc = %v, want DataTooLarge", res)
	}
}

// TestSendRecv_ByteIntegrity covers S5: bytes received equal the
// concatenation of bytes sent, in order, regardless of batching.
func TestSendRecv_ByteIntegrity(t *testing.T) {
	eng := New()
	ch := &nopChannel{}
	l := newTestLink(ch)
	eng.AttachLink(l, testLimits, nil, nil)
	defer eng.DetachLink(l.ID())

	chunks := [][]byte{[]byte("hello, "), []byte("world"), []byte("!")}
	for _, c := range chunks {
		if res := eng.SendDAT(l.ID(), l, DatDesc{Ptr: c}, option.MayBlock()); res != result.Success {
			t.Fatalf("SendDAT(%q) = %v", c, res)
		}
	}
	eng.FlushDAT(l.ID(), l)

	var got bytes.Buffer
	for _, frame := range ch.sent {
		kind, payload := wire.Unwrap(frame)
		if kind != wire.KindDat {
			t.Fatalf("sent frame kind = %v, want KindDat", kind)
		}
		got.Write(payload)
	}

	want := bytes.Join(chunks, nil)
	if got.String() != string(want) {
		t.Errorf("got %q, want %q", got.String(), want)
	}
}

func TestDeliver_PollingMode_RecvDAT(t *testing.T) {
	eng := New()
	ch := &nopChannel{}
	l := newTestLink(ch)
	eng.AttachLink(l, testLimits, nil, nil)
	defer eng.DetachLink(l.ID())

	eng.Deliver(l.ID(), []byte("payload"))

	buf := make([]byte, 16)
	desc := &DatDesc{Ptr: buf}
	n, res := eng.RecvDAT(l.ID(), desc, option.NonBlockOpts())
	if res != result.Success {
		t.Fatalf("RecvDAT = %v", res)
	}
	if string(buf[:n]) != "payload" {
		t.Errorf("RecvDAT got %q, want %q", buf[:n], "payload")
	}
}

func TestRecvDAT_NoDataWhenEmpty(t *testing.T) {
	eng := New()
	ch := &nopChannel{}
	l := newTestLink(ch)
	eng.AttachLink(l, testLimits, nil, nil)
	defer eng.DetachLink(l.ID())

	buf := make([]byte, 16)
	_, res := eng.RecvDAT(l.ID(), &DatDesc{Ptr: buf}, option.NonBlockOpts())
	if res != result.NoData {
		t.Errorf("RecvDAT on empty buffer (NonBlock) = %v, want NoData", res)
	}
}

func TestRecvDAT_CallbackModeAlwaysReturnsNoData(t *testing.T) {
	eng := New()
	ch := &nopChannel{}
	l := newTestLink(ch)

	received := make(chan []byte, 1)
	cb := func(id link.ID, data []byte, cbPriv any) { received <- data }
	eng.AttachLink(l, testLimits, cb, nil)
	defer eng.DetachLink(l.ID())

	eng.Deliver(l.ID(), []byte("pushed"))

	select {
	case data := <-received:
		if string(data) != "pushed" {
			t.Errorf("callback got %q, want %q", data, "pushed")
		}
	case <-time.After(time.Second):
		t.Fatal("receive callback never invoked")
	}

	buf := make([]byte, 16)
	_, res := eng.RecvDAT(l.ID(), &DatDesc{Ptr: buf}, option.NonBlockOpts())
	if res != result.NoData {
		t.Errorf("RecvDAT on a callback-mode link = %v, want NoData (mutually exclusive with polling)", res)
	}
}

func TestRecvDAT_BoundedTimesOut(t *testing.T) {
	eng := New()
	ch := &nopChannel{}
	l := newTestLink(ch)
	eng.AttachLink(l, testLimits, nil, nil)
	defer eng.DetachLink(l.ID())

	start := time.Now()
	_, res := eng.RecvDAT(l.ID(), &DatDesc{Ptr: make([]byte, 16)}, option.TimeoutUS(20_000))
	if res != result.Timeout {
		t.Errorf("RecvDAT with nothing pending (Bounded) = %v, want Timeout", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Bounded RecvDAT took too long: %v", elapsed)
	}
}
