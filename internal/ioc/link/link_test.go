package link

import "testing"

type fakeChannel struct {
	closed bool
}

func (f *fakeChannel) SendFrame(b []byte) error   { return nil }
func (f *fakeChannel) RecvFrame() ([]byte, error) { return nil, nil }
func (f *fakeChannel) Close() error               { f.closed = true; return nil }

func TestSnapshot_Valid_RejectsBusyOutsideConnected(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want bool
	}{
		{"Ready+Connected is valid", Snapshot{Conn: Connected, Op: Ready, Sub: Default}, true},
		{"Busy+Connected is valid", Snapshot{Conn: Connected, Op: BusySendDat, Sub: DatSenderBusySendDat}, true},
		{"Busy+Disconnected is invalid", Snapshot{Conn: Disconnected, Op: BusySendDat}, false},
		{"Busy+Broken is invalid", Snapshot{Conn: Broken, Op: BusyExecCmd}, false},
		{"Ready+Broken is valid", Snapshot{Conn: Broken, Op: Ready}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnterOp_RestoresReadyOnRelease(t *testing.T) {
	l, err := New(&fakeChannel{}, Roles{DatSender: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.SetConn(Connected)

	release := l.EnterOp(BusySendDat, DatSenderBusySendDat)
	snap := l.Snapshot()
	if snap.Op != BusySendDat || snap.Sub != DatSenderBusySendDat {
		t.Fatalf("mid-op snapshot = %+v, want Busy", snap)
	}

	release(DatSenderReady)
	snap = l.Snapshot()
	if snap.Op != Ready || snap.Sub != DatSenderReady {
		t.Errorf("post-release snapshot = %+v, want Ready/DatSenderReady", snap)
	}
}

func TestEnterOp_ReleaseIsNoopAfterBroken(t *testing.T) {
	l, err := New(&fakeChannel{}, Roles{DatSender: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.SetConn(Connected)

	release := l.EnterOp(BusySendDat, DatSenderBusySendDat)
	l.SetConn(Broken) // e.g. transport health check fires mid-operation

	release(DatSenderReady)

	snap := l.Snapshot()
	if snap.Op != Ready {
		t.Errorf("Broken must force Op back to Ready, got %v", snap.Op)
	}
	if snap.Conn != Broken {
		t.Errorf("release must not resurrect Conn state, got %v", snap.Conn)
	}
}

func TestClose_IsIdempotentAndClosesChannelOnce(t *testing.T) {
	ch := &fakeChannel{}
	l, err := New(ch, Roles{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.SetConn(Connected)

	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if !ch.closed {
		t.Fatal("Close did not close the underlying channel")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if l.ConnState() != Disconnected {
		t.Errorf("ConnState after Close = %v, want Disconnected", l.ConnState())
	}
}

func TestNewAuto_HasNoTransport(t *testing.T) {
	id := ID{}
	l := NewAuto(id)
	if !l.IsAuto() {
		t.Fatal("NewAuto link should report IsAuto() == true")
	}
	if l.Channel() != nil {
		t.Error("auto-link must not carry a transport channel")
	}
}
