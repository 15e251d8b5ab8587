package conles

import (
	"testing"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/capability"
	"github.com/webitel/ioc-runtime/internal/ioc/evt"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

func TestFabric_LazyInit_SharesOneLink(t *testing.T) {
	f := New(evt.New(), capability.ConlesEvtCap{DepthEvtDescQueue: 16, MaxEvtConsumer: 4})

	id1 := f.LinkID()
	id2 := f.LinkID()
	if id1 != id2 {
		t.Errorf("conles LinkID changed across calls: %v != %v", id1, id2)
	}
}

func TestFabric_PostEVT_FansOutToSubscribers(t *testing.T) {
	f := New(evt.New(), capability.ConlesEvtCap{DepthEvtDescQueue: 16, MaxEvtConsumer: 4})

	received := make(chan int64, 1)
	var priv int
	cb := func(e evt.EvtDesc, cbPriv any) { received <- e.EvtID }

	if res := f.SubEVT(evt.SubArgs{Callback: cb, CbPriv: &priv, IDs: []int64{7}}); res != result.Success {
		t.Fatalf("SubEVT = %v", res)
	}

	if res := f.PostEVT(evt.EvtDesc{EvtID: 7}, option.MayBlock()); res != result.Success {
		t.Fatalf("PostEVT = %v", res)
	}

	select {
	case id := <-received:
		if id != 7 {
			t.Errorf("received EvtID %d, want 7", id)
		}
	case <-time.After(time.Second):
		t.Fatal("conles subscriber never received the event")
	}
}

func TestFabric_MaxEvtConsumer_Enforced(t *testing.T) {
	f := New(evt.New(), capability.ConlesEvtCap{DepthEvtDescQueue: 16, MaxEvtConsumer: 1})

	var privA, privB int
	cbA := func(e evt.EvtDesc, cbPriv any) {}
	cbB := func(e evt.EvtDesc, cbPriv any) {}

	if res := f.SubEVT(evt.SubArgs{Callback: cbA, CbPriv: &privA, IDs: []int64{1}}); res != result.Success {
		t.Fatalf("first SubEVT = %v", res)
	}
	if res := f.SubEVT(evt.SubArgs{Callback: cbB, CbPriv: &privB, IDs: []int64{1}}); res != result.TooManyEvtConsumer {
		t.Errorf("SubEVT beyond MaxEvtConsumer = %v, want TooManyEvtConsumer", res)
	}
}

func TestFabric_UnsubEVT_FreesConsumerSlot(t *testing.T) {
	f := New(evt.New(), capability.ConlesEvtCap{DepthEvtDescQueue: 16, MaxEvtConsumer: 1})

	var priv int
	cb := func(e evt.EvtDesc, cbPriv any) {}
	f.SubEVT(evt.SubArgs{Callback: cb, CbPriv: &priv, IDs: []int64{1}})

	if res := f.UnsubEVT(cb, &priv); res != result.Success {
		t.Fatalf("UnsubEVT = %v", res)
	}

	var priv2 int
	cb2 := func(e evt.EvtDesc, cbPriv any) {}
	if res := f.SubEVT(evt.SubArgs{Callback: cb2, CbPriv: &priv2, IDs: []int64{1}}); res != result.Success {
		t.Errorf("SubEVT after freeing a slot = %v, want Success", res)
	}
}
