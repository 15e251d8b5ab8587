package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

func TestQueue_BasicFIFO(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 4; i++ {
		if res := q.TryEnqueue(i, option.NonBlockOpts()); res != result.Success {
			t.Fatalf("enqueue %d: got %v, want Success", i, res)
		}
	}
	for i := 0; i < 4; i++ {
		v, res := q.DequeueOrWait(option.NonBlockOpts())
		if res != result.Success || v != i {
			t.Fatalf("dequeue %d: got (%d, %v)", i, v, res)
		}
	}
}

func TestQueue_NonBlockVsImmediate_OnFull(t *testing.T) {
	q := New[int](1)
	if res := q.TryEnqueue(1, option.NonBlockOpts()); res != result.Success {
		t.Fatalf("first enqueue should succeed, got %v", res)
	}

	if res := q.TryEnqueue(2, option.NonBlockOpts()); res != result.BufferFull {
		t.Errorf("NonBlock enqueue on full queue = %v, want BufferFull", res)
	}

	immediate := option.TimeoutUS(option.TimeoutImmediate)
	if res := q.TryEnqueue(2, immediate); res != result.Timeout {
		t.Errorf("Immediate enqueue on full queue = %v, want Timeout (not BufferFull)", res)
	}
}

func TestQueue_Bounded_UnblocksWhenSpaceFrees(t *testing.T) {
	q := New[int](1)
	q.TryEnqueue(1, option.NonBlockOpts())

	done := make(chan result.Result, 1)
	go func() {
		opts := option.TimeoutUS(200_000) // 200ms
		done <- q.TryEnqueue(2, opts)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, res := q.DequeueOrWait(option.NonBlockOpts()); res != result.Success {
		t.Fatalf("drain: got %v", res)
	}

	select {
	case res := <-done:
		if res != result.Success {
			t.Errorf("Bounded enqueue after drain = %v, want Success", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Bounded enqueue never unblocked after space freed")
	}
}

func TestQueue_Bounded_TimesOutWhenStillFull(t *testing.T) {
	q := New[int](1)
	q.TryEnqueue(1, option.NonBlockOpts())

	opts := option.TimeoutUS(10_000) // 10ms
	start := time.Now()
	res := q.TryEnqueue(2, opts)
	if res != result.Timeout {
		t.Errorf("got %v, want Timeout", res)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Bounded enqueue took too long: %v", elapsed)
	}
}

func TestQueue_ForceDrain(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		q.TryEnqueue(i, option.NonBlockOpts())
	}

	var mu sync.Mutex
	var seen []int
	n := q.ForceDrain(func(v int) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	if n != 5 || len(seen) != 5 {
		t.Fatalf("ForceDrain processed %d (saw %d), want 5", n, len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Errorf("order broken: seen[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestQueue_Wakeup_ReleasesBlockingDequeue(t *testing.T) {
	q := New[int](1)
	done := make(chan result.Result, 1)
	go func() {
		_, res := q.DequeueOrWait(option.MayBlock())
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	q.Wakeup()

	select {
	case res := <-done:
		if res != result.NoData {
			t.Errorf("woken Blocking dequeue = %v, want NoData", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Wakeup did not release the blocked dequeue")
	}
}
