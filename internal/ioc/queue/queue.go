// Package queue implements the bounded, multi-producer single-consumer
// queue (C2) shared by the EVT and DAT engines.
//
// Capacity is enforced by a golang.org/x/sync/semaphore.Weighted acquired
// before every enqueue and released after every dequeue; the channel
// itself only carries ordering and the cross-goroutine handoff. This keeps
// the empty-queue fast path a single buffered-channel send/receive (no
// extra syscall), while giving TryEnqueue a context-aware Acquire to
// implement the Bounded-timeout wait without hand-rolled timer plumbing.
package queue

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

// Queue is a fixed-capacity FIFO. The zero value is not usable; construct
// with New.
type Queue[T any] struct {
	capacity int64
	sem      *semaphore.Weighted
	ch       chan T
	poke     chan struct{}
}

// New creates a queue with the given fixed capacity (DepthEvtDescQueue or
// an equivalent DAT send-buffer bound).
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		ch:       make(chan T, capacity),
		poke:     make(chan struct{}, 1),
	}
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return int(q.capacity) }

// Len returns the number of currently queued, un-dispatched entries.
func (q *Queue[T]) Len() int { return len(q.ch) }

// TryEnqueue admits item per the decoded submission mode.
func (q *Queue[T]) TryEnqueue(item T, opts option.Opts) result.Result {
	switch opts.Mode {
	case option.NonBlock:
		if !q.sem.TryAcquire(1) {
			return result.BufferFull
		}
	case option.Immediate:
		if !q.sem.TryAcquire(1) {
			return result.Timeout
		}
	case option.Bounded:
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.RemainingUS())*time.Microsecond)
		defer cancel()
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return result.Timeout
		}
	default: // Blocking
		if err := q.sem.Acquire(context.Background(), 1); err != nil {
			return result.Bug
		}
	}

	// The semaphore already reserved a slot equal to the channel's
	// capacity, so this send can never block.
	q.ch <- item
	return result.Success
}

// DequeueOrWait retrieves the next entry per the decoded submission mode,
// or reports NoData/Timeout when none is available within the bound.
func (q *Queue[T]) DequeueOrWait(opts option.Opts) (T, result.Result) {
	var zero T

	switch opts.Mode {
	case option.NonBlock:
		select {
		case item := <-q.ch:
			q.sem.Release(1)
			return item, result.Success
		default:
			return zero, result.NoData
		}
	case option.Immediate:
		select {
		case item := <-q.ch:
			q.sem.Release(1)
			return item, result.Success
		default:
			return zero, result.Timeout
		}
	case option.Bounded:
		timer := time.NewTimer(time.Duration(opts.RemainingUS()) * time.Microsecond)
		defer timer.Stop()
		select {
		case item := <-q.ch:
			q.sem.Release(1)
			return item, result.Success
		case <-timer.C:
			return zero, result.Timeout
		case <-q.poke:
			return zero, result.Timeout
		}
	default: // Blocking
		select {
		case item := <-q.ch:
			q.sem.Release(1)
			return item, result.Success
		case <-q.poke:
			return zero, result.NoData
		}
	}
}

// ForceDrain synchronously pulls and hands every currently-queued entry to
// handle, on the calling goroutine, until the queue is empty. Used by
// forceProcEVT.
func (q *Queue[T]) ForceDrain(handle func(T)) int {
	n := 0
	for {
		select {
		case item := <-q.ch:
			q.sem.Release(1)
			handle(item)
			n++
		default:
			return n
		}
	}
}

// Wakeup unblocks one pending DequeueOrWait call (Blocking or Bounded)
// without delivering an entry. Used by wakeupProcEVT to release a
// dispatcher that a test has parked on an empty queue.
func (q *Queue[T]) Wakeup() {
	select {
	case q.poke <- struct{}{}:
	default:
	}
}
