// Package option decodes the blocking-mode/timeout contract shared by
// postEVT, execCMD, sendDAT, recvDAT, acceptClient and connectService.
//
// Two distinct "zero-ish" semantics must never collapse into one: NonBlock
// (reject immediately if the operation would block) and Immediate (attempt
// once, but return a deterministic TIMEOUT rather than whatever NonBlock
// would return). Every Opts value the engines receive is built by
// TimeoutUS, MayBlock or NonBlockOpts, so this distinction is enforced in
// exactly one place.
package option

import "github.com/webitel/ioc-runtime/internal/ioc/clock"

const (
	// TimeoutNonBlock is the sentinel for SyncNonBlock/ASyncNonBlock.
	TimeoutNonBlock int64 = 0
	// TimeoutImmediate is IOC_TIMEOUT_IMMEDIATE: a bounded-zero deadline.
	TimeoutImmediate int64 = 1000 // 1ms, matches IOC_TIMEOUT_IMMEDIATE=1000us
	// TimeoutMax is IOC_TIMEOUT_MAX: the largest meaningful bounded timeout.
	TimeoutMax int64 = int64(24 * 60 * 60 * 1_000_000) // 24h in microseconds
	// TimeoutInfinite is IOC_TIMEOUT_INFINITE (ULONG_MAX analogue): blocks forever.
	TimeoutInfinite int64 = 1<<63 - 1
)

// Mode classifies how a submission call must behave when the operation
// cannot complete immediately.
type Mode int

const (
	// Blocking waits indefinitely for the operation to complete.
	Blocking Mode = iota
	// NonBlock never waits; returns the engine's "would block" result.
	NonBlock
	// Immediate attempts exactly once and returns TIMEOUT if it would block.
	Immediate
	// Bounded waits up to a deadline, then returns TIMEOUT.
	Bounded
)

// Opts is the decoded (mode, deadline) pair every engine operates on.
type Opts struct {
	Mode Mode
	// DeadlineUS is a clock.NowUS()-comparable timestamp. Meaningless for
	// Blocking (always waits) and NonBlock (never waits).
	DeadlineUS int64
}

// TimeoutUS constructs Opts from a raw timeout value using the table in
// spec.md §4.1. ASync/Sync distinction does not change the decode — only
// whether the caller itself is on a dedicated goroutine, which is a
// caller-side concern the engines don't need to know about.
func TimeoutUS(timeoutUS int64) Opts {
	switch {
	case timeoutUS == TimeoutNonBlock:
		return Opts{Mode: NonBlock}
	case timeoutUS == TimeoutInfinite:
		return Opts{Mode: Blocking, DeadlineUS: clock.TimeoutInfinite()}
	case timeoutUS <= TimeoutImmediate:
		return Opts{Mode: Immediate, DeadlineUS: clock.NowUS()}
	case timeoutUS > 0 && timeoutUS <= TimeoutMax:
		return Opts{Mode: Bounded, DeadlineUS: clock.DeadlineUS(timeoutUS)}
	default:
		// Anything larger than TimeoutMax but not the infinite sentinel is
		// clamped to Blocking rather than silently truncated.
		return Opts{Mode: Blocking, DeadlineUS: clock.TimeoutInfinite()}
	}
}

// MayBlock returns the Opts for SyncMayBlock/ASyncMayBlock/NULL: wait
// indefinitely.
func MayBlock() Opts {
	return Opts{Mode: Blocking, DeadlineUS: clock.TimeoutInfinite()}
}

// NonBlockOpts returns the Opts for SyncNonBlock/ASyncNonBlock.
func NonBlockOpts() Opts {
	return Opts{Mode: NonBlock}
}

// Expired reports whether a Bounded deadline has already elapsed.
func (o Opts) Expired() bool {
	return o.Mode == Bounded && clock.NowUS() >= o.DeadlineUS
}

// RemainingUS returns how long is left until DeadlineUS, clamped to 0. Only
// meaningful for Bounded; callers must branch on Mode first.
func (o Opts) RemainingUS() int64 {
	if o.Mode != Bounded {
		return 0
	}
	rem := o.DeadlineUS - clock.NowUS()
	if rem < 0 {
		return 0
	}
	return rem
}
