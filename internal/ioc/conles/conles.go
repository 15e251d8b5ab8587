// Package conles implements the connectionless auto-link EVT mode (C9): a
// single well-known link shared process-wide, lazily materialized on first
// use and kept attached for the Fabric's lifetime, so callers never
// have to connectService/onlineService just to post or receive broadcast
// events.
package conles

import (
	"sync"

	"github.com/google/uuid"

	"github.com/webitel/ioc-runtime/internal/ioc/capability"
	"github.com/webitel/ioc-runtime/internal/ioc/evt"
	"github.com/webitel/ioc-runtime/internal/ioc/link"
	"github.com/webitel/ioc-runtime/internal/ioc/option"
	"github.com/webitel/ioc-runtime/internal/ioc/result"
)

// autoLinkID is fixed for the process lifetime: every postEVT/subEVT call
// made without an explicit link.ID resolves to this one.
var autoLinkID = uuid.MustParse("00000000-0000-0000-0000-00000000c0de")

// Fabric owns the single auto-link and the EVT engine it is attached to.
// Grounded on the teacher's lazy-singleton hub construction in
// internal/domain/registry/hub.go (sync.Once guarding first use).
type Fabric struct {
	cap capability.ConlesEvtCap
	eng *evt.Engine

	mu        sync.Mutex
	initOnce  sync.Once
	autoLink  *link.Link
	consumers int
}

// New constructs a Fabric bound to eng. The auto-link itself is not created
// until the first SubEVT/PostEVT call.
func New(eng *evt.Engine, cap capability.ConlesEvtCap) *Fabric {
	return &Fabric{eng: eng, cap: cap}
}

func (f *Fabric) ensure() *link.Link {
	f.initOnce.Do(func() {
		f.autoLink = link.NewAuto(autoLinkID)
		f.eng.AttachLink(f.autoLink, f.cap.DepthEvtDescQueue)
	})
	return f.autoLink
}

// SubEVT registers a consumer on the auto-link, enforcing MaxEvtConsumer —
// the one resource bound a connectionless fabric still needs, since there
// is no backlog/accept gate to throttle registration otherwise.
func (f *Fabric) SubEVT(args evt.SubArgs) result.Result {
	l := f.ensure()

	f.mu.Lock()
	if f.consumers >= f.cap.MaxEvtConsumer {
		f.mu.Unlock()
		return result.TooManyEvtConsumer
	}
	f.consumers++
	f.mu.Unlock()

	res := f.eng.SubEVT(l.ID(), args)
	if res != result.Success {
		f.mu.Lock()
		f.consumers--
		f.mu.Unlock()
	}
	return res
}

// UnsubEVT removes a consumer; once the last one leaves, the auto-link
// stays attached (re-subscribing is expected to be cheap and frequent) but
// further PostEVT calls correctly return NO_EVENT_CONSUMER until someone
// resubscribes.
func (f *Fabric) UnsubEVT(cb evt.Callback, priv any) result.Result {
	l := f.ensure()
	res := f.eng.UnsubEVT(l.ID(), cb, priv)
	if res == result.Success {
		f.mu.Lock()
		if f.consumers > 0 {
			f.consumers--
		}
		f.mu.Unlock()
	}
	return res
}

// PostEVT fans evt out to every conles subscriber matching evt.EvtID.
func (f *Fabric) PostEVT(evtDesc evt.EvtDesc, opts option.Opts) result.Result {
	l := f.ensure()
	return f.eng.PostEVT(l.ID(), evtDesc, opts)
}

// LinkID exposes the auto-link's identity, e.g. for ForceProcEVT/WakeupProcEVT
// calls a test wants to target directly instead of going through the
// connectionless-mode helpers above.
func (f *Fabric) LinkID() link.ID {
	return f.ensure().ID()
}
