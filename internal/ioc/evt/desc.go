// Package evt implements the EVT engine (C6): per-link subscription table,
// post→enqueue→single-consumer fan-out dispatch.
package evt

// EvtDesc is the event description posted through postEVT: an opaque
// payload plus an integer event ID. Ordering is preserved per sending
// link by the underlying queue.
type EvtDesc struct {
	EvtID   int64
	Payload any
}

// Exportable is implemented by event payloads that should additionally be
// republished onto the EVT export bridge (see internal/bridge). Returning
// an empty routing key tells the bridge to skip publishing this instance.
type Exportable interface {
	GetRoutingKey() string
}
