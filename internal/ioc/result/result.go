// Package result defines the IOC runtime's result-code taxonomy.
//
// Every public operation returns a Result instead of a Go error for the
// expected, documented outcomes (timeouts, buffer pressure, missing
// consumers, and also invalid arguments such as a nil callback or a URI
// without a protocol, which yield INVALID_PARAM). Go errors are used only
// below this API: link construction with invalid roles, transport and
// config setup. This mirrors how the
// original C-ish IOC_Result_T is used: a flat status enum that callers
// switch on, not an error chain they unwrap.
package result

// Result is an opaque status code returned by every engine operation.
type Result int

const (
	// Success.
	Success Result = iota

	// Parameter / shape errors.
	InvalidParam
	ZeroData
	DataTooLarge
	BufferTooSmall

	// Resource identity errors.
	NotExistService
	NotExistLink
	PermissionDenied

	// Flow / availability errors.
	BufferFull
	TooManyQueuingEvtDesc // alias of BufferFull, kept distinct for caller intent
	NoData
	NoEventConsumer
	TooManyEvtConsumer
	Busy

	// Timing.
	Timeout

	// Integrity / transport.
	LinkBroken
	DataCorrupted

	// Internal bug — reaching this is always a defect in the runtime itself.
	Bug
)

var names = map[Result]string{
	Success:               "SUCCESS",
	InvalidParam:          "INVALID_PARAM",
	ZeroData:              "ZERO_DATA",
	DataTooLarge:          "DATA_TOO_LARGE",
	BufferTooSmall:        "BUFFER_TOO_SMALL",
	NotExistService:       "NOT_EXIST_SERVICE",
	NotExistLink:          "NOT_EXIST_LINK",
	PermissionDenied:      "PERMISSION_DENIED",
	BufferFull:            "BUFFER_FULL",
	TooManyQueuingEvtDesc: "TOO_MANY_QUEUING_EVTDESC",
	NoData:                "NO_DATA",
	NoEventConsumer:       "NO_EVENT_CONSUMER",
	TooManyEvtConsumer:    "TOO_MANY_EVT_CONSUMER",
	Busy:                  "BUSY",
	Timeout:               "TIMEOUT",
	LinkBroken:            "LINK_BROKEN",
	DataCorrupted:         "DATA_CORRUPTED",
	Bug:                   "BUG",
}

func (r Result) String() string {
	if s, ok := names[r]; ok {
		return s
	}
	return "UNKNOWN_RESULT"
}

// OK reports whether r represents success.
func (r Result) OK() bool { return r == Success }

// Error implements the error interface so a Result can be returned from
// functions that also need to satisfy error, without losing the code.
func (r Result) Error() string { return r.String() }
