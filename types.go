package goGate

import (
	"io"
	"time"

	internalaudit "github.com/MrEthical07/goGate/internal/audit"
)

// SubjectType distinguishes what a counter, block, or event is keyed on.
type SubjectType string

const (
	// SubjectIP keys state on the caller's network address.
	SubjectIP SubjectType = "ip"
	// SubjectUser keys state on the authenticated user ID.
	SubjectUser SubjectType = "user"
)

// Identity is the already-authenticated caller the gate evaluates.
// Anonymous traffic leaves UserID empty and is keyed by IP only.
type Identity struct {
	UserID   string
	Role     string
	TenantID string
}

// Request is the per-call input to [Gate.Check]. Method and Path describe
// the HTTP surface; Resource and Action name the business operation for the
// permission check (middleware derives them from the route when the caller
// does not).
type Request struct {
	Method    string
	Path      string
	IP        string
	UserAgent string
	BodySize  int64

	Identity  Identity
	SessionID string
	CSRFToken string

	Resource   string
	Action     string
	ResourceID string
}

// ReasonCode identifies why a request was denied (or flagged).
type ReasonCode string

const (
	ReasonRateLimited       ReasonCode = "rate_limited"
	ReasonRiskBlocked       ReasonCode = "risk_blocked"
	ReasonSessionInvalid    ReasonCode = "session_invalid"
	ReasonCSRFInvalid       ReasonCode = "csrf_invalid"
	ReasonNoGrant           ReasonCode = "no_grant"
	ReasonTenantNotAllowed  ReasonCode = "tenant_not_allowed"
	ReasonIPNotAllowed      ReasonCode = "ip_not_allowed"
	ReasonOutsideTimeWindow ReasonCode = "outside_time_window"
	ReasonAssignmentExpired ReasonCode = "assignment_expired"
)

// Decision is the outcome of a full pipeline evaluation. When Allowed is
// false, Status carries the HTTP status the caller should return and Reason
// the machine-readable cause. Throttle fields are populated whenever a
// rate-limit rule matched, on allow and deny alike.
type Decision struct {
	Allowed bool
	Status  int
	Reason  ReasonCode

	Limit             int
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int

	Resource  string
	Action    string
	RiskScore int
}

// SecurityEvent is a structured record of a security-relevant occurrence.
type SecurityEvent = internalaudit.Event

// Sink receives [SecurityEvent] values from the gate's async dispatcher.
type Sink = internalaudit.Sink

// NoOpSink discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers events in a channel for consumer-driven draining.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line to an [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// MultiSink fans a single event out to several sinks.
type MultiSink = internalaudit.MultiSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewMultiSink creates a [MultiSink] over the given sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return internalaudit.NewMultiSink(sinks...)
}
