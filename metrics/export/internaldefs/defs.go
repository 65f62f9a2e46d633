package internaldefs

import (
	goGate "github.com/MrEthical07/goGate"
)

// CounterDef binds a gate counter to its stable exported name.
type CounterDef struct {
	ID   goGate.MetricID
	Name string
	Help string
}

// HistogramDef binds a gate histogram to its stable exported name.
type HistogramDef struct {
	ID   goGate.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a fixed render order.
var CounterDefs = []CounterDef{
	{ID: goGate.MetricRequestAllowed, Name: "gogate_request_allowed_total", Help: "Requests that passed every pipeline stage."},
	{ID: goGate.MetricRateLimited, Name: "gogate_rate_limited_total", Help: "Requests denied by a rate-limit rule."},
	{ID: goGate.MetricRiskFlagged, Name: "gogate_risk_flagged_total", Help: "Moderate-band risk assessments."},
	{ID: goGate.MetricRiskBlocked, Name: "gogate_risk_blocked_total", Help: "Assessments that placed a temporary block."},
	{ID: goGate.MetricBlockShortCircuit, Name: "gogate_block_short_circuit_total", Help: "Requests rejected by an existing block."},
	{ID: goGate.MetricSessionCreated, Name: "gogate_session_created_total", Help: "Created sessions."},
	{ID: goGate.MetricSessionEvicted, Name: "gogate_session_evicted_total", Help: "Sessions evicted by the concurrency cap."},
	{ID: goGate.MetricSessionInvalid, Name: "gogate_session_invalid_total", Help: "Requests with a missing or expired session."},
	{ID: goGate.MetricSessionDrift, Name: "gogate_session_drift_total", Help: "Detected session IP or user-agent drifts."},
	{ID: goGate.MetricCSRFRejected, Name: "gogate_csrf_rejected_total", Help: "Mutating requests with a bad anti-forgery token."},
	{ID: goGate.MetricPermissionGranted, Name: "gogate_permission_granted_total", Help: "Successful permission checks."},
	{ID: goGate.MetricPermissionDenied, Name: "gogate_permission_denied_total", Help: "Failed permission checks."},
	{ID: goGate.MetricStoreFailOpen, Name: "gogate_store_fail_open_total", Help: "Store faults absorbed by fail-open stages."},
	{ID: goGate.MetricStoreFailClosed, Name: "gogate_store_fail_closed_total", Help: "Store faults surfaced by fail-closed stages."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goGate.MetricCheckLatency, Name: "gogate_check_latency_seconds", Help: "Full-pipeline check latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds, Prometheus style.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are the bound labels in instrument-name-safe form.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
