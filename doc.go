// Package goGate is an adaptive request-security gate for Go API servers.
//
// The gate sits in front of business handlers and decides, once per inbound
// request, whether to admit, throttle, or reject the call, and which
// privileges the caller holds once admitted. Four components compose into a
// single pipeline:
//
//   - a sliding-window rate limiter over shared Redis counters,
//   - a weighted fraud-risk engine that scores recent behavior 0–100 and
//     places temporary blocks,
//   - a session manager enforcing concurrent-session caps and detecting
//     IP/user-agent drift,
//   - a role-based access controller with inheritance, per-user assignments
//     and contextual permission conditions.
//
// All shared state (counters, block records, sessions, security events,
// cached permission sets) lives in Redis, so multiple server instances share
// one correct view. Within a key, counting is atomic (INCR, Lua scripts);
// there are no read-modify-write races on quota state.
//
// # Usage
//
//	gate, err := goGate.New().
//		WithRedis(redisClient).
//		WithConfig(cfg).
//		WithAuditSink(sink).
//		Build()
//
// Wrap handlers with the middleware package, or call [Gate.Check] directly.
//
// # Failure policy
//
// Components disagree on purpose: the rate limiter and risk engine fail
// open on a store outage (availability over strict quotas), while session
// lookup fails closed (a store outage must not bypass authentication). Both
// defaults are fixed, not configurable.
package goGate
