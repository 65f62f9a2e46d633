// Package middleware exposes an HTTP adapter for goGate.Gate.Check.
//
// # Guard
//
//   - [Guard] — runs the full pipeline for every request and rejects with
//     the decision's status code before the wrapped handler runs.
//
// The guard extracts the caller identity, session ID, and anti-forgery
// token from the request, calls Gate.Check, and injects the resulting
// decision into the request context for handlers that want it.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Gate calls. It does NOT
// implement security logic itself — all decisions are delegated to
// Gate.Check.
package middleware
