package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	goGate "github.com/MrEthical07/goGate"
)

type decisionContextKey struct{}

// DecisionFromContext returns the pipeline decision stored by [Guard].
func DecisionFromContext(ctx context.Context) (goGate.Decision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(goGate.Decision)
	return d, ok
}

// Options customizes how [Guard] maps an HTTP request onto a gate request.
// Every field is optional.
type Options struct {
	// IdentityFromRequest extracts the authenticated caller, typically from
	// a verified token or an upstream auth middleware. Leave nil for
	// anonymous traffic; the session record still fills the identity in.
	IdentityFromRequest func(*http.Request) goGate.Identity

	// SessionIDFromRequest extracts the session ID. Defaults to the "sid"
	// cookie.
	SessionIDFromRequest func(*http.Request) string

	// ResourceFromRequest maps the request onto a (resource, action) pair
	// for the permission check. Defaults to the first path segment and an
	// action derived from the method (GET->read, POST->create, PUT/PATCH->
	// update, DELETE->delete). Return "", "" to skip the permission stage.
	ResourceFromRequest func(*http.Request) (resource, action string)

	// TrustProxyHeader uses the first X-Forwarded-For entry as the client
	// IP. Enable only behind a proxy that sets it.
	TrustProxyHeader bool
}

// Guard returns middleware that runs every request through the gate and
// rejects denied ones with the decision's status code. Anti-forgery tokens
// are read from the X-CSRF-Token header.
func Guard(g *goGate.Gate, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g == nil {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			req := goGate.Request{
				Method:    r.Method,
				Path:      r.URL.Path,
				IP:        clientIP(r, opts.TrustProxyHeader),
				UserAgent: r.UserAgent(),
				BodySize:  r.ContentLength,
				CSRFToken: r.Header.Get("X-CSRF-Token"),
			}
			if opts.IdentityFromRequest != nil {
				req.Identity = opts.IdentityFromRequest(r)
			}
			if opts.SessionIDFromRequest != nil {
				req.SessionID = opts.SessionIDFromRequest(r)
			} else if c, err := r.Cookie("sid"); err == nil {
				req.SessionID = c.Value
			}
			if opts.ResourceFromRequest != nil {
				req.Resource, req.Action = opts.ResourceFromRequest(r)
			} else {
				req.Resource, req.Action = defaultResource(r)
			}

			decision := g.Check(r.Context(), req)
			writeThrottleHeaders(w, decision)

			if !decision.Allowed {
				writeDenial(w, decision)
				return
			}

			ctx := context.WithValue(r.Context(), decisionContextKey{}, decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeThrottleHeaders(w http.ResponseWriter, d goGate.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeDenial(w http.ResponseWriter, d goGate.Decision) {
	if d.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": string(d.Reason),
	})
}

func defaultResource(r *http.Request) (string, string) {
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		return "", ""
	}
	resource := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		resource = path[:i]
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return resource, "read"
	case http.MethodPost:
		return resource, "create"
	case http.MethodPut, http.MethodPatch:
		return resource, "update"
	case http.MethodDelete:
		return resource, "delete"
	default:
		return "", ""
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := fwd
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				first = fwd[:i]
			}
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
