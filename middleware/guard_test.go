package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	goGate "github.com/MrEthical07/goGate"
	"github.com/MrEthical07/goGate/ratelimit"
)

func newTestGate(t *testing.T) *goGate.Gate {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gate, err := goGate.New().
		WithRedis(client).
		WithConfig(goGate.Config{
			RateLimit: goGate.RateLimitConfig{
				Enabled: true,
				Rules: []ratelimit.Rule{
					{
						ID:          "login",
						Methods:     []string{"POST"},
						PathPrefix:  "/auth",
						Window:      time.Minute,
						MaxRequests: 2,
					},
				},
			},
			Risk: goGate.RiskConfig{
				Enabled:        true,
				BlockThreshold: 75,
				FlagThreshold:  40,
				BlockDuration:  time.Hour,
			},
			Session: goGate.SessionConfig{
				MaxSessionsPerUser: 3,
				IdleLifetime:       30 * time.Minute,
				AbsoluteLifetime:   12 * time.Hour,
			},
			Access: goGate.AccessConfig{CacheTTL: 30 * time.Second},
			CSRF: goGate.CSRFConfig{
				Enabled:    true,
				SigningKey: []byte("0123456789abcdef0123456789abcdef"),
				TokenTTL:   time.Hour,
			},
			Audit:   goGate.AuditConfig{Enabled: false},
			Metrics: goGate.MetricsConfig{Enabled: true},
		}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(gate.Close)

	return gate
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuardPassesAllowedRequests(t *testing.T) {
	gate := newTestGate(t)

	var seen goGate.Decision
	handler := Guard(gate, Options{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFromContext(r.Context())
		if !ok {
			t.Error("decision missing from request context")
		}
		seen = d
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "203.0.113.1:54321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !seen.Allowed {
		t.Fatalf("decision=%+v, want allowed", seen)
	}
}

func TestGuardWritesThrottleHeadersAndDenial(t *testing.T) {
	gate := newTestGate(t)
	handler := Guard(gate, Options{})(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/auth/login", strings.NewReader("{}"))
		req.RemoteAddr = "203.0.113.2:54321"
		req.Header.Set("User-Agent", "Mozilla/5.0")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status=%d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("X-RateLimit-Limit=%q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("X-RateLimit-Remaining=%q, want 1", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("X-RateLimit-Reset missing")
	}

	do()
	rec = do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status=%d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing on throttle denial")
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", got)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Fatalf("body=%v, want rate_limited error", body)
	}
}

func TestGuardReadsSessionCookieAndCSRFHeader(t *testing.T) {
	gate := newTestGate(t)
	handler := Guard(gate, Options{
		ResourceFromRequest: func(r *http.Request) (string, string) {
			if r.Method == "POST" {
				return "profile", "update"
			}
			return "profile", "read"
		},
	})(okHandler())

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	sess, csrfToken, err := gate.CreateSession(ctx, goGate.Identity{UserID: "u1", Role: "user"}, "203.0.113.3", "Mozilla/5.0", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	do := func(method, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/profile", nil)
		req.RemoteAddr = "203.0.113.3:54321"
		req.Header.Set("User-Agent", "Mozilla/5.0")
		req.AddCookie(&http.Cookie{Name: "sid", Value: sess.SessionID})
		if token != "" {
			req.Header.Set("X-CSRF-Token", token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("GET", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET with session cookie: status=%d, want 200", rec.Code)
	}

	rec := do("POST", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("POST without token: status=%d, want 403", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "csrf_invalid" {
		t.Fatalf("body=%v, want csrf_invalid error", body)
	}

	if rec := do("POST", csrfToken); rec.Code != http.StatusOK {
		t.Fatalf("POST with token: status=%d, want 200", rec.Code)
	}
}

func TestGuardUnknownSessionIsUnauthorized(t *testing.T) {
	gate := newTestGate(t)
	handler := Guard(gate, Options{})(okHandler())

	req := httptest.NewRequest("GET", "/profile", nil)
	req.RemoteAddr = "203.0.113.4:54321"
	req.AddCookie(&http.Cookie{Name: "sid", Value: "no-such-session"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
}

func TestGuardNilGateFailsClosed(t *testing.T) {
	handler := Guard(nil, Options{})(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}

func TestDefaultResourceMapping(t *testing.T) {
	cases := []struct {
		method, path     string
		resource, action string
	}{
		{"GET", "/reports/42", "reports", "read"},
		{"HEAD", "/reports", "reports", "read"},
		{"POST", "/reports", "reports", "create"},
		{"PUT", "/reports/42", "reports", "update"},
		{"PATCH", "/reports/42", "reports", "update"},
		{"DELETE", "/reports/42", "reports", "delete"},
		{"OPTIONS", "/reports", "", ""},
		{"GET", "/", "", ""},
	}

	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, tc.path, nil)
		resource, action := defaultResource(r)
		if resource != tc.resource || action != tc.action {
			t.Errorf("%s %s: got (%q, %q), want (%q, %q)",
				tc.method, tc.path, resource, action, tc.resource, tc.action)
		}
	}
}

func TestClientIPPrefersForwardedHeaderWhenTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:9999"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, true); got != "203.0.113.9" {
		t.Fatalf("trusted: ip=%q, want first forwarded entry", got)
	}
	if got := clientIP(r, false); got != "10.0.0.1" {
		t.Fatalf("untrusted: ip=%q, want the socket address", got)
	}
}
