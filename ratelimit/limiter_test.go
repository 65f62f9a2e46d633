package ratelimit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, rules []Rule) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, rules), mr
}

func TestAllowExactQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, []Rule{{
		ID:          "login",
		Methods:     []string{"POST"},
		PathPrefix:  "/auth",
		Subject:     SubjectIP,
		Window:      time.Hour,
		MaxRequests: 5,
	}})

	ctx := context.Background()
	d := Descriptor{Method: "POST", Path: "/auth/login", IP: "203.0.113.1"}

	for i := 0; i < 5; i++ {
		res, err := limiter.Allow(ctx, d)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d unexpectedly denied", i)
		}
		if want := 5 - i - 1; res.Remaining != want {
			t.Fatalf("request %d: remaining=%d, want %d", i, res.Remaining, want)
		}
	}

	res, err := limiter.Allow(ctx, d)
	if err != nil {
		t.Fatalf("allow over quota: %v", err)
	}
	if res.Allowed {
		t.Fatal("sixth request should be denied")
	}
	if res.Remaining != 0 {
		t.Fatalf("denied remaining=%d, want 0", res.Remaining)
	}
	if res.RetryAfter < time.Second {
		t.Fatalf("RetryAfter=%s, want at least 1s", res.RetryAfter)
	}
	if res.ResetAt.Before(time.Now()) {
		t.Fatal("ResetAt should be in the future")
	}
}

func TestDeniedRequestStillCountsEveryMatch(t *testing.T) {
	limiter, mr := newTestLimiter(t, []Rule{
		{ID: "tight", PathPrefix: "/api", Subject: SubjectIP, Window: time.Hour, MaxRequests: 2},
		{ID: "loose", PathPrefix: "/api", Subject: SubjectIP, Window: time.Hour, MaxRequests: 100},
	})

	ctx := context.Background()
	d := Descriptor{Method: "GET", Path: "/api/items", IP: "203.0.113.2"}

	for i := 0; i < 5; i++ {
		res, err := limiter.Allow(ctx, d)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if allowed := i < 2; res.Allowed != allowed {
			t.Fatalf("request %d: allowed=%v, want %v", i, res.Allowed, allowed)
		}
		if !res.Allowed && res.RuleID != "tight" {
			t.Fatalf("denial attributed to %q, want tight", res.RuleID)
		}
	}

	// The loose rule kept counting even while the tight rule was denying.
	var looseCount string
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "rl:loose:") {
			looseCount, _ = mr.Get(key)
		}
	}
	if looseCount != "5" {
		t.Fatalf("loose counter=%q, want 5", looseCount)
	}
}

func TestRoleMultiplierRaisesQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, []Rule{{
		ID:              "write",
		PathPrefix:      "/api",
		Subject:         SubjectUser,
		Window:          time.Hour,
		MaxRequests:     2,
		RoleMultipliers: map[string]float64{"admin": 3},
	}})

	ctx := context.Background()

	for i := 0; i < 6; i++ {
		res, err := limiter.Allow(ctx, Descriptor{Method: "POST", Path: "/api/items", UserID: "admin-1", Role: "admin"})
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("admin request %d denied below scaled quota", i)
		}
		if res.Limit != 6 {
			t.Fatalf("admin limit=%d, want 6", res.Limit)
		}
	}

	res, err := limiter.Allow(ctx, Descriptor{Method: "POST", Path: "/api/items", UserID: "admin-1", Role: "admin"})
	if err != nil {
		t.Fatalf("allow over scaled quota: %v", err)
	}
	if res.Allowed {
		t.Fatal("seventh admin request should be denied")
	}

	// A plain user on the same rule keeps the base quota.
	res, err = limiter.Allow(ctx, Descriptor{Method: "POST", Path: "/api/items", UserID: "user-1", Role: "user"})
	if err != nil {
		t.Fatalf("allow user: %v", err)
	}
	if res.Limit != 2 {
		t.Fatalf("user limit=%d, want 2", res.Limit)
	}
}

func TestConcurrentRequestsNeverExceedQuota(t *testing.T) {
	const quota = 20

	limiter, _ := newTestLimiter(t, []Rule{{
		ID:          "burst",
		Subject:     SubjectIP,
		Window:      time.Hour,
		MaxRequests: quota,
	}})

	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		allowed int64
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Allow(ctx, Descriptor{Method: "GET", Path: "/x", IP: "203.0.113.3"})
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if res.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != quota {
		t.Fatalf("allowed=%d, want exactly %d", allowed, quota)
	}
}

func TestStoreFailureReportsErrorAndAllows(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := New(client, []Rule{{
		ID:          "any",
		Subject:     SubjectIP,
		Window:      time.Minute,
		MaxRequests: 1,
	}})

	mr.Close()

	res, err := limiter.Allow(context.Background(), Descriptor{Method: "GET", Path: "/x", IP: "203.0.113.4"})
	if err == nil {
		t.Fatal("expected store error")
	}
	if !res.Allowed {
		t.Fatal("result must allow so callers can fail open")
	}
}

func TestAnonymousSkipsUserScopedRules(t *testing.T) {
	limiter, _ := newTestLimiter(t, []Rule{{
		ID:          "per_user",
		Subject:     SubjectUser,
		Window:      time.Minute,
		MaxRequests: 1,
	}})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, Descriptor{Method: "GET", Path: "/public", IP: "203.0.113.5"})
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed || res.RuleID != "" {
			t.Fatalf("anonymous request %d should bypass user-scoped rule, got %+v", i, res)
		}
	}
}

func TestWindowRollsOver(t *testing.T) {
	limiter, _ := newTestLimiter(t, []Rule{{
		ID:          "roll",
		Subject:     SubjectIP,
		Window:      time.Second,
		MaxRequests: 1,
	}})

	ctx := context.Background()
	d := Descriptor{Method: "GET", Path: "/x", IP: "203.0.113.6"}

	if res, err := limiter.Allow(ctx, d); err != nil || !res.Allowed {
		t.Fatalf("first request should pass: %+v %v", res, err)
	}

	// The next window index uses a fresh key, so waiting out the window
	// restores the quota even though the old counter lingers until its TTL.
	time.Sleep(1100 * time.Millisecond)

	if res, err := limiter.Allow(ctx, d); err != nil || !res.Allowed {
		t.Fatalf("request in the next window should pass: %+v %v", res, err)
	}
}
