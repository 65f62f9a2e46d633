package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps Redis failures. Callers decide the failure
// policy; the gate fails open on it.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Descriptor identifies a request for rule matching and counter keying.
type Descriptor struct {
	Method string
	Path   string
	IP     string
	UserID string
	Role   string
}

// Result reports the outcome of evaluating one rule (or, from [Limiter.Allow],
// the decisive rule across all matches).
type Result struct {
	Allowed    bool
	RuleID     string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter counts requests against a rule table in shared Redis windows.
// A request is counted by every matching rule regardless of outcome, so a
// denied call still consumes quota everywhere it matched.
type Limiter struct {
	redis redis.UniversalClient
	rules []Rule
}

// New creates a [Limiter] over the given rule table. An empty table falls
// back to [DefaultRules].
func New(redisClient redis.UniversalClient, rules []Rule) *Limiter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Limiter{
		redis: redisClient,
		rules: rules,
	}
}

// Rules returns the active rule table.
func (l *Limiter) Rules() []Rule {
	return l.rules
}

// Allow evaluates every matching rule against the descriptor. The first
// denying rule decides; when all allow, the result carries the tightest
// remaining quota. A request matching no rule is allowed with RuleID "".
func (l *Limiter) Allow(ctx context.Context, d Descriptor) (Result, error) {
	now := time.Now()

	var (
		decisive Result
		matched  bool
	)

	for _, rule := range l.rules {
		if !rule.Matches(d) {
			continue
		}

		res, err := l.evaluate(ctx, rule, d, now)
		if err != nil {
			return Result{Allowed: true}, err
		}

		if !res.Allowed {
			if matched && !decisive.Allowed {
				continue
			}
			decisive = res
			matched = true
			continue
		}

		if !matched || (decisive.Allowed && res.Remaining < decisive.Remaining) {
			decisive = res
			matched = true
		}
	}

	if !matched {
		return Result{Allowed: true}, nil
	}

	return decisive, nil
}

func (l *Limiter) evaluate(ctx context.Context, rule Rule, d Descriptor, now time.Time) (Result, error) {
	windowSec := int64(rule.Window / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	windowIndex := now.Unix() / windowSec
	key := counterKey(rule, d, windowIndex)

	count, err := l.incrementWithTTL(ctx, key, 2*rule.Window)
	if err != nil {
		return Result{}, err
	}

	limit := rule.limitFor(d.Role)
	resetAt := time.Unix((windowIndex+1)*windowSec, 0)

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:   count <= int64(limit),
		RuleID:    rule.ID,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = time.Until(resetAt)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
	}

	return res, nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return count, nil
}

func counterKey(rule Rule, d Descriptor, windowIndex int64) string {
	subject := d.IP
	if rule.Subject == SubjectUser {
		subject = d.UserID
	}
	return "rl:" + rule.ID + ":" + subject + ":" + d.Method + " " + d.Path + ":" + strconv.FormatInt(windowIndex, 10)
}
