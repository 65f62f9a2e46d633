package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps Redis failures. Callers decide the failure
// policy; the gate fails open on it.
var ErrStoreUnavailable = errors.New("risk store unavailable")

// ErrUnknownRule is returned by [NewEngine] for a rule name with no evaluator.
var ErrUnknownRule = errors.New("unknown risk rule")

// ActionFailedLogin marks an observation as a failed authentication attempt.
// Only observations carrying it feed the failed-login and brute-force signals.
const ActionFailedLogin = "failed_login"

// Input is one observation to score.
type Input struct {
	IP         string
	UserID     string
	UserAgent  string
	Endpoint   string
	Action     string
	ResourceID string
	Details    map[string]string
}

// Subject returns the identity the observation is scored against: the user
// when known, the network address otherwise.
func (in Input) Subject() string {
	if in.UserID != "" {
		return in.UserID
	}
	return in.IP
}

// Assessment is the scored outcome. Contributions maps each rule that fired
// to the points it added; Score is the capped sum.
type Assessment struct {
	Score         int
	Contributions map[string]int
}

// TopRule returns the highest-contributing rule name, for block records and
// audit metadata.
func (a Assessment) TopRule() string {
	var (
		top   string
		bestC int
	)
	for name, c := range a.Contributions {
		if c > bestC || (c == bestC && (top == "" || name < top)) {
			top = name
			bestC = c
		}
	}
	return top
}

type evalFunc func(ctx context.Context, rule Rule, in Input) (int, error)

// Engine scores observations against a weighted rule table. All observation
// state lives in Redis so every instance sees the same history.
type Engine struct {
	redis      redis.UniversalClient
	rules      []Rule
	evaluators map[string]evalFunc
}

// NewEngine creates an [Engine] over the given rule table. An empty table
// falls back to [DefaultRules]. Every enabled rule must name a known
// evaluator.
func NewEngine(redisClient redis.UniversalClient, rules []Rule) (*Engine, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	e := &Engine{
		redis: redisClient,
		rules: rules,
	}
	e.evaluators = map[string]evalFunc{
		RuleRapidRequests:       e.evalRapidRequests,
		RuleFailedLogins:        e.evalFailedLogins,
		RuleSuspiciousUserAgent: e.evalSuspiciousUserAgent,
		RuleResourceVolume:      e.evalResourceVolume,
		RuleBruteForceProbe:     e.evalBruteForceProbe,
	}

	for _, rule := range rules {
		if _, ok := e.evaluators[rule.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRule, rule.Name)
		}
	}

	return e, nil
}

// Rules returns the active signal table.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Evaluate records the observation and returns the current risk assessment
// for its subject. The score is the weight-capped sum of every enabled rule,
// clamped to [0, 100].
func (e *Engine) Evaluate(ctx context.Context, in Input) (Assessment, error) {
	assessment := Assessment{
		Contributions: make(map[string]int),
	}

	for _, rule := range e.rules {
		if !rule.Enabled || rule.Weight <= 0 {
			continue
		}

		contribution, err := e.evaluators[rule.Name](ctx, rule, in)
		if err != nil {
			return Assessment{Contributions: map[string]int{}}, err
		}
		if contribution <= 0 {
			continue
		}
		if contribution > rule.Weight {
			contribution = rule.Weight
		}

		assessment.Contributions[rule.Name] = contribution
		assessment.Score += contribution
	}

	if assessment.Score > 100 {
		assessment.Score = 100
	}

	return assessment, nil
}

// evalRapidRequests counts every observation in a rolling window and scales
// the contribution linearly with the excess over the threshold.
func (e *Engine) evalRapidRequests(ctx context.Context, rule Rule, in Input) (int, error) {
	count, err := e.incrementWithTTL(ctx, "rsk:rr:"+in.Subject(), rule.Window)
	if err != nil {
		return 0, err
	}

	threshold := int64(rule.Threshold)
	if threshold <= 0 || count <= threshold {
		return 0, nil
	}

	// Full weight at double the threshold.
	excess := count - threshold
	contribution := int(int64(rule.Weight) * excess / threshold)
	if contribution < 1 {
		contribution = 1
	}
	return contribution, nil
}

// evalFailedLogins counts only failed-login observations; other traffic
// reads the counter without advancing it.
func (e *Engine) evalFailedLogins(ctx context.Context, rule Rule, in Input) (int, error) {
	key := "rsk:fl:" + in.Subject()

	var (
		count int64
		err   error
	)
	if in.Action == ActionFailedLogin {
		count, err = e.incrementWithTTL(ctx, key, rule.Window)
	} else {
		count, err = e.readCounter(ctx, key)
	}
	if err != nil {
		return 0, err
	}

	if rule.Threshold <= 0 || count < int64(rule.Threshold) {
		return 0, nil
	}
	return rule.Weight, nil
}

var suspiciousAgentSignatures = []string{
	"bot",
	"crawler",
	"spider",
	"curl",
	"wget",
	"python-requests",
	"scrapy",
	"headless",
}

func (e *Engine) evalSuspiciousUserAgent(_ context.Context, rule Rule, in Input) (int, error) {
	ua := strings.ToLower(strings.TrimSpace(in.UserAgent))
	if ua == "" {
		return rule.Weight, nil
	}
	for _, sig := range suspiciousAgentSignatures {
		if strings.Contains(ua, sig) {
			return rule.Weight, nil
		}
	}
	return 0, nil
}

// evalResourceVolume tracks distinct resource IDs touched in the window and
// fires when the count exceeds the threshold.
func (e *Engine) evalResourceVolume(ctx context.Context, rule Rule, in Input) (int, error) {
	key := "rsk:rv:" + in.Subject()

	count, err := e.addDistinct(ctx, key, in.ResourceID, rule.Window)
	if err != nil {
		return 0, err
	}

	if rule.Threshold <= 0 || count <= int64(rule.Threshold) {
		return 0, nil
	}
	return rule.Weight, nil
}

// evalBruteForceProbe tracks distinct resource IDs across failed attempts.
// Repeats on the same resource deduplicate, so hammering one target never
// fires this signal.
func (e *Engine) evalBruteForceProbe(ctx context.Context, rule Rule, in Input) (int, error) {
	key := "rsk:bf:" + in.Subject()

	var (
		count int64
		err   error
	)
	if in.Action == ActionFailedLogin {
		count, err = e.addDistinct(ctx, key, in.ResourceID, rule.Window)
	} else {
		count, err = e.readCardinality(ctx, key)
	}
	if err != nil {
		return 0, err
	}

	if rule.Threshold <= 0 || count < int64(rule.Threshold) {
		return 0, nil
	}
	return rule.Weight, nil
}

func (e *Engine) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := e.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := e.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return count, nil
}

func (e *Engine) readCounter(ctx context.Context, key string) (int64, error) {
	count, err := e.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// addDistinct adds member to a windowed set and returns its cardinality.
// An empty member only reads the cardinality.
func (e *Engine) addDistinct(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	if member == "" {
		return e.readCardinality(ctx, key)
	}

	added, err := e.redis.SAdd(ctx, key, member).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if added > 0 {
		// The window starts with the first distinct member; later members
		// must not extend it.
		pttl, err := e.redis.PTTL(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if pttl < 0 {
			if err := e.redis.Expire(ctx, key, ttl).Err(); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		}
	}

	return e.readCardinality(ctx, key)
}

func (e *Engine) readCardinality(ctx context.Context, key string) (int64, error) {
	count, err := e.redis.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}
