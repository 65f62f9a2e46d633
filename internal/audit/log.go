package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLogUnavailable wraps Redis failures from the event log.
var ErrLogUnavailable = errors.New("event log unavailable")

const (
	eventKeyPrefix     = "sev:"
	countKeyPrefix     = "sevc:"
	blockedKeyPrefix   = "sblk:"
	riskScoreKeyPrefix = "srsk:"

	dayFormat = "20060102"
)

// RedisLog is a Sink that persists every event to Redis with bounded
// retention and maintains per-day aggregates for analytics queries.
// Writes are best-effort: a store fault is logged, never propagated, so a
// Redis outage cannot stall the dispatcher goroutine.
type RedisLog struct {
	redis     redis.UniversalClient
	retention time.Duration

	// blockEvents selects which event types feed the top-blocked-subjects
	// aggregate.
	blockEvents map[string]struct{}
}

func NewRedisLog(client redis.UniversalClient, retention time.Duration, blockEventTypes []string) *RedisLog {
	blocked := make(map[string]struct{}, len(blockEventTypes))
	for _, t := range blockEventTypes {
		blocked[t] = struct{}{}
	}
	return &RedisLog{
		redis:       client,
		retention:   retention,
		blockEvents: blocked,
	}
}

// Emit persists the event record and updates the day aggregates.
func (l *RedisLog) Emit(ctx context.Context, event Event) {
	if l == nil || l.redis == nil {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	day := event.Timestamp.UTC().Format(dayFormat)
	countKey := countKeyPrefix + day
	riskKey := riskScoreKeyPrefix + day

	pipe := l.redis.Pipeline()
	pipe.Set(ctx, eventKeyPrefix+event.ID, data, l.retention)
	pipe.HIncrBy(ctx, countKey, event.EventType, 1)
	pipe.Expire(ctx, countKey, l.retention)
	if event.RiskScore > 0 {
		pipe.HIncrBy(ctx, riskKey, scoreBucket(event.RiskScore), 1)
		pipe.Expire(ctx, riskKey, l.retention)
	}
	if _, tracked := l.blockEvents[event.EventType]; tracked {
		subject := event.UserID
		if subject == "" {
			subject = event.IP
		}
		if subject != "" {
			blockedKey := blockedKeyPrefix + day
			pipe.ZIncrBy(ctx, blockedKey, 1, subject)
			pipe.Expire(ctx, blockedKey, l.retention)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Print("goGate: event log write failed: ", err)
	}
}

// EventCounts returns per-type event counts over the inclusive day range
// [from, to].
func (l *RedisLog) EventCounts(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	counts := make(map[string]int64)

	for _, day := range dayRange(from, to) {
		fields, err := l.redis.HGetAll(ctx, countKeyPrefix+day).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
		}
		for eventType, raw := range fields {
			n, convErr := strconv.ParseInt(raw, 10, 64)
			if convErr != nil {
				continue
			}
			counts[eventType] += n
		}
	}

	return counts, nil
}

// BlockedSubject pairs a subject with how many block events it triggered.
type BlockedSubject struct {
	Subject string
	Count   int64
}

// TopBlockedSubjects returns the n subjects with the most block events over
// the inclusive day range [from, to].
func (l *RedisLog) TopBlockedSubjects(ctx context.Context, from, to time.Time, n int) ([]BlockedSubject, error) {
	if n <= 0 {
		return []BlockedSubject{}, nil
	}

	totals := make(map[string]int64)
	for _, day := range dayRange(from, to) {
		entries, err := l.redis.ZRangeWithScores(ctx, blockedKeyPrefix+day, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
		}
		for _, entry := range entries {
			subject, ok := entry.Member.(string)
			if !ok {
				continue
			}
			totals[subject] += int64(entry.Score)
		}
	}

	out := make([]BlockedSubject, 0, len(totals))
	for subject, count := range totals {
		out = append(out, BlockedSubject{Subject: subject, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Subject < out[j].Subject
	})
	if len(out) > n {
		out = out[:n]
	}

	return out, nil
}

// RiskScoreDistribution returns event counts grouped into score deciles over
// the inclusive day range [from, to]. Keys look like "70-79".
func (l *RedisLog) RiskScoreDistribution(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	dist := make(map[string]int64)

	for _, day := range dayRange(from, to) {
		fields, err := l.redis.HGetAll(ctx, riskScoreKeyPrefix+day).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
		}
		for bucket, raw := range fields {
			n, convErr := strconv.ParseInt(raw, 10, 64)
			if convErr != nil {
				continue
			}
			dist[bucket] += n
		}
	}

	return dist, nil
}

func scoreBucket(score int) string {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if score == 100 {
		return "100"
	}
	low := (score / 10) * 10
	return strconv.Itoa(low) + "-" + strconv.Itoa(low+9)
}

func dayRange(from, to time.Time) []string {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return nil
	}

	var days []string
	for d := from; !d.After(to); d = d.Add(24 * time.Hour) {
		days = append(days, d.Format(dayFormat))
	}
	return days
}
