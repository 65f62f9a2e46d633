package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goGate/internal"
)

// ErrNotFound is returned when the session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// ErrStoreUnavailable wraps Redis failures. Session reads fail closed on it.
var ErrStoreUnavailable = errors.New("session store unavailable")

const minTTL = time.Second

// deleteSessionScript removes the session blob and its index entry in one
// atomic step, and drops the index set once it is empty so no dangling
// per-user sets accumulate.
const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
redis.call("SREM", KEYS[2], ARGV[1])
if redis.call("SCARD", KEYS[2]) == 0 then
  redis.call("DEL", KEYS[2])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Config holds session manager tuning parameters.
type Config struct {
	KeyPrefix          string
	MaxSessionsPerUser int
	IdleLifetime       time.Duration
	AbsoluteLifetime   time.Duration
	RollingExpiration  bool
}

// Manager is a Redis-backed session store enforcing the per-user
// concurrency cap and drift detection.
type Manager struct {
	redis  redis.UniversalClient
	config Config
}

// NewManager creates a session [Manager] backed by the given Redis client.
func NewManager(redisClient redis.UniversalClient, cfg Config) *Manager {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gs"
	}
	return &Manager{
		redis:  redisClient,
		config: cfg,
	}
}

func (m *Manager) key(tenantID, sessionID string) string {
	return m.config.KeyPrefix + ":" + normalizeTenantID(tenantID) + ":" + sessionID
}

func (m *Manager) userKey(tenantID, userID string) string {
	return "gu:" + normalizeTenantID(tenantID) + ":" + userID
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

// Create persists a new session for the user. When the user is at the
// concurrency cap the oldest sessions are evicted first; the evicted
// records are returned so the caller can report them.
func (m *Manager) Create(ctx context.Context, sess *Session) ([]*Session, error) {
	if sess == nil || sess.UserID == "" {
		return nil, errors.New("session requires a user id")
	}

	if sess.SessionID == "" {
		sid, err := internal.NewSessionID()
		if err != nil {
			return nil, err
		}
		sess.SessionID = sid.String()
	}

	now := time.Now()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now.Unix()
	}
	sess.LastActivity = now.Unix()
	sess.ExpiresAt = now.Add(m.config.IdleLifetime).Unix()
	if sess.FirstIP == "" {
		sess.FirstIP = sess.IP
	}
	if sess.FirstUserAgent == "" {
		sess.FirstUserAgent = sess.UserAgent
	}

	live, err := m.liveSessions(ctx, sess.TenantID, sess.UserID, true)
	if err != nil {
		return nil, err
	}

	var evicted []*Session
	if m.config.MaxSessionsPerUser > 0 && len(live) >= m.config.MaxSessionsPerUser {
		sortOldestFirst(live)
		over := len(live) - m.config.MaxSessionsPerUser + 1
		for _, victim := range live[:over] {
			if err := m.deleteSessionAndIndex(ctx, sess.TenantID, sess.UserID, victim.SessionID); err != nil {
				return nil, err
			}
			evicted = append(evicted, victim)
		}
	}

	data, err := Encode(sess)
	if err != nil {
		return nil, err
	}

	sessionKey := m.key(sess.TenantID, sess.SessionID)
	userKey := m.userKey(sess.TenantID, sess.UserID)

	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey, data, m.initialTTL(sess, now))
		pipe.SAdd(ctx, userKey, sess.SessionID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return evicted, nil
}

// Get retrieves a session. The absolute lifetime is enforced here even when
// rolling expiration has kept the key alive; expired records are removed.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}

	key := m.key(tenantID, sessionID)

	data, err := m.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	// The key TTL is authoritative for the idle deadline; only the absolute
	// cap needs an explicit check, since rolling renewal can keep the key
	// alive past it.
	now := time.Now()
	if remaining, capped := m.remainingAbsolute(sess, now); capped && remaining <= 0 {
		if err := m.deleteSessionAndIndex(ctx, tenantID, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	if m.config.RollingExpiration {
		next := m.boundedIdleTTL(sess, now)
		if err := m.redis.Expire(ctx, key, next).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return sess, nil
}

// Touch records activity on the session, rewriting LastActivity and the
// idle deadline.
func (m *Manager) Touch(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	sess, err := m.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess.LastActivity = now.Unix()
	sess.ExpiresAt = now.Add(m.config.IdleLifetime).Unix()

	if err := m.rewrite(ctx, sess, now); err != nil {
		return nil, err
	}
	return sess, nil
}

// Destroy removes a single session.
func (m *Manager) Destroy(ctx context.Context, tenantID, sessionID string) error {
	key := m.key(tenantID, sessionID)

	data, err := m.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return err
	}

	return m.deleteSessionAndIndex(ctx, tenantID, sess.UserID, sessionID)
}

// DestroyAllForUser removes every session of the user, optionally sparing
// one (typically the caller's own). Returns the number of destroyed
// sessions.
//
// The read and delete phases are separate pipelines, so a session created
// concurrently may survive this call; it will expire naturally or be caught
// by the next invocation.
func (m *Manager) DestroyAllForUser(ctx context.Context, tenantID, userID, exceptSessionID string) (int, error) {
	userKey := m.userKey(tenantID, userID)

	sessionIDs, err := m.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	targets := make([]string, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		if sid == exceptSessionID {
			continue
		}
		targets = append(targets, sid)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(targets))
	for _, sid := range targets {
		keys = append(keys, m.key(tenantID, sid))
	}

	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		if exceptSessionID == "" {
			pipe.Del(ctx, userKey)
		} else {
			members := make([]interface{}, len(targets))
			for i, sid := range targets {
				members[i] = sid
			}
			pipe.SRem(ctx, userKey, members...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return len(targets), nil
}

// ListForUser returns the user's live sessions ordered oldest first. Stale
// index entries found along the way are pruned.
func (m *Manager) ListForUser(ctx context.Context, tenantID, userID string) ([]*Session, error) {
	live, err := m.liveSessions(ctx, tenantID, userID, true)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(live)
	return live, nil
}

// Drift is one detected difference between the stored session and the
// current request.
type Drift struct {
	Kind     string // "ip" or "user_agent"
	Previous string
	Current  string
}

// Validate fetches the session and compares the caller's IP and user agent
// against the stored record. Differences are reported as drifts and the
// record is updated to the current values; FirstIP and FirstUserAgent keep
// the original observations. Drift never invalidates the session.
func (m *Manager) Validate(ctx context.Context, tenantID, sessionID, ip, userAgent string) (*Session, []Drift, error) {
	sess, err := m.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	var drifts []Drift
	if ip != "" && sess.IP != "" && ip != sess.IP {
		drifts = append(drifts, Drift{Kind: "ip", Previous: sess.IP, Current: ip})
		sess.IP = ip
	}
	if userAgent != "" && sess.UserAgent != "" && userAgent != sess.UserAgent {
		drifts = append(drifts, Drift{Kind: "user_agent", Previous: sess.UserAgent, Current: userAgent})
		sess.UserAgent = userAgent
	}

	now := time.Now()
	sess.LastActivity = now.Unix()

	if len(drifts) > 0 {
		if err := m.rewrite(ctx, sess, now); err != nil {
			return nil, nil, err
		}
	}

	return sess, drifts, nil
}

// rewrite stores the updated record without disturbing the key's remaining
// TTL.
func (m *Manager) rewrite(ctx context.Context, sess *Session, now time.Time) error {
	key := m.key(sess.TenantID, sess.SessionID)

	pttl, err := m.redis.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if pttl <= 0 {
		return ErrNotFound
	}

	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := pttl
	if m.config.RollingExpiration {
		ttl = m.boundedIdleTTL(sess, now)
	}

	if err := m.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// liveSessions reads the user's index set and resolves each entry; prune
// removes index entries whose session key is gone.
func (m *Manager) liveSessions(ctx context.Context, tenantID, userID string, prune bool) ([]*Session, error) {
	userKey := m.userKey(tenantID, userID)

	sessionIDs, err := m.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := m.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, m.key(tenantID, sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var (
		live  []*Session
		stale []interface{}
	)
	nowUnix := time.Now().Unix()
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, sessionIDs[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			stale = append(stale, sessionIDs[i])
			continue
		}
		sess.SessionID = sessionIDs[i]
		if m.config.AbsoluteLifetime > 0 && nowUnix >= sess.CreatedAt+int64(m.config.AbsoluteLifetime/time.Second) {
			stale = append(stale, sessionIDs[i])
			continue
		}

		live = append(live, sess)
	}

	if prune && len(stale) > 0 {
		if err := m.redis.SRem(ctx, userKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return live, nil
}

func (m *Manager) initialTTL(sess *Session, now time.Time) time.Duration {
	return m.boundedIdleTTL(sess, now)
}

// boundedIdleTTL returns the idle lifetime clipped to what the absolute cap
// still allows, never below the minimum TTL Redis accepts.
func (m *Manager) boundedIdleTTL(sess *Session, now time.Time) time.Duration {
	ttl := m.config.IdleLifetime
	if remaining, capped := m.remainingAbsolute(sess, now); capped && ttl > remaining {
		ttl = remaining
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}

// remainingAbsolute returns time left under the absolute cap; capped is
// false when no cap is configured.
func (m *Manager) remainingAbsolute(sess *Session, now time.Time) (time.Duration, bool) {
	if m.config.AbsoluteLifetime <= 0 {
		return 0, false
	}
	deadline := time.Unix(sess.CreatedAt, 0).Add(m.config.AbsoluteLifetime)
	return deadline.Sub(now), true
}

func (m *Manager) deleteSessionAndIndex(ctx context.Context, tenantID, userID, sessionID string) error {
	key := m.key(tenantID, sessionID)
	userKey := m.userKey(tenantID, userID)

	if _, err := deleteSessionLua.Run(ctx, m.redis, []string{key, userKey}, sessionID).Result(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func sortOldestFirst(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt < sessions[j].CreatedAt
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
}
