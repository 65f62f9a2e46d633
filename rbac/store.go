package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps Redis failures from assignment and cache
// operations.
var ErrStoreUnavailable = errors.New("rbac store unavailable")

// ErrAssignmentNotFound is returned when revoking a role the user does not
// hold.
var ErrAssignmentNotFound = errors.New("role assignment not found")

// AssignmentStore persists per-user role assignments.
type AssignmentStore interface {
	Put(ctx context.Context, a Assignment) error
	Remove(ctx context.Context, tenantID, userID, roleID string) error
	ListForUser(ctx context.Context, tenantID, userID string) ([]Assignment, error)
}

// RedisAssignmentStore keeps assignments in one hash per (tenant, user),
// field-keyed by role ID, so reads for a request are a single HGETALL.
type RedisAssignmentStore struct {
	redis redis.UniversalClient
}

// NewRedisAssignmentStore creates an [AssignmentStore] backed by Redis.
func NewRedisAssignmentStore(redisClient redis.UniversalClient) *RedisAssignmentStore {
	return &RedisAssignmentStore{redis: redisClient}
}

func assignmentKey(tenantID, userID string) string {
	if tenantID == "" {
		tenantID = "0"
	}
	return "ga:" + tenantID + ":" + userID
}

func (s *RedisAssignmentStore) Put(ctx context.Context, a Assignment) error {
	if a.UserID == "" || a.RoleID == "" {
		return errors.New("assignment requires user and role")
	}

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	if err := s.redis.HSet(ctx, assignmentKey(a.TenantID, a.UserID), a.RoleID, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisAssignmentStore) Remove(ctx context.Context, tenantID, userID, roleID string) error {
	removed, err := s.redis.HDel(ctx, assignmentKey(tenantID, userID), roleID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s for user %s", ErrAssignmentNotFound, roleID, userID)
	}
	return nil
}

func (s *RedisAssignmentStore) ListForUser(ctx context.Context, tenantID, userID string) ([]Assignment, error) {
	fields, err := s.redis.HGetAll(ctx, assignmentKey(tenantID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := make([]Assignment, 0, len(fields))
	for _, raw := range fields {
		var a Assignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
