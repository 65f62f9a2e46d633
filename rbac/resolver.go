package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const versionKey = "gpv"

// Resolver computes effective permission sets and caches them in Redis.
// Resolution from the registry is a pure in-memory walk, so cache faults
// fall back to recomputation instead of failing the request; the cache only
// saves the walk and keeps instances warm together.
//
// Invalidation bumps a global version counter embedded in every cache key,
// which retires all cached sets at once. The bounded TTL additionally caps
// how stale an entry can get when an assignment expires without a mutation.
type Resolver struct {
	redis    redis.UniversalClient
	registry *Registry
	cacheTTL time.Duration
}

// NewResolver creates a [Resolver]. A nil Redis client disables caching.
func NewResolver(redisClient redis.UniversalClient, registry *Registry, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Resolver{
		redis:    redisClient,
		registry: registry,
		cacheTTL: cacheTTL,
	}
}

// EffectivePermissions returns the union of permissions of the given roles
// and all their ancestors, each role's own grants ahead of inherited ones.
func (r *Resolver) EffectivePermissions(ctx context.Context, tenantID, userID string, roleIDs []string) ([]Permission, error) {
	if len(roleIDs) == 0 {
		return []Permission{}, nil
	}

	cacheKey, cacheable := r.cacheKey(ctx, tenantID, userID, roleIDs)
	if cacheable {
		if perms, ok := r.readCache(ctx, cacheKey); ok {
			return perms, nil
		}
	}

	perms, err := r.compute(roleIDs)
	if err != nil {
		return nil, err
	}

	if cacheable {
		r.writeCache(ctx, cacheKey, perms)
	}

	return perms, nil
}

// Invalidate retires every cached permission set store-wide.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	if err := r.redis.Incr(ctx, versionKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Resolver) compute(roleIDs []string) ([]Permission, error) {
	var (
		perms []Permission
		seen  = make(map[string]bool)
	)

	for _, roleID := range roleIDs {
		if seen[roleID] {
			continue
		}
		seen[roleID] = true

		role, ok := r.registry.Get(roleID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
		}
		perms = append(perms, role.Permissions...)

		ancestors, err := r.registry.Ancestors(roleID)
		if err != nil {
			return nil, err
		}
		for _, ancestorID := range ancestors {
			if seen[ancestorID] {
				continue
			}
			seen[ancestorID] = true
			ancestor, _ := r.registry.Get(ancestorID)
			perms = append(perms, ancestor.Permissions...)
		}
	}

	if perms == nil {
		perms = []Permission{}
	}
	return perms, nil
}

// cacheKey embeds the global version so Invalidate orphans old entries;
// they fall out via their TTL.
func (r *Resolver) cacheKey(ctx context.Context, tenantID, userID string, roleIDs []string) (string, bool) {
	if r.redis == nil {
		return "", false
	}

	version, err := r.redis.Get(ctx, versionKey).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return "", false
		}
		version = 0
	}

	if tenantID == "" {
		tenantID = "0"
	}
	sorted := append([]string(nil), roleIDs...)
	sort.Strings(sorted)

	return "gp:" + tenantID + ":" + userID + ":" + strings.Join(sorted, ",") + ":v" + strconv.FormatInt(version, 10), true
}

func (r *Resolver) readCache(ctx context.Context, key string) ([]Permission, bool) {
	data, err := r.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, false
	}
	return perms, true
}

func (r *Resolver) writeCache(ctx context.Context, key string, perms []Permission) {
	data, err := json.Marshal(perms)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, key, data, r.cacheTTL).Err(); err != nil {
		log.Print("goGate: permission cache write failed: ", err)
	}
}
