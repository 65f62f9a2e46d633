package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Block is a temporary deny record for a subject. Expiry is enforced by the
// record's Redis TTL; ExpiresAt mirrors it for callers.
type Block struct {
	SubjectType string    `json:"subject_type"`
	Subject     string    `json:"subject"`
	Reason      string    `json:"reason"`
	Rule        string    `json:"rule,omitempty"`
	Score       int       `json:"score"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Blocklist stores temporary blocks in Redis so every instance enforces
// them.
type Blocklist struct {
	redis redis.UniversalClient
}

// NewBlocklist creates a [Blocklist] backed by the given Redis client.
func NewBlocklist(redisClient redis.UniversalClient) *Blocklist {
	return &Blocklist{redis: redisClient}
}

func blockKey(subjectType, subject string) string {
	return "blk:" + subjectType + ":" + subject
}

// Put places (or refreshes) a block for the record's remaining lifetime.
func (b *Blocklist) Put(ctx context.Context, block Block, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("block ttl must be positive")
	}
	block.ExpiresAt = time.Now().Add(ttl).UTC()

	data, err := json.Marshal(block)
	if err != nil {
		return err
	}

	if err := b.redis.Set(ctx, blockKey(block.SubjectType, block.Subject), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the active block for the subject, or (nil, nil) when none is
// in force.
func (b *Blocklist) Get(ctx context.Context, subjectType, subject string) (*Block, error) {
	if subject == "" {
		return nil, nil
	}

	data, err := b.redis.Get(ctx, blockKey(subjectType, subject)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		// A corrupt record must not lock the subject out forever.
		_ = b.redis.Del(ctx, blockKey(subjectType, subject)).Err()
		return nil, nil
	}

	return &block, nil
}

// Remove lifts a block before its natural expiry.
func (b *Blocklist) Remove(ctx context.Context, subjectType, subject string) error {
	if err := b.redis.Del(ctx, blockKey(subjectType, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
