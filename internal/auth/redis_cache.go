package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "toolgate:session:"

// RedisCache is a SessionCache shared between gateway replicas. Keys are
// the SHA-256 of the bearer token so raw tokens never leave the process.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	maxTTL    time.Duration
	now       func() time.Time
}

// NewRedisCache wraps an existing client. This is also the entry point
// for tests using miniredis.
func NewRedisCache(client redis.UniversalClient, keyPrefix string, maxTTL time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}

	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}

	return &RedisCache{client: client, keyPrefix: keyPrefix, maxTTL: maxTTL, now: time.Now}
}

func (c *RedisCache) key(token string) string {
	h := sha256.Sum256([]byte(token))
	return c.keyPrefix + hex.EncodeToString(h[:])
}

// Get implements SessionCache.
func (c *RedisCache) Get(ctx context.Context, token string) (*models.Session, error) {
	data, err := c.client.Get(ctx, c.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	if s.Expired(c.now()) {
		return nil, nil
	}

	return &s, nil
}

// Put implements SessionCache.
func (c *RedisCache) Put(ctx context.Context, token string, session *models.Session) error {
	ttl := entryTTL(session, c.now(), c.maxTTL)
	if ttl == 0 {
		return nil
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := c.client.Set(ctx, c.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}

	return nil
}

// Invalidate implements SessionCache.
func (c *RedisCache) Invalidate(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, c.key(token)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
