package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/constants"
	"relay/pkg/metrics"
)

// ErrCacheMiss reports a key that is not present. Callers treat it as a
// normal outcome, not a failure.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the fast-path collaborator of the ingestion pipeline. All
// implementations must tolerate backend unavailability: readers fail
// open and writers fail silent at the call sites.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// DedupKey scopes an idempotency key to (externalID, conversationID).
// Both parts are provider-controlled strings; the prefix keeps them out
// of the message keyspace.
func DedupKey(externalID, conversationID string) string {
	return constants.CacheKeyPrefixDedup + externalID + ":" + conversationID
}

func MessageKey(messageID string) string {
	return constants.CacheKeyPrefixMessage + messageID
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.IncCacheOperation("get", "miss")
			return "", ErrCacheMiss
		}
		metrics.IncCacheOperation("get", "error")
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	metrics.IncCacheOperation("get", "hit")
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		metrics.IncCacheOperation("set", "error")
		return fmt.Errorf("redis set failed: %w", err)
	}
	metrics.IncCacheOperation("set", "ok")
	return nil
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		metrics.IncCacheOperation("exists", "error")
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	metrics.IncCacheOperation("exists", "ok")
	return n > 0, nil
}
