// Package cache provides the Redis-backed shared cache used by the read
// API and invalidated by the sync pipeline.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"regsync/pkg/logger"
)

// DefaultTTL is the expiry applied to cached point lookups when the
// caller does not override it.
const DefaultTTL = 30 * time.Minute

// ErrMiss is returned when a key is absent from the cache.
var ErrMiss = errors.New("cache miss")

// RedisCache wraps a Redis client with JSON value encoding. Read and
// write failures degrade to misses: the database is the fallback, a
// flaky cache must never fail a request.
type RedisCache struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
}

func NewRedisCache(client redis.UniversalClient, defaultTTL time.Duration) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RedisCache{client: client, defaultTTL: defaultTTL}
}

// Get unmarshals the cached value at key into dest. Returns ErrMiss for
// absent keys and for transient Redis failures.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) error {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		logger.Warn(ctx, "redis GET failed, treating as miss", "key", key, "error", err)
		return ErrMiss
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		logger.Warn(ctx, "cached value corrupt, treating as miss", "key", key, "error", err)
		return ErrMiss
	}
	return nil
}

// Set stores value at key with the given TTL (default TTL when zero).
// Failures are logged and swallowed.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		logger.Warn(ctx, "cache value serialization failed", "key", key, "error", err)
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		logger.Warn(ctx, "redis SET failed, value not cached", "key", key, "error", err)
	}
}

// Remove deletes one key.
func (c *RedisCache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

// RemoveByPrefix deletes every key under prefix using incremental SCAN,
// never KEYS, so a sweep does not stall the server.
func (c *RedisCache) RemoveByPrefix(ctx context.Context, prefix string) error {
	var (
		cursor  uint64
		deleted int64
	)
	pattern := prefix + "*"

	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return fmt.Errorf("redis SCAN %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("redis DEL batch: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	logger.Info(ctx, "prefix cache sweep completed", "prefix", prefix, "deleted", deleted)
	return nil
}
