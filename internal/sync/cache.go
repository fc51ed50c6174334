package sync

import (
	"context"
	"fmt"
	"time"

	"regsync/internal/domain/registry"
	"regsync/pkg/logger"
)

// Cache is the invalidation-side port of the shared point-lookup cache.
// The read API owns population; the pipeline only removes entries.
type Cache interface {
	Remove(ctx context.Context, key string) error
	RemoveByPrefix(ctx context.Context, prefix string) error
}

const (
	// maxTargetedInvalidationKeys caps per-key deletion. Above it, one
	// prefix-wide sweep per category is cheaper than enumerating keys.
	maxTargetedInvalidationKeys = 10_000

	invalidationBatchSize = 100
)

// PointLookupKey is the cache key of one identifier's cached point lookup.
func PointLookupKey(cat registry.Category, identifier string) string {
	return fmt.Sprintf("%s:id:%s", cat.CachePrefix(), identifier)
}

// NopInvalidator is used when no shared cache is deployed; consumers
// then rely on entry TTLs alone.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, []CategoryDiff) {}

// CacheInvalidator evicts stale point-lookup entries after a committed
// apply. Eviction failures are logged and swallowed: a stale cache entry
// expires on its own TTL, while a failed run does not.
type CacheInvalidator struct {
	cache Cache
}

func NewCacheInvalidator(cache Cache) *CacheInvalidator {
	return &CacheInvalidator{cache: cache}
}

// Invalidate removes the point-lookup entries for every modified or
// removed identifier across the diffs. When the touched-key count exceeds
// the targeted threshold it falls back to one prefix sweep per category,
// trading precision for cost on bulk-change runs.
func (c *CacheInvalidator) Invalidate(ctx context.Context, diffs []CategoryDiff) {
	totalKeys := 0
	for _, diff := range diffs {
		totalKeys += len(diff.Touched())
	}
	if totalKeys == 0 {
		logger.Debug(ctx, "no cache entries to invalidate")
		return
	}

	if totalKeys > maxTargetedInvalidationKeys {
		logger.Warn(ctx, "touched-key count exceeds targeted invalidation threshold, sweeping by prefix",
			"keys", totalKeys, "threshold", maxTargetedInvalidationKeys)
		for _, diff := range diffs {
			if len(diff.Touched()) == 0 {
				continue
			}
			prefix := diff.Category.CachePrefix() + ":id:"
			if err := c.cache.RemoveByPrefix(ctx, prefix); err != nil {
				logger.Warn(ctx, "prefix cache invalidation failed",
					"prefix", prefix, "error", err)
			}
		}
		return
	}

	start := time.Now()
	removed := 0
	batch := make([]string, 0, invalidationBatchSize)

	flush := func() {
		for _, key := range batch {
			if err := c.cache.Remove(ctx, key); err != nil {
				logger.Warn(ctx, "cache key invalidation failed", "key", key, "error", err)
				continue
			}
			removed++
		}
		batch = batch[:0]
	}

	for _, diff := range diffs {
		for _, identifier := range diff.Touched() {
			batch = append(batch, PointLookupKey(diff.Category, identifier))
			if len(batch) >= invalidationBatchSize {
				flush()
			}
		}
	}
	flush()

	logger.Info(ctx, "cache invalidation completed",
		"keys", removed, "duration", time.Since(start))
}
