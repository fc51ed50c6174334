package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"regsync/internal/domain/registry"
)

type fakeCache struct {
	mu       sync.Mutex
	removed  []string
	prefixes []string
	failKeys map[string]bool
}

func (f *fakeCache) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys[key] {
		return assert.AnError
	}
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeCache) RemoveByPrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	return nil
}

func TestInvalidateTargetsModifiedAndRemoved(t *testing.T) {
	cache := &fakeCache{}
	invalidator := NewCacheInvalidator(cache)

	invalidator.Invalidate(context.Background(), []CategoryDiff{
		{
			Category: registry.CategoryInvoice,
			Added:    []string{"1000000001"},
			Modified: []string{"1000000002"},
			Removed:  []string{"1000000003"},
		},
		{
			Category: registry.CategoryDispatch,
			Modified: []string{"1000000004"},
		},
	})

	assert.ElementsMatch(t, []string{
		"invoice:id:1000000002",
		"invoice:id:1000000003",
		"dispatch:id:1000000004",
	}, cache.removed)
	assert.Empty(t, cache.prefixes, "added identifiers must not trigger eviction")
}

func TestInvalidateNothingTouched(t *testing.T) {
	cache := &fakeCache{}
	NewCacheInvalidator(cache).Invalidate(context.Background(), []CategoryDiff{
		{Category: registry.CategoryInvoice, Added: []string{"1000000001"}},
	})
	assert.Empty(t, cache.removed)
	assert.Empty(t, cache.prefixes)
}

func TestInvalidateFallsBackToPrefixAboveThreshold(t *testing.T) {
	bulk := make([]string, maxTargetedInvalidationKeys+1)
	for i := range bulk {
		bulk[i] = fmt.Sprintf("%010d", i)
	}

	cache := &fakeCache{}
	NewCacheInvalidator(cache).Invalidate(context.Background(), []CategoryDiff{
		{Category: registry.CategoryInvoice, Modified: bulk},
		{Category: registry.CategoryDispatch, Removed: []string{"1000000001"}},
	})

	assert.Empty(t, cache.removed)
	assert.ElementsMatch(t, []string{"invoice:id:", "dispatch:id:"}, cache.prefixes)
}

func TestInvalidateSwallowsPerKeyFailures(t *testing.T) {
	cache := &fakeCache{failKeys: map[string]bool{"invoice:id:1000000002": true}}
	NewCacheInvalidator(cache).Invalidate(context.Background(), []CategoryDiff{
		{Category: registry.CategoryInvoice, Modified: []string{"1000000002", "1000000003"}},
	})

	assert.Equal(t, []string{"invoice:id:1000000003"}, cache.removed)
}
