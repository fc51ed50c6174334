package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncTimeProviderCachesWithinTTL(t *testing.T) {
	var fetches atomic.Int32
	syncedAt := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)

	provider := NewSyncTimeProvider(func(context.Context) (*time.Time, error) {
		fetches.Add(1)
		return &syncedAt, nil
	})

	for i := 0; i < 5; i++ {
		got, err := provider.LastSyncAt(context.Background())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, syncedAt, *got)
	}
	assert.Equal(t, int32(1), fetches.Load())
}

func TestSyncTimeProviderRefreshesAfterTTL(t *testing.T) {
	var fetches atomic.Int32
	syncedAt := time.Now()
	provider := NewSyncTimeProvider(func(context.Context) (*time.Time, error) {
		fetches.Add(1)
		return &syncedAt, nil
	})

	current := time.Unix(1_700_000_000, 0)
	provider.now = func() time.Time { return current }

	_, err := provider.LastSyncAt(context.Background())
	require.NoError(t, err)

	current = current.Add(syncTimeTTL + time.Second)
	_, err = provider.LastSyncAt(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), fetches.Load())
}

func TestSyncTimeProviderInvalidate(t *testing.T) {
	var fetches atomic.Int32
	provider := NewSyncTimeProvider(func(context.Context) (*time.Time, error) {
		fetches.Add(1)
		return nil, nil
	})

	_, err := provider.LastSyncAt(context.Background())
	require.NoError(t, err)
	provider.Invalidate()
	_, err = provider.LastSyncAt(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), fetches.Load())
}

func TestSyncTimeProviderSingleFlight(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	provider := NewSyncTimeProvider(func(context.Context) (*time.Time, error) {
		fetches.Add(1)
		<-release
		return nil, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = provider.LastSyncAt(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
}

func TestSyncTimeProviderFetchErrorNotCached(t *testing.T) {
	var fetches atomic.Int32
	provider := NewSyncTimeProvider(func(context.Context) (*time.Time, error) {
		if fetches.Add(1) == 1 {
			return nil, assert.AnError
		}
		return nil, nil
	})

	_, err := provider.LastSyncAt(context.Background())
	require.Error(t, err)

	_, err = provider.LastSyncAt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}
