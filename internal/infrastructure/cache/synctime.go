package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// syncTimeTTL is how long a fetched last-sync timestamp stays fresh.
const syncTimeTTL = 5 * time.Minute

type cachedSyncTime struct {
	value     *time.Time
	fetchedAt time.Time
}

// SyncTimeProvider serves the last successful sync timestamp for response
// headers without hitting the database on every request. The value is
// refreshed at most once per staleness window (single-flight) and dropped
// eagerly when a run completes.
type SyncTimeProvider struct {
	fetch  func(ctx context.Context) (*time.Time, error)
	ttl    time.Duration
	cached atomic.Pointer[cachedSyncTime]
	group  singleflight.Group

	nowMu sync.Mutex
	now   func() time.Time
}

// NewSyncTimeProvider builds a provider around fetch, which reads the
// last-success timestamp from the run-metadata row (nil when no run has
// succeeded yet).
func NewSyncTimeProvider(fetch func(ctx context.Context) (*time.Time, error)) *SyncTimeProvider {
	return &SyncTimeProvider{fetch: fetch, ttl: syncTimeTTL, now: time.Now}
}

// LastSyncAt returns the cached timestamp, refreshing it when stale.
// Concurrent refreshes collapse into one fetch.
func (p *SyncTimeProvider) LastSyncAt(ctx context.Context) (*time.Time, error) {
	if snapshot := p.cached.Load(); snapshot != nil && p.clock().Sub(snapshot.fetchedAt) < p.ttl {
		return snapshot.value, nil
	}

	value, err, _ := p.group.Do("sync-time", func() (any, error) {
		// Re-check after winning the flight: a sibling may have refreshed.
		if snapshot := p.cached.Load(); snapshot != nil && p.clock().Sub(snapshot.fetchedAt) < p.ttl {
			return snapshot.value, nil
		}
		fetched, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.cached.Store(&cachedSyncTime{value: fetched, fetchedAt: p.clock()})
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	ts, _ := value.(*time.Time)
	return ts, nil
}

// Invalidate drops the cached value so the next read refetches.
func (p *SyncTimeProvider) Invalidate() {
	p.cached.Store(nil)
}

func (p *SyncTimeProvider) clock() time.Time {
	p.nowMu.Lock()
	defer p.nowMu.Unlock()
	return p.now()
}
