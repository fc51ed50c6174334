package sync

import (
	"context"
	"fmt"
	"time"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres"
	"regsync/pkg/logger"
)

const (
	viewRefreshRetries = 2
	viewRefreshBackoff = 5 * time.Second
)

// ViewRefresher rebuilds the read-optimized materialized views after a
// committed apply. Runs outside the apply transaction: a refresh failure
// never rolls back committed data, it only leaves the views stale.
type ViewRefresher struct {
	pool     *postgres.Pool
	notifier Notifier
	metrics  Metrics
}

func NewViewRefresher(pool *postgres.Pool, notifier Notifier, metrics Metrics) *ViewRefresher {
	return &ViewRefresher{pool: pool, notifier: notifier, metrics: metrics}
}

// RefreshAll refreshes every category view concurrently-safe, retrying the
// whole batch on failure. After all attempts are spent the error is
// escalated so the run is not silently marked clean while reads diverge.
func (r *ViewRefresher) RefreshAll(ctx context.Context) error {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= viewRefreshRetries+1; attempt++ {
		logger.Info(ctx, "refreshing materialized views",
			"attempt", attempt, "max_attempts", viewRefreshRetries+1)

		lastErr = r.refreshOnce(ctx)
		if lastErr == nil {
			elapsed := time.Since(start)
			r.metrics.RecordViewRefresh(ctx, "all", elapsed, nil)
			logger.Info(ctx, "materialized views refreshed", "duration", elapsed)
			return nil
		}

		r.metrics.RecordViewRefresh(ctx, "all", time.Since(start), lastErr)
		if attempt <= viewRefreshRetries && ctx.Err() == nil {
			logger.Warn(ctx, "materialized view refresh failed, retrying",
				"attempt", attempt, "backoff", viewRefreshBackoff, "error", lastErr)
			select {
			case <-time.After(viewRefreshBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	logger.Error(ctx, "materialized view refresh exhausted all attempts, reads will serve stale data",
		"attempts", viewRefreshRetries+1, "error", lastErr)
	r.notifier.Notify(ctx, Event{
		Type:     EventViewRefreshFailed,
		Severity: SeverityCritical,
		Summary: fmt.Sprintf("Materialized view refresh failed after %d attempts, reads serve stale data",
			viewRefreshRetries+1),
		Payload: map[string]any{
			"attempts": viewRefreshRetries + 1,
			"error":    lastErr.Error(),
		},
	})
	return fmt.Errorf("materialized view refresh failed after %d attempts: %w", viewRefreshRetries+1, lastErr)
}

func (r *ViewRefresher) refreshOnce(ctx context.Context) error {
	for _, cat := range registry.Categories {
		stmt := "REFRESH MATERIALIZED VIEW CONCURRENTLY " + cat.ViewName()
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("refresh %s: %w", cat.ViewName(), err)
		}
	}
	return nil
}
