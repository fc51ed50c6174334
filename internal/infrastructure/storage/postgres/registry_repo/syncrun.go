package registry_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres"
)

// maxStoredErrorLength bounds last_error to its column width.
const maxStoredErrorLength = 2000

// upsertResultSQL rewrites the whole singleton row after a committed
// apply. Counts are taken from the canonical tables inside the same
// transaction, so they are exact for the snapshot just applied. A
// completed apply clears any previous failure state.
const upsertResultSQL = `
	INSERT INTO sync_run (
		key, last_success_at, invoice_user_count, dispatch_user_count,
		last_duration_ms, last_status, last_error, last_attempt_at, last_failure_at
	)
	VALUES (
		$1, $2,
		(SELECT COUNT(*) FROM invoice_users),
		(SELECT COUNT(*) FROM dispatch_users),
		$3, $4, NULL, $5, NULL
	)
	ON CONFLICT (key) DO UPDATE SET
		last_success_at     = EXCLUDED.last_success_at,
		invoice_user_count  = EXCLUDED.invoice_user_count,
		dispatch_user_count = EXCLUDED.dispatch_user_count,
		last_duration_ms    = EXCLUDED.last_duration_ms,
		last_status         = EXCLUDED.last_status,
		last_error          = EXCLUDED.last_error,
		last_attempt_at     = EXCLUDED.last_attempt_at,
		last_failure_at     = EXCLUDED.last_failure_at`

// updateStatusSQL rewrites only the status fields. Counts, duration and
// the success timestamp survive from the previous row; a success clears
// the failure instant.
const updateStatusSQL = `
	INSERT INTO sync_run (
		key, last_success_at, invoice_user_count, dispatch_user_count,
		last_duration_ms, last_status, last_error, last_attempt_at, last_failure_at
	)
	VALUES (
		$1,
		(SELECT last_success_at FROM sync_run WHERE key = $1),
		COALESCE((SELECT invoice_user_count FROM sync_run WHERE key = $1), 0),
		COALESCE((SELECT dispatch_user_count FROM sync_run WHERE key = $1), 0),
		COALESCE((SELECT last_duration_ms FROM sync_run WHERE key = $1), 0),
		$2, $3, $4,
		(SELECT last_failure_at FROM sync_run WHERE key = $1)
	)
	ON CONFLICT (key) DO UPDATE SET
		last_status     = EXCLUDED.last_status,
		last_error      = EXCLUDED.last_error,
		last_attempt_at = EXCLUDED.last_attempt_at,
		last_failure_at = CASE
			WHEN EXCLUDED.last_status = 'success' THEN NULL
			ELSE sync_run.last_failure_at
		END`

// recordFailureSQL marks a failed attempt, preserving the last known
// good counts and success timestamp.
const recordFailureSQL = `
	INSERT INTO sync_run (
		key, last_success_at, invoice_user_count, dispatch_user_count,
		last_duration_ms, last_status, last_error, last_attempt_at, last_failure_at
	)
	VALUES (
		$1,
		(SELECT last_success_at FROM sync_run WHERE key = $1),
		COALESCE((SELECT invoice_user_count FROM sync_run WHERE key = $1), 0),
		COALESCE((SELECT dispatch_user_count FROM sync_run WHERE key = $1), 0),
		COALESCE((SELECT last_duration_ms FROM sync_run WHERE key = $1), 0),
		$2, $3, $4, $5
	)
	ON CONFLICT (key) DO UPDATE SET
		last_status     = EXCLUDED.last_status,
		last_error      = EXCLUDED.last_error,
		last_attempt_at = EXCLUDED.last_attempt_at,
		last_failure_at = EXCLUDED.last_failure_at`

// SyncRunRepo persists the singleton run-metadata row.
type SyncRunRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewSyncRunRepo creates a new run-metadata repository.
func NewSyncRunRepo(txManager *postgres.TxManager) *SyncRunRepo {
	return &SyncRunRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// UpsertResult records a finished apply with fresh per-category counts.
// Intended to run inside the apply transaction so the counts and the
// canonical rows commit atomically.
func (r *SyncRunRepo) UpsertResult(ctx context.Context, duration time.Duration, status string, attemptAt time.Time) error {
	querier := r.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, upsertResultSQL,
		registry.SyncRunKey, attemptAt, duration.Milliseconds(), status, attemptAt)
	if err != nil {
		return fmt.Errorf("upsert sync run: %w", err)
	}
	return nil
}

// UpdateStatus rewrites only the status fields, preserving counts and
// the last success timestamp.
func (r *SyncRunRepo) UpdateStatus(ctx context.Context, status string, lastError *string, attemptAt time.Time) error {
	querier := r.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, updateStatusSQL,
		registry.SyncRunKey, status, trimError(lastError), attemptAt)
	if err != nil {
		return fmt.Errorf("update sync run status: %w", err)
	}
	return nil
}

// RecordFailure marks a failed attempt with its failure instant.
func (r *SyncRunRepo) RecordFailure(ctx context.Context, lastError string, attemptAt, failureAt time.Time) error {
	querier := r.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, recordFailureSQL,
		registry.SyncRunKey, registry.RunStatusFailed, trimError(&lastError), attemptAt, failureAt)
	if err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	return nil
}

// Get returns the current row, or a zero-valued row when no sync has run.
func (r *SyncRunRepo) Get(ctx context.Context) (registry.SyncRun, error) {
	sql, args, err := r.builder.
		Select("key", "last_success_at", "invoice_user_count", "dispatch_user_count",
			"last_duration_ms", "last_status", "last_error", "last_attempt_at", "last_failure_at").
		From("sync_run").
		Where(squirrel.Eq{"key": registry.SyncRunKey}).
		ToSql()
	if err != nil {
		return registry.SyncRun{}, fmt.Errorf("build query: %w", err)
	}

	var run registry.SyncRun
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &run, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return registry.SyncRun{Key: registry.SyncRunKey, LastStatus: registry.RunStatusSuccess}, nil
		}
		return registry.SyncRun{}, fmt.Errorf("get sync run: %w", err)
	}
	return run, nil
}

func trimError(value *string) *string {
	if value == nil || len(*value) <= maxStoredErrorLength {
		return value
	}
	trimmed := (*value)[:maxStoredErrorLength]
	return &trimmed
}
