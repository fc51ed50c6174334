package sync

import (
	"context"
	"fmt"
	"os"
	"time"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres"
	"regsync/pkg/logger"
)

// syncAdvisoryLockID keys the transaction-scoped advisory lock that
// serializes apply phases across process instances.
const syncAdvisoryLockID int64 = 8_370_142_691

// DefaultChangeRetentionDays bounds the age of retained change events.
// Consumers further behind than this must re-bootstrap from an archive.
const DefaultChangeRetentionDays = 30

// ApplyOutcome tags how the apply phase ended. Lock contention is an
// outcome, not an error.
type ApplyOutcome int

const (
	OutcomeApplied ApplyOutcome = iota
	OutcomeSkippedByLock
)

func (o ApplyOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkippedByLock:
		return "skipped-by-lock"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ApplyResult is the apply phase's report to the orchestrator.
type ApplyResult struct {
	Outcome     ApplyOutcome
	Diffs       []CategoryDiff
	Staged      map[registry.OriginList]int64
	Warnings    []string
	GuardVetoed bool
}

// SyncRunStore persists the singleton run-metadata row. Implementations
// pick up an open transaction from ctx when one is present.
type SyncRunStore interface {
	// UpsertResult records a finished apply with fresh per-category counts.
	UpsertResult(ctx context.Context, duration time.Duration, status string, attemptAt time.Time) error
	// UpdateStatus rewrites only the status fields, preserving counts and
	// the last success timestamp.
	UpdateStatus(ctx context.Context, status string, lastError *string, attemptAt time.Time) error
	// RecordFailure marks a failed attempt with its failure instant.
	RecordFailure(ctx context.Context, lastError string, attemptAt, failureAt time.Time) error
	// Get returns the current row, or a zero-valued row when none exists.
	Get(ctx context.Context) (registry.SyncRun, error)
}

// originInput pairs an origin list with its extracted export file.
type originInput struct {
	origin registry.OriginList
	path   string
}

// TransactionalApplier executes the guarded unit of work: staging reset,
// parse and bulk load, per-category diff and apply, changelog pruning and
// run-metadata upsert, all inside one transaction under a non-blocking
// advisory lock.
type TransactionalApplier struct {
	txManager     *postgres.TxManager
	executor      *postgres.BatchExecutor
	parser        *RecordParser
	loader        *StagingLoader
	diffEngine    *DiffEngine
	syncRuns      SyncRunStore
	metrics       Metrics
	retentionDays int
}

func NewTransactionalApplier(
	txManager *postgres.TxManager,
	parser *RecordParser,
	loader *StagingLoader,
	diffEngine *DiffEngine,
	syncRuns SyncRunStore,
	metrics Metrics,
	retentionDays int,
) *TransactionalApplier {
	if retentionDays <= 0 {
		retentionDays = DefaultChangeRetentionDays
	}
	return &TransactionalApplier{
		txManager:     txManager,
		executor:      postgres.NewBatchExecutor(txManager),
		parser:        parser,
		loader:        loader,
		diffEngine:    diffEngine,
		syncRuns:      syncRuns,
		metrics:       metrics,
		retentionDays: retentionDays,
	}
}

// Apply runs the whole guarded unit of work against the two extracted
// export files. startedAt is the run's wall-clock start, used for the
// recorded duration.
func (a *TransactionalApplier) Apply(ctx context.Context, mailboxPath, senderPath string, startedAt time.Time) (ApplyResult, error) {
	result := ApplyResult{
		Outcome: OutcomeApplied,
		Staged:  make(map[registry.OriginList]int64, 2),
	}

	err := a.txManager.RunInTransactionWithOptions(ctx, postgres.SyncTxOptions(), func(ctx context.Context) error {
		q := a.txManager.GetQuerier(ctx)

		var lockAcquired bool
		if err := q.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", syncAdvisoryLockID).Scan(&lockAcquired); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !lockAcquired {
			logger.Warn(ctx, "another sync run holds the advisory lock, skipping this run")
			result.Outcome = OutcomeSkippedByLock
			return nil
		}
		logger.Info(ctx, "advisory lock acquired")

		if err := a.executor.ExecuteBatch(ctx, stagingMaintenanceSQL()); err != nil {
			return fmt.Errorf("reset staging area: %w", err)
		}

		inputs := []originInput{
			{registry.OriginMailbox, mailboxPath},
			{registry.OriginSender, senderPath},
		}
		for _, input := range inputs {
			staged, warnings, err := a.stageOriginList(ctx, input)
			if err != nil {
				return err
			}
			result.Staged[input.origin] = staged
			result.Warnings = append(result.Warnings, warnings...)
			a.metrics.RecordRecordsStaged(ctx, input.origin, staged)
		}

		if err := a.executor.ExecuteBatch(ctx, stagingIndexSQL()); err != nil {
			return fmt.Errorf("index staging area: %w", err)
		}

		occurredAt := time.Now().UTC()
		for _, cat := range registry.Categories {
			diff, err := a.diffEngine.RunForCategory(ctx, cat, occurredAt)
			if err != nil {
				return err
			}
			result.Diffs = append(result.Diffs, diff)
			if diff.Guard.Vetoed {
				result.GuardVetoed = true
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"removal guard vetoed %d deletions for %s", diff.VetoedRemoved, cat))
			}
		}

		cutoff := occurredAt.AddDate(0, 0, -a.retentionDays)
		if _, err := q.Exec(ctx, pruneChangelogSQL, cutoff); err != nil {
			return fmt.Errorf("prune changelog: %w", err)
		}

		status := registry.RunStatusSuccess
		if len(result.Warnings) > 0 {
			status = registry.RunStatusPartial
		}
		if err := a.syncRuns.UpsertResult(ctx, time.Since(startedAt), status, startedAt); err != nil {
			return fmt.Errorf("record run metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if result.Outcome == OutcomeApplied {
		logger.Info(ctx, "apply transaction committed",
			"staged_mailbox", result.Staged[registry.OriginMailbox],
			"staged_sender", result.Staged[registry.OriginSender],
			"warnings", len(result.Warnings))
	}
	return result, nil
}

// stageOriginList parses one export file and bulk-loads it. The source
// file is removed after a successful load to bound disk usage within the
// run.
func (a *TransactionalApplier) stageOriginList(ctx context.Context, input originInput) (int64, []string, error) {
	f, err := os.Open(input.path)
	if err != nil {
		return 0, nil, fmt.Errorf("open %s export: %w", input.origin, err)
	}
	defer f.Close()

	emit, flush := a.loader.Sink(ctx, input.origin)
	parseResult, err := a.parser.Parse(ctx, f, input.path, emit)
	if err != nil {
		return 0, nil, fmt.Errorf("stage %s list: %w", input.origin, err)
	}
	staged, err := flush()
	if err != nil {
		return staged, nil, fmt.Errorf("stage %s list: %w", input.origin, err)
	}

	var warnings []string
	if parseResult.Alarmed {
		warnings = append(warnings, fmt.Sprintf(
			"parse failure rate %.1f%% for %s list (%d/%d records failed)",
			parseResult.FailureRate(), input.origin,
			parseResult.Failed, parseResult.Parsed+parseResult.Failed))
	}

	f.Close()
	if err := os.Remove(input.path); err != nil {
		logger.Warn(ctx, "failed to remove staged export file", "path", input.path, "error", err)
	}
	return staged, warnings, nil
}
