package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres"
	"regsync/pkg/logger"
)

// CategoryDiff is the outcome of diffing and applying one category inside
// the run transaction. Removed holds only deletions that were actually
// performed; VetoedRemoved counts deletions the guard blocked.
type CategoryDiff struct {
	Category      registry.Category
	Added         []string
	Modified      []string
	Removed       []string
	VetoedRemoved int
	Guard         GuardDecision
	FirstRun      bool
}

// Touched returns the identifiers whose cached point lookups are stale
// after this diff: modified and actually-removed ones. Added identifiers
// cannot be cached yet.
func (d CategoryDiff) Touched() []string {
	touched := make([]string, 0, len(d.Modified)+len(d.Removed))
	touched = append(touched, d.Modified...)
	touched = append(touched, d.Removed...)
	return touched
}

// DiffEngine derives the per-category new snapshot from staging, classifies
// identifiers against the canonical store, and applies the result with
// set-oriented SQL. All methods require an open transaction in ctx.
type DiffEngine struct {
	txManager         *postgres.TxManager
	notifier          Notifier
	metrics           Metrics
	maxRemovalPercent float64
}

func NewDiffEngine(txManager *postgres.TxManager, notifier Notifier, metrics Metrics, maxRemovalPercent float64) *DiffEngine {
	if maxRemovalPercent <= 0 {
		maxRemovalPercent = DefaultMaxRemovalPercent
	}
	return &DiffEngine{
		txManager:         txManager,
		notifier:          notifier,
		metrics:           metrics,
		maxRemovalPercent: maxRemovalPercent,
	}
}

// RunForCategory diffs and applies one category. occurredAt stamps every
// change event of the run with the same instant, so the feed orders whole
// runs before ordering within them.
func (e *DiffEngine) RunForCategory(ctx context.Context, cat registry.Category, occurredAt time.Time) (CategoryDiff, error) {
	diff := CategoryDiff{Category: cat}

	if e.txManager.GetTx(ctx) == nil {
		return diff, fmt.Errorf("diff for %s requires transaction context", cat)
	}
	q := e.txManager.GetQuerier(ctx)

	snapshotSQL, err := buildNewSnapshotSQL(cat)
	if err != nil {
		return diff, err
	}
	if _, err := q.Exec(ctx, snapshotSQL); err != nil {
		return diff, fmt.Errorf("build new snapshot for %s: %w", cat, err)
	}

	if diff.Added, err = e.identifierList(ctx, q, cat, buildAddedIdentifiersSQL); err != nil {
		return diff, err
	}
	if diff.Modified, err = e.identifierList(ctx, q, cat, buildModifiedIdentifiersSQL); err != nil {
		return diff, err
	}
	removed, err := e.identifierList(ctx, q, cat, buildRemovedIdentifiersSQL)
	if err != nil {
		return diff, err
	}

	countSQL, err := buildCurrentCountSQL(cat)
	if err != nil {
		return diff, err
	}
	var currentCount int64
	if err := q.QueryRow(ctx, countSQL).Scan(&currentCount); err != nil {
		return diff, fmt.Errorf("count current rows for %s: %w", cat, err)
	}
	diff.FirstRun = currentCount == 0

	logger.Info(ctx, "diff classified",
		"category", cat.String(),
		"added", len(diff.Added),
		"modified", len(diff.Modified),
		"removed", len(removed),
		"current", currentCount)

	diff.Guard = EvaluateRemovalGuard(len(removed), currentCount, e.maxRemovalPercent)
	if diff.Guard.Vetoed {
		logger.Warn(ctx, "removal guard triggered, skipping deletions",
			"category", cat.String(),
			"removed", diff.Guard.RemovedCount,
			"current", diff.Guard.CurrentCount,
			"ratio", diff.Guard.Ratio)
		e.metrics.RecordRemovalSkipped(ctx, cat)
		e.notifier.Notify(ctx, guardEvent(cat.TableName(), diff.Guard, e.maxRemovalPercent))
		diff.VetoedRemoved = len(removed)
	} else {
		diff.Removed = removed
	}

	upsertSQL, err := buildUpsertSQL(cat)
	if err != nil {
		return diff, err
	}
	if _, err := q.Exec(ctx, upsertSQL); err != nil {
		return diff, fmt.Errorf("upsert %s: %w", cat, err)
	}

	if len(diff.Removed) > 0 {
		deleteSQL, err := buildHardDeleteSQL(cat)
		if err != nil {
			return diff, err
		}
		if _, err := q.Exec(ctx, deleteSQL); err != nil {
			return diff, fmt.Errorf("delete removed rows from %s: %w", cat, err)
		}
	}

	if err := e.appendChangelog(ctx, q, diff, occurredAt); err != nil {
		return diff, err
	}

	if len(diff.Added) > 0 {
		e.metrics.RecordChanges(ctx, cat, registry.ChangeAdded, int64(len(diff.Added)))
	}
	if len(diff.Modified) > 0 {
		e.metrics.RecordChanges(ctx, cat, registry.ChangeModified, int64(len(diff.Modified)))
	}
	if len(diff.Removed) > 0 {
		e.metrics.RecordChanges(ctx, cat, registry.ChangeRemoved, int64(len(diff.Removed)))
	}

	if _, err := q.Exec(ctx, dropNewSnapshotSQL); err != nil {
		return diff, fmt.Errorf("drop snapshot table: %w", err)
	}
	return diff, nil
}

// appendChangelog writes the run's change events for one category. The
// very first load of an empty canonical store is a silent baseline: the
// entire snapshot would otherwise land in the feed as Added and force
// every consumer through a full replay that the archive already covers.
func (e *DiffEngine) appendChangelog(ctx context.Context, q postgres.Querier, diff CategoryDiff, occurredAt time.Time) error {
	if diff.FirstRun {
		if len(diff.Added) > 0 {
			logger.Info(ctx, "bootstrap run, changelog skipped",
				"category", diff.Category.String(), "added", len(diff.Added))
		}
		return nil
	}

	if len(diff.Added) > 0 {
		if _, err := q.Exec(ctx, changelogSnapshotInsertSQL,
			int16(diff.Category), int16(registry.ChangeAdded), diff.Added, occurredAt); err != nil {
			return fmt.Errorf("append added events for %s: %w", diff.Category, err)
		}
	}
	if len(diff.Modified) > 0 {
		if _, err := q.Exec(ctx, changelogSnapshotInsertSQL,
			int16(diff.Category), int16(registry.ChangeModified), diff.Modified, occurredAt); err != nil {
			return fmt.Errorf("append modified events for %s: %w", diff.Category, err)
		}
	}
	if len(diff.Removed) > 0 {
		if _, err := q.Exec(ctx, changelogRemovedInsertSQL,
			int16(diff.Category), diff.Removed, occurredAt); err != nil {
			return fmt.Errorf("append removed events for %s: %w", diff.Category, err)
		}
	}
	return nil
}

func (e *DiffEngine) identifierList(ctx context.Context, q postgres.Querier, cat registry.Category, build func(registry.Category) (string, error)) ([]string, error) {
	sql, err := build(cat)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := pgxscan.Select(ctx, q, &ids, sql); err != nil {
		return nil, fmt.Errorf("classify identifiers for %s: %w", cat, err)
	}
	return ids, nil
}
