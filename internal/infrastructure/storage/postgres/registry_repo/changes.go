package registry_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"regsync/internal/core/apperror"
	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres"
)

const changelogTable = "registry_changelog"

var changeColumns = []string{
	"id",
	"category",
	"identifier",
	"kind",
	"occurred_at",
	"title",
	"account_type",
	"subject_type",
	"first_registered_at",
	"aliases",
}

// ChangePage is one page of the delta feed, bounded by the effective
// upper timestamp so consumers can chain requests without gaps.
type ChangePage struct {
	Events     []registry.ChangeEvent
	TotalCount int64
	Page       int
	PageSize   int
	Until      time.Time
}

// ChangeRepo reads the append-only change feed.
type ChangeRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType

	// now is injectable for tests.
	now func() time.Time
}

// NewChangeRepo creates a new change feed repository.
func NewChangeRepo(txManager *postgres.TxManager) *ChangeRepo {
	return &ChangeRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:       time.Now,
	}
}

// GetChangesSince returns change events with since < occurred_at <= until
// for one category, ordered oldest first. When since predates the oldest
// retained event the window has been pruned and the caller must
// re-bootstrap; that condition surfaces as a CHANGELOG_EXPIRED error.
func (r *ChangeRepo) GetChangesSince(ctx context.Context, cat registry.Category, since time.Time, page, pageSize int, until *time.Time) (*ChangePage, error) {
	querier := r.txManager.GetQuerier(ctx)

	oldest, err := r.oldestOccurredAt(ctx, cat)
	if err != nil {
		return nil, err
	}
	if oldest != nil && since.Before(*oldest) {
		return nil, apperror.NewChangelogExpired(cat.String())
	}

	now := r.now().UTC()
	effectiveUntil := now
	if until != nil && !until.After(now) {
		effectiveUntil = *until
	}

	window := squirrel.And{
		squirrel.Eq{"category": cat},
		squirrel.Gt{"occurred_at": since},
		squirrel.LtOrEq{"occurred_at": effectiveUntil},
	}

	countSQL, countArgs, err := r.builder.
		Select("COUNT(*)").
		From(changelogTable).
		Where(window).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	var total int64
	if err := querier.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count changes %s: %w", cat, err)
	}

	result := &ChangePage{
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
		Until:      effectiveUntil,
	}
	if total == 0 {
		return result, nil
	}

	// occurred_at is shared by every event of one run, so kind and
	// identifier break ties to keep paging stable.
	sql, args, err := r.builder.
		Select(changeColumns...).
		From(changelogTable).
		Where(window).
		OrderBy("occurred_at", "kind", "identifier").
		Limit(uint64(pageSize)).
		Offset(uint64((page - 1) * pageSize)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build changes query: %w", err)
	}

	if err := pgxscan.Select(ctx, querier, &result.Events, sql, args...); err != nil {
		return nil, fmt.Errorf("list changes %s: %w", cat, err)
	}
	return result, nil
}

// oldestOccurredAt returns the oldest retained event timestamp for the
// category, or nil when the feed is empty.
func (r *ChangeRepo) oldestOccurredAt(ctx context.Context, cat registry.Category) (*time.Time, error) {
	sql, args, err := r.builder.
		Select("MIN(occurred_at)").
		From(changelogTable).
		Where(squirrel.Eq{"category": cat}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build oldest query: %w", err)
	}

	var oldest *time.Time
	querier := r.txManager.GetQuerier(ctx)
	if err := querier.QueryRow(ctx, sql, args...).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("oldest change %s: %w", cat, err)
	}
	return oldest, nil
}
