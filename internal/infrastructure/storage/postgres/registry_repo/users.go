// Package registry_repo provides PostgreSQL repositories for the registry
// read path and run metadata. Repositories pick up an open transaction
// from context when one is present, so they work both inside the sync
// unit of work and in plain request scope.
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

// userColumns are the columns served from the per-category materialized
// views. Point lookups and search never touch the canonical tables.
var userColumns = []string{
	"identifier",
	"title",
	"account_type",
	"subject_type",
	"first_registered_at",
	"aliases",
}

// UserRepo serves point lookups and title search from the materialized
// views. All queries are read-only.
type UserRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewUserRepo creates a new user repository.
func NewUserRepo(txManager *postgres.TxManager) *UserRepo {
	return &UserRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetByIdentifier returns the user for one (category, identifier) pair,
// or nil when absent. registeredBefore, when set, additionally requires
// first_registered_at <= registeredBefore.
func (r *UserRepo) GetByIdentifier(ctx context.Context, cat registry.Category, identifier string, registeredBefore *time.Time) (*registry.User, error) {
	q := r.builder.
		Select(userColumns...).
		From(cat.ViewName()).
		Where(squirrel.Eq{"identifier": identifier})

	if registeredBefore != nil {
		q = q.Where(squirrel.LtOrEq{"first_registered_at": *registeredBefore})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var user registry.User
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &user, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %s/%s: %w", cat, identifier, err)
	}

	if err := user.DecodeAliases(); err != nil {
		return nil, fmt.Errorf("decode aliases for %s: %w", identifier, err)
	}
	return &user, nil
}

// GetByIdentifiers returns all users matching the given identifiers.
// Absent identifiers are simply missing from the result; callers compute
// the not-found set themselves.
func (r *UserRepo) GetByIdentifiers(ctx context.Context, cat registry.Category, identifiers []string) ([]registry.User, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}

	q := r.builder.
		Select(userColumns...).
		From(cat.ViewName()).
		Where(squirrel.Eq{"identifier": identifiers})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var users []registry.User
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &users, sql, args...); err != nil {
		return nil, fmt.Errorf("batch get users %s: %w", cat, err)
	}

	for i := range users {
		if err := users[i].DecodeAliases(); err != nil {
			return nil, fmt.Errorf("decode aliases for %s: %w", users[i].Identifier, err)
		}
	}
	return users, nil
}

// Search finds users whose lowered title contains the lowered search text
// or whose identifier contains it, ordered by title. Search input is
// normalized by the caller; paging is 1-based. Returns the page plus the
// total match count.
func (r *UserRepo) Search(ctx context.Context, cat registry.Category, search string, page, pageSize int) ([]registry.User, int64, error) {
	searchLower := registry.NormalizeTitle(search)
	match := squirrel.Or{
		squirrel.Like{"title_lower": "%" + searchLower + "%"},
		squirrel.Like{"identifier": "%" + search + "%"},
	}

	countSQL, countArgs, err := r.builder.
		Select("COUNT(*)").
		From(cat.ViewName()).
		Where(match).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)

	var total int64
	if err := querier.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search matches %s: %w", cat, err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	sql, args, err := r.builder.
		Select(userColumns...).
		From(cat.ViewName()).
		Where(match).
		OrderBy("title_lower").
		Limit(uint64(pageSize)).
		Offset(uint64((page - 1) * pageSize)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build search query: %w", err)
	}

	var users []registry.User
	if err := pgxscan.Select(ctx, querier, &users, sql, args...); err != nil {
		return nil, 0, fmt.Errorf("search users %s: %w", cat, err)
	}

	for i := range users {
		if err := users[i].DecodeAliases(); err != nil {
			return nil, 0, fmt.Errorf("decode aliases for %s: %w", users[i].Identifier, err)
		}
	}
	return users, total, nil
}
