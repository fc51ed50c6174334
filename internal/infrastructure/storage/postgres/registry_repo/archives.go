package registry_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres"
)

const archiveTable = "archive_files"

var archiveColumns = []string{
	"id",
	"category",
	"file_name",
	"size_bytes",
	"created_at",
	"record_count",
}

// ArchiveRepo maintains the snapshot-archive index. The exporter writes
// and prunes it; the read API lists from it.
type ArchiveRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewArchiveRepo creates a new archive index repository.
func NewArchiveRepo(txManager *postgres.TxManager) *ArchiveRepo {
	return &ArchiveRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Insert records one exported archive.
func (r *ArchiveRepo) Insert(ctx context.Context, file registry.ArchiveFile) error {
	sql, args, err := r.builder.
		Insert(archiveTable).
		Columns(archiveColumns...).
		Values(file.ID, file.Category, file.FileName, file.SizeBytes, file.CreatedAt, file.RecordCount).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert archive %s: %w", file.FileName, err)
	}
	return nil
}

// ListOlderThan returns index entries created before cutoff, oldest
// first, for retention cleanup.
func (r *ArchiveRepo) ListOlderThan(ctx context.Context, cutoff time.Time) ([]registry.ArchiveFile, error) {
	sql, args, err := r.builder.
		Select(archiveColumns...).
		From(archiveTable).
		Where(squirrel.Lt{"created_at": cutoff}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var files []registry.ArchiveFile
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &files, sql, args...); err != nil {
		return nil, fmt.Errorf("list expired archives: %w", err)
	}
	return files, nil
}

// Delete removes one index entry. The caller deletes the blob first so a
// failure here leaves an orphan row, not an orphan blob.
func (r *ArchiveRepo) Delete(ctx context.Context, id uuid.UUID) error {
	sql, args, err := r.builder.
		Delete(archiveTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete archive %s: %w", id, err)
	}
	return nil
}

// ListByCategory returns all archives for one category, newest first.
func (r *ArchiveRepo) ListByCategory(ctx context.Context, cat registry.Category) ([]registry.ArchiveFile, error) {
	sql, args, err := r.builder.
		Select(archiveColumns...).
		From(archiveTable).
		Where(squirrel.Eq{"category": cat}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var files []registry.ArchiveFile
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &files, sql, args...); err != nil {
		return nil, fmt.Errorf("list archives %s: %w", cat, err)
	}
	return files, nil
}

// GetLatest returns the most recent archive for one category, or nil
// when none has been exported yet.
func (r *ArchiveRepo) GetLatest(ctx context.Context, cat registry.Category) (*registry.ArchiveFile, error) {
	sql, args, err := r.builder.
		Select(archiveColumns...).
		From(archiveTable).
		Where(squirrel.Eq{"category": cat}).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var file registry.ArchiveFile
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &file, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest archive %s: %w", cat, err)
	}
	return &file, nil
}

// GetByFileName returns one archive index entry by its unique file name,
// or nil when unknown.
func (r *ArchiveRepo) GetByFileName(ctx context.Context, cat registry.Category, fileName string) (*registry.ArchiveFile, error) {
	sql, args, err := r.builder.
		Select(archiveColumns...).
		From(archiveTable).
		Where(squirrel.Eq{"category": cat, "file_name": fileName}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var file registry.ArchiveFile
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &file, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get archive %s/%s: %w", cat, fileName, err)
	}
	return &file, nil
}
