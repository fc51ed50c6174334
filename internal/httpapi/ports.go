package httpapi

import (
	"context"
	"time"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres/registry_repo"
)

// UserStore serves point lookups and search. Implemented by
// registry_repo.UserRepo.
type UserStore interface {
	GetByIdentifier(ctx context.Context, cat registry.Category, identifier string, registeredBefore *time.Time) (*registry.User, error)
	GetByIdentifiers(ctx context.Context, cat registry.Category, identifiers []string) ([]registry.User, error)
	Search(ctx context.Context, cat registry.Category, search string, page, pageSize int) ([]registry.User, int64, error)
}

// ChangeStore serves the paginated delta feed. Implemented by
// registry_repo.ChangeRepo.
type ChangeStore interface {
	GetChangesSince(ctx context.Context, cat registry.Category, since time.Time, page, pageSize int, until *time.Time) (*registry_repo.ChangePage, error)
}

// ArchiveStore serves the snapshot-archive index. Implemented by
// registry_repo.ArchiveRepo.
type ArchiveStore interface {
	ListByCategory(ctx context.Context, cat registry.Category) ([]registry.ArchiveFile, error)
	GetLatest(ctx context.Context, cat registry.Category) (*registry.ArchiveFile, error)
	GetByFileName(ctx context.Context, cat registry.Category, fileName string) (*registry.ArchiveFile, error)
}

// RunStore reads the singleton run-metadata row. Implemented by
// registry_repo.SyncRunRepo.
type RunStore interface {
	Get(ctx context.Context) (registry.SyncRun, error)
}

// ReadCache is the population side of the shared point-lookup cache.
// Set must be fire-and-forget; a cache outage degrades to plain reads.
type ReadCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// SyncTime serves the last successful sync instant for response headers.
type SyncTime interface {
	LastSyncAt(ctx context.Context) (*time.Time, error)
}
