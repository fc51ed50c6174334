package postgres

import (
	"context"
	"fmt"

	"regsync/pkg/logger"
)

// schemaStatements is the idempotent DDL for the sync pipeline and read
// path. Applied by cmd/syncer before a run. Staging tables are UNLOGGED:
// they are truncated and repopulated wholesale every run, so crash
// durability buys nothing.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS pg_trgm`,

	`CREATE UNLOGGED TABLE IF NOT EXISTS registry_staging_mailbox (
		identifier          varchar(11)  NOT NULL,
		title               varchar(500) NOT NULL,
		title_lower         varchar(500) NOT NULL,
		account_type        varchar(50),
		subject_type        varchar(50),
		first_registered_at timestamp    NOT NULL,
		documents           jsonb
	)`,

	`CREATE UNLOGGED TABLE IF NOT EXISTS registry_staging_sender (
		identifier          varchar(11)  NOT NULL,
		title               varchar(500) NOT NULL,
		title_lower         varchar(500) NOT NULL,
		account_type        varchar(50),
		subject_type        varchar(50),
		first_registered_at timestamp    NOT NULL,
		documents           jsonb
	)`,

	`CREATE TABLE IF NOT EXISTS invoice_users (
		id                  uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		identifier          varchar(11)  NOT NULL UNIQUE,
		title               varchar(500) NOT NULL,
		title_lower         varchar(500) NOT NULL,
		account_type        varchar(50),
		subject_type        varchar(50),
		first_registered_at timestamp    NOT NULL,
		aliases             jsonb,
		fingerprint         char(32)
	)`,

	`CREATE TABLE IF NOT EXISTS dispatch_users (
		id                  uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		identifier          varchar(11)  NOT NULL UNIQUE,
		title               varchar(500) NOT NULL,
		title_lower         varchar(500) NOT NULL,
		account_type        varchar(50),
		subject_type        varchar(50),
		first_registered_at timestamp    NOT NULL,
		aliases             jsonb,
		fingerprint         char(32)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_invoice_users_title_trgm
		ON invoice_users USING gin (title_lower gin_trgm_ops)`,

	`CREATE INDEX IF NOT EXISTS idx_dispatch_users_title_trgm
		ON dispatch_users USING gin (title_lower gin_trgm_ops)`,

	`CREATE TABLE IF NOT EXISTS registry_changelog (
		id                  uuid PRIMARY KEY,
		category            smallint     NOT NULL,
		identifier          varchar(11)  NOT NULL,
		kind                smallint     NOT NULL,
		occurred_at         timestamp    NOT NULL,
		title               varchar(500),
		account_type        varchar(50),
		subject_type        varchar(50),
		first_registered_at timestamp,
		aliases             jsonb
	)`,

	`CREATE INDEX IF NOT EXISTS idx_registry_changelog_category_occurred
		ON registry_changelog (category, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS sync_run (
		key                 varchar(64)   PRIMARY KEY,
		last_success_at     timestamp,
		invoice_user_count  bigint        NOT NULL DEFAULT 0,
		dispatch_user_count bigint        NOT NULL DEFAULT 0,
		last_duration_ms    bigint        NOT NULL DEFAULT 0,
		last_status         varchar(16)   NOT NULL,
		last_error          varchar(2000),
		last_attempt_at     timestamp     NOT NULL,
		last_failure_at     timestamp
	)`,

	`CREATE TABLE IF NOT EXISTS archive_files (
		id           uuid         PRIMARY KEY DEFAULT gen_random_uuid(),
		category     smallint     NOT NULL,
		file_name    varchar(255) NOT NULL UNIQUE,
		size_bytes   bigint       NOT NULL,
		created_at   timestamp    NOT NULL,
		record_count bigint       NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_archive_files_category_created
		ON archive_files (category, created_at)`,

	// Unique identifier indexes are required for REFRESH ... CONCURRENTLY.
	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_invoice_users AS
		SELECT identifier, title, title_lower, account_type, subject_type,
		       first_registered_at, aliases
		FROM invoice_users`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mv_invoice_users_identifier
		ON mv_invoice_users (identifier)`,

	`CREATE INDEX IF NOT EXISTS idx_mv_invoice_users_title_trgm
		ON mv_invoice_users USING gin (title_lower gin_trgm_ops)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_dispatch_users AS
		SELECT identifier, title, title_lower, account_type, subject_type,
		       first_registered_at, aliases
		FROM dispatch_users`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mv_dispatch_users_identifier
		ON mv_dispatch_users (identifier)`,

	`CREATE INDEX IF NOT EXISTS idx_mv_dispatch_users_title_trgm
		ON mv_dispatch_users USING gin (title_lower gin_trgm_ops)`,
}

// EnsureSchema applies the DDL. Safe to run on every start.
func EnsureSchema(ctx context.Context, pool *Pool) error {
	logger.Info(ctx, "ensuring database schema", "statements", len(schemaStatements))

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	logger.Info(ctx, "database schema ensured")
	return nil
}
