package sync

import (
	"fmt"

	"regsync/internal/domain/registry"
)

// allowedTables is the closed set of canonical tables the diff engine may
// touch. Statement text is only ever assembled from this mapping, never
// from input.
var allowedTables = map[registry.Category]string{
	registry.CategoryInvoice:  "invoice_users",
	registry.CategoryDispatch: "dispatch_users",
}

func tableFor(cat registry.Category) (string, error) {
	table, ok := allowedTables[cat]
	if !ok || table != cat.TableName() {
		return "", fmt.Errorf("category %d has no allow-listed table", int16(cat))
	}
	return table, nil
}

// stagingMaintenanceSQL returns the statements that reset the staging area
// at the start of a run. Indexes are dropped before the bulk load and
// recreated afterwards so COPY writes into index-free tables.
func stagingMaintenanceSQL() []string {
	return []string{
		"TRUNCATE TABLE registry_staging_mailbox",
		"TRUNCATE TABLE registry_staging_sender",
		"DROP INDEX IF EXISTS idx_staging_mailbox_identifier",
		"DROP INDEX IF EXISTS idx_staging_sender_identifier",
		"DROP INDEX IF EXISTS idx_staging_mailbox_documents",
		"DROP INDEX IF EXISTS idx_staging_sender_documents",
	}
}

func stagingIndexSQL() []string {
	return []string{
		"CREATE INDEX idx_staging_mailbox_identifier ON registry_staging_mailbox (identifier)",
		"CREATE INDEX idx_staging_sender_identifier ON registry_staging_sender (identifier)",
		"CREATE INDEX idx_staging_mailbox_documents ON registry_staging_mailbox USING gin (documents jsonb_path_ops)",
		"CREATE INDEX idx_staging_sender_documents ON registry_staging_sender USING gin (documents jsonb_path_ops)",
	}
}

// buildNewSnapshotSQL assembles the per-category snapshot: staged rows from
// both origin lists whose document tag matches the category, aliases
// flattened and de-duplicated, one aggregated row per identifier with a
// deterministic content fingerprint.
//
// The md5 input must stay byte-identical to registry.Fingerprint.
func buildNewSnapshotSQL(cat registry.Category) (string, error) {
	tag := cat.DocumentTag()
	if tag == "" {
		return "", fmt.Errorf("category %d has no document tag", int16(cat))
	}

	return fmt.Sprintf(`
		CREATE TEMP TABLE _new_snapshot ON COMMIT DROP AS
		WITH docs AS (
			SELECT s.identifier, s.account_type, s.subject_type,
			       s.first_registered_at, s.title, s.title_lower,
			       d.value AS doc
			FROM registry_staging_mailbox s
			CROSS JOIN LATERAL jsonb_array_elements(s.documents) d
			WHERE d.value ->> 'tag' = '%[1]s'
			UNION ALL
			SELECT s.identifier, s.account_type, s.subject_type,
			       s.first_registered_at, s.title, s.title_lower,
			       d.value AS doc
			FROM registry_staging_sender s
			CROSS JOIN LATERAL jsonb_array_elements(s.documents) d
			WHERE d.value ->> 'tag' = '%[1]s'
		),
		flat_aliases AS (
			SELECT DISTINCT docs.identifier, docs.account_type, docs.subject_type,
			       docs.first_registered_at, docs.title, docs.title_lower,
			       a.value AS al
			FROM docs
			LEFT JOIN LATERAL jsonb_array_elements(docs.doc -> 'aliases') a ON TRUE
		),
		aggregated AS (
			SELECT
				identifier,
				MAX(account_type) AS account_type,
				MAX(subject_type) AS subject_type,
				MAX(first_registered_at) AS first_registered_at,
				MAX(title) AS title,
				MAX(title_lower) AS title_lower,
				COALESCE(
					jsonb_agg(al ORDER BY al ->> 'name', al ->> 'class')
						FILTER (WHERE al IS NOT NULL),
					'[]'::jsonb
				) AS aliases,
				string_agg(
					(al ->> 'name') || ':' || (al ->> 'class'), ','
					ORDER BY al ->> 'name', al ->> 'class'
				) AS alias_signature
			FROM flat_aliases
			GROUP BY identifier
		)
		SELECT
			identifier, account_type, subject_type, first_registered_at,
			title, title_lower, aliases,
			md5(
				identifier ||
				title_lower ||
				COALESCE(account_type, '') ||
				COALESCE(subject_type, '') ||
				first_registered_at::text ||
				COALESCE(alias_signature, '')
			) AS fingerprint
		FROM aggregated`, tag), nil
}

const dropNewSnapshotSQL = "DROP TABLE IF EXISTS _new_snapshot"

func buildAddedIdentifiersSQL(cat registry.Category) (string, error) {
	table, err := tableFor(cat)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		SELECT nd.identifier FROM _new_snapshot nd
		LEFT JOIN %s t ON t.identifier = nd.identifier
		WHERE t.identifier IS NULL`, table), nil
}

func buildModifiedIdentifiersSQL(cat registry.Category) (string, error) {
	table, err := tableFor(cat)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		SELECT nd.identifier FROM _new_snapshot nd
		INNER JOIN %s t ON t.identifier = nd.identifier
		WHERE t.fingerprint IS DISTINCT FROM nd.fingerprint`, table), nil
}

func buildRemovedIdentifiersSQL(cat registry.Category) (string, error) {
	table, err := tableFor(cat)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		SELECT t.identifier FROM %s t
		LEFT JOIN _new_snapshot nd ON nd.identifier = t.identifier
		WHERE nd.identifier IS NULL`, table), nil
}

func buildCurrentCountSQL(cat registry.Category) (string, error) {
	table, err := tableFor(cat)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", table), nil
}

// buildUpsertSQL applies Added and Modified in one set-oriented statement.
// The conflict predicate keeps unchanged rows untouched: without it every
// run would rewrite the whole canonical table.
func buildUpsertSQL(cat registry.Category) (string, error) {
	table, err := tableFor(cat)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		INSERT INTO %[1]s
			(id, identifier, title, title_lower, account_type, subject_type,
			 first_registered_at, aliases, fingerprint)
		SELECT
			gen_random_uuid(), identifier, title, title_lower, account_type,
			subject_type, first_registered_at, aliases, fingerprint
		FROM _new_snapshot
		ON CONFLICT (identifier) DO UPDATE SET
			title = EXCLUDED.title,
			title_lower = EXCLUDED.title_lower,
			account_type = EXCLUDED.account_type,
			subject_type = EXCLUDED.subject_type,
			first_registered_at = EXCLUDED.first_registered_at,
			aliases = EXCLUDED.aliases,
			fingerprint = EXCLUDED.fingerprint
		WHERE %[1]s.fingerprint IS DISTINCT FROM EXCLUDED.fingerprint`, table), nil
}

// buildHardDeleteSQL removes identifiers absent from the new snapshot.
// Only executed when the removal guard allows it.
func buildHardDeleteSQL(cat registry.Category) (string, error) {
	table, err := tableFor(cat)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		DELETE FROM %s t
		WHERE NOT EXISTS (
			SELECT 1 FROM _new_snapshot nd WHERE nd.identifier = t.identifier
		)`, table), nil
}

// buildChangelogSnapshotInsertSQL appends Added or Modified events with
// post-change snapshots, for the identifiers in the $3 array.
// Parameters: $1 category, $2 kind, $3 identifiers, $4 occurred_at.
const changelogSnapshotInsertSQL = `
	INSERT INTO registry_changelog
		(id, category, identifier, kind, occurred_at,
		 title, account_type, subject_type, first_registered_at, aliases)
	SELECT
		gen_random_uuid(), $1, nd.identifier, $2, $4,
		nd.title, nd.account_type, nd.subject_type, nd.first_registered_at, nd.aliases
	FROM _new_snapshot nd
	WHERE nd.identifier = ANY($3)`

// changelogRemovedInsertSQL appends Removed events: snapshot fields null.
// Parameters: $1 category, $2 identifiers, $3 occurred_at.
const changelogRemovedInsertSQL = `
	INSERT INTO registry_changelog
		(id, category, identifier, kind, occurred_at,
		 title, account_type, subject_type, first_registered_at, aliases)
	SELECT
		gen_random_uuid(), $1, ident, 3, $3,
		NULL, NULL, NULL, NULL, NULL
	FROM unnest($2::varchar[]) AS ident`

// pruneChangelogSQL drops change events older than the retention cutoff.
const pruneChangelogSQL = `DELETE FROM registry_changelog WHERE occurred_at < $1`
