package sync

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/archive"
	"regsync/internal/infrastructure/storage/postgres"
	"regsync/pkg/logger"
)

// DefaultArchiveRetentionDays bounds how long snapshot archives are kept.
const DefaultArchiveRetentionDays = 30

const archiveTimestampLayout = "2006-01-02_150405"

// ArchiveIndex is the persistence port for archive metadata rows.
type ArchiveIndex interface {
	Insert(ctx context.Context, file registry.ArchiveFile) error
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]registry.ArchiveFile, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SnapshotExporter streams each category's committed canonical store into
// a compressed export archive for consumer bootstrap. Export and cleanup
// failures never fail the run; they come back as warnings that downgrade
// the outcome to partial.
type SnapshotExporter struct {
	pool          *postgres.Pool
	storage       archive.Storage
	index         ArchiveIndex
	retentionDays int
}

func NewSnapshotExporter(pool *postgres.Pool, storage archive.Storage, index ArchiveIndex, retentionDays int) *SnapshotExporter {
	if retentionDays <= 0 {
		retentionDays = DefaultArchiveRetentionDays
	}
	return &SnapshotExporter{
		pool:          pool,
		storage:       storage,
		index:         index,
		retentionDays: retentionDays,
	}
}

// ExportAll writes one archive per category and returns accumulated
// warnings. An error for one category does not stop the others.
func (e *SnapshotExporter) ExportAll(ctx context.Context) []string {
	timestamp := time.Now().Format(archiveTimestampLayout)
	var warnings []string

	for _, cat := range registry.Categories {
		fileName := fmt.Sprintf("%s/%s_users_%s.xml.gz", cat, cat, timestamp)
		if err := e.exportCategory(ctx, cat, fileName); err != nil {
			logger.Warn(ctx, "snapshot export failed",
				"category", cat.String(), "file", fileName, "error", err)
			warnings = append(warnings, fmt.Sprintf("archive export failed for %s: %v", cat, err))
		}
	}
	return warnings
}

// Cleanup prunes archives past the retention window, blob first and index
// row second so a half-deleted archive cannot be listed without content.
func (e *SnapshotExporter) Cleanup(ctx context.Context) []string {
	cutoff := time.Now().AddDate(0, 0, -e.retentionDays)

	expired, err := e.index.ListOlderThan(ctx, cutoff)
	if err != nil {
		logger.Warn(ctx, "archive retention listing failed", "error", err)
		return []string{fmt.Sprintf("archive retention cleanup failed: %v", err)}
	}

	var warnings []string
	for _, file := range expired {
		if err := e.storage.Delete(ctx, file.FileName); err != nil {
			logger.Warn(ctx, "archive blob deletion failed", "file", file.FileName, "error", err)
			warnings = append(warnings, fmt.Sprintf("archive cleanup failed for %s: %v", file.FileName, err))
			continue
		}
		if err := e.index.Delete(ctx, file.ID); err != nil {
			logger.Warn(ctx, "archive index deletion failed", "file", file.FileName, "error", err)
			warnings = append(warnings, fmt.Sprintf("archive cleanup failed for %s: %v", file.FileName, err))
			continue
		}
		logger.Info(ctx, "expired archive pruned", "file", file.FileName, "created_at", file.CreatedAt)
	}
	return warnings
}

func (e *SnapshotExporter) exportCategory(ctx context.Context, cat registry.Category, fileName string) error {
	countSQL, err := buildCurrentCountSQL(cat)
	if err != nil {
		return err
	}
	var recordCount int64
	if err := e.pool.QueryRow(ctx, countSQL).Scan(&recordCount); err != nil {
		return fmt.Errorf("count %s rows: %w", cat, err)
	}

	tmp, err := os.CreateTemp("", "regsync_archive_*.xml.gz")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := e.writeArchive(ctx, tmp, cat, recordCount); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}

	blob, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("reopen temp archive: %w", err)
	}
	size, err := e.storage.Save(ctx, fileName, blob)
	blob.Close()
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	entry := registry.ArchiveFile{
		ID:          uuid.New(),
		Category:    cat,
		FileName:    fileName,
		SizeBytes:   size,
		CreatedAt:   time.Now().UTC(),
		RecordCount: recordCount,
	}
	if err := e.index.Insert(ctx, entry); err != nil {
		return fmt.Errorf("record archive index row: %w", err)
	}

	logger.Info(ctx, "snapshot archive generated",
		"category", cat.String(), "file", fileName, "bytes", size, "records", recordCount)
	return nil
}

func (e *SnapshotExporter) writeArchive(ctx context.Context, out *os.File, cat registry.Category, recordCount int64) error {
	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return err
	}

	enc := xml.NewEncoder(gz)
	root := xml.StartElement{
		Name: xml.Name{Local: "UserList"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "documentType"}, Value: cat.DocumentTag()},
			{Name: xml.Name{Local: "generatedAt"}, Value: time.Now().Format(time.RFC3339)},
			{Name: xml.Name{Local: "count"}, Value: strconv.FormatInt(recordCount, 10)},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		SELECT identifier, title, account_type, subject_type, first_registered_at, aliases
		FROM %s ORDER BY identifier`, cat.TableName())

	rows, err := e.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query %s rows: %w", cat, err)
	}
	defer rows.Close()

	scanner := pgxscan.NewRowScanner(rows)
	for rows.Next() {
		var user registry.User
		if err := scanner.Scan(&user); err != nil {
			return fmt.Errorf("scan archive row: %w", err)
		}
		if err := user.DecodeAliases(); err != nil {
			return fmt.Errorf("decode aliases for %s: %w", user.Identifier, err)
		}
		if err := enc.Encode(archiveUser(user)); err != nil {
			return fmt.Errorf("encode archive row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate archive rows: %w", err)
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	return gz.Close()
}

// exportUser is the archive file element for one canonical row. Mirrors
// the source export schema so consumers reuse their ingest parsers.
type exportUser struct {
	XMLName           xml.Name       `xml:"User"`
	Identifier        string         `xml:"Identifier"`
	Title             string         `xml:"Title"`
	AccountType       *string        `xml:"AccountType,omitempty"`
	SubjectType       *string        `xml:"Type,omitempty"`
	FirstRegisteredAt string         `xml:"FirstCreationTime"`
	Aliases           *exportAliases `xml:"Aliases,omitempty"`
}

// exportAliases wraps the alias list behind a pointer: a nested
// "Aliases>Alias" path would emit an empty <Aliases></Aliases> for
// alias-less users, a nil pointer omits the element entirely.
type exportAliases struct {
	Entries []exportAlias `xml:"Alias"`
}

type exportAlias struct {
	Name         string `xml:"Name"`
	Class        string `xml:"Class"`
	RegisteredAt string `xml:"CreationTime"`
}

func archiveUser(user registry.User) exportUser {
	converted := exportUser{
		Identifier:        user.Identifier,
		Title:             user.Title,
		AccountType:       user.AccountType,
		SubjectType:       user.SubjectType,
		FirstRegisteredAt: user.FirstRegisteredAt.Format(time.RFC3339),
	}
	if len(user.Aliases) > 0 {
		wrapped := &exportAliases{Entries: make([]exportAlias, 0, len(user.Aliases))}
		for _, alias := range user.Aliases {
			wrapped.Entries = append(wrapped.Entries, exportAlias{
				Name:         alias.Name,
				Class:        alias.Class,
				RegisteredAt: alias.RegisteredAt.Format(time.RFC3339),
			})
		}
		converted.Aliases = wrapped
	}
	return converted
}
