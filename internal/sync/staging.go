package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/storage/postgres"
	"regsync/pkg/logger"
)

// DefaultStagingBatchSize is the COPY batch size for staging loads.
const DefaultStagingBatchSize = 25_000

var stagingColumns = []string{
	"identifier", "title", "title_lower", "account_type",
	"subject_type", "first_registered_at", "documents",
}

// stagingDocument is the JSONB shape of one document in the staging
// tables. The diff SQL reads 'tag' and 'aliases' from it.
type stagingDocument struct {
	Tag     string           `json:"tag"`
	Aliases []registry.Alias `json:"aliases"`
}

// StagingLoader bulk-writes parsed records into the per-origin staging
// tables in fixed-size COPY batches. Requires an open transaction in ctx.
type StagingLoader struct {
	inserter  *postgres.BatchInserter
	batchSize int
}

func NewStagingLoader(inserter *postgres.BatchInserter, batchSize int) *StagingLoader {
	if batchSize <= 0 {
		batchSize = DefaultStagingBatchSize
	}
	return &StagingLoader{inserter: inserter, batchSize: batchSize}
}

// Load converts and writes every record the parser emits for one origin
// list. It is meant to be passed as the parser's emit callback via Sink;
// Flush must be called once the stream ends. Returns rows written.
type stagingSink struct {
	loader  *StagingLoader
	ctx     context.Context
	origin  registry.OriginList
	batch   [][]any
	written int64
}

// Sink returns an emit callback plus a flush for the trailing partial
// batch. All writes target the origin list's staging table.
func (l *StagingLoader) Sink(ctx context.Context, origin registry.OriginList) (emit func(Record) error, flush func() (int64, error)) {
	sink := &stagingSink{
		loader: l,
		ctx:    ctx,
		origin: origin,
		batch:  make([][]any, 0, l.batchSize),
	}
	return sink.emit, sink.flush
}

func (s *stagingSink) emit(record Record) error {
	row, err := stagingRow(record, s.origin)
	if err != nil {
		return fmt.Errorf("convert record %s: %w", record.Identifier, err)
	}
	s.batch = append(s.batch, row)

	if len(s.batch) >= s.loader.batchSize {
		return s.writeBatch()
	}
	return nil
}

func (s *stagingSink) flush() (int64, error) {
	if len(s.batch) > 0 {
		if err := s.writeBatch(); err != nil {
			return s.written, err
		}
	}
	logger.Info(s.ctx, "staging load complete",
		"origin", string(s.origin), "rows", s.written)
	return s.written, nil
}

func (s *stagingSink) writeBatch() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	count, err := s.loader.inserter.CopyFromSlice(
		s.ctx, s.origin.StagingTable(), stagingColumns, s.batch)
	if err != nil {
		return fmt.Errorf("copy %d rows into %s: %w", len(s.batch), s.origin.StagingTable(), err)
	}
	s.written += count
	logger.Debug(s.ctx, "staged batch",
		"origin", string(s.origin), "rows", count, "total", s.written)
	s.batch = s.batch[:0]
	return nil
}

// stagingRow converts one parsed record into COPY column values. Alias
// entries already deleted at the source, and entries without names, are
// dropped here so the diff never sees them. The registration timestamp is
// truncated to whole seconds so its text form matches the fingerprint
// layout used on the Go side.
func stagingRow(record Record, origin registry.OriginList) ([]any, error) {
	documents := make([]stagingDocument, 0, len(record.Documents))
	for _, doc := range record.Documents {
		converted := stagingDocument{Tag: doc.Tag, Aliases: []registry.Alias{}}
		for _, entry := range doc.Entries {
			if entry.DeletedAt != nil {
				continue
			}
			for _, name := range entry.Names {
				if name == "" {
					continue
				}
				converted.Aliases = append(converted.Aliases, registry.Alias{
					Name:         name,
					Class:        string(origin),
					RegisteredAt: entry.RegisteredAt.Truncate(time.Second),
				})
			}
		}
		documents = append(documents, converted)
	}

	docsJSON, err := json.Marshal(documents)
	if err != nil {
		return nil, err
	}

	return []any{
		record.Identifier,
		record.Title,
		registry.NormalizeTitle(record.Title),
		record.AccountType,
		record.SubjectType,
		record.FirstRegisteredAt.Truncate(time.Second),
		docsJSON,
	}, nil
}
