package sync

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"time"

	"regsync/pkg/logger"
)

// parseFailureThresholdPercent is the per-file failure rate at or above
// which a data-quality alarm is raised after the stream completes.
const parseFailureThresholdPercent = 5.0

// Record is one registry entity as parsed from a source export file,
// before origin tagging and staging conversion.
type Record struct {
	Identifier        string
	Title             string
	AccountType       *string
	SubjectType       *string
	FirstRegisteredAt time.Time
	Documents         []RecordDocument
}

// RecordDocument is one document-type block inside a source record. Tag
// decides which category the record contributes to.
type RecordDocument struct {
	Tag     string
	Entries []RecordAlias
}

// RecordAlias is one alias block of a document. A single block may carry
// several names that share the same registration metadata.
type RecordAlias struct {
	Names        []string
	RegisteredAt time.Time
	DeletedAt    *time.Time
}

// xmlUser mirrors the source export schema for one <User> element.
type xmlUser struct {
	Identifier        string        `xml:"Identifier"`
	Title             string        `xml:"Title"`
	Type              string        `xml:"Type"`
	AccountType       string        `xml:"AccountType"`
	FirstCreationTime xmlTime       `xml:"FirstCreationTime"`
	Documents         []xmlDocument `xml:"Documents>Document"`
}

type xmlDocument struct {
	Type    string     `xml:"type,attr"`
	Aliases []xmlAlias `xml:"Alias"`
}

type xmlAlias struct {
	Names        []string `xml:"Name"`
	CreationTime xmlTime  `xml:"CreationTime"`
	DeletionTime *xmlTime `xml:"DeletionTime"`
}

// xmlTime accepts the timestamp variants the source emits: RFC3339 with
// or without offset, and a bare date-time.
type xmlTime struct {
	time.Time
}

var xmlTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *xmlTime) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw string
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty timestamp")
	}
	var lastErr error
	for _, layout := range xmlTimeLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// ParseResult summarizes one parsed file.
type ParseResult struct {
	Parsed   int64
	Failed   int64
	Alarmed  bool
	FileName string
}

// FailureRate returns the failed fraction of all attempted records, in
// percent. Zero when nothing was attempted.
func (r ParseResult) FailureRate() float64 {
	total := r.Parsed + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(total) * 100
}

// RecordParser streams records out of a source export file one element at
// a time. Peak memory is one record, not the file.
type RecordParser struct {
	alarm func(ctx context.Context, result ParseResult)
}

// NewRecordParser builds a parser. alarm, if non-nil, is invoked once per
// file whose failure rate crosses the threshold; it must not block.
func NewRecordParser(alarm func(ctx context.Context, result ParseResult)) *RecordParser {
	return &RecordParser{alarm: alarm}
}

// Parse reads every <User> element from r, invoking emit per successfully
// parsed record. Malformed records are logged and skipped; the stream
// continues. Returns counts and the alarm decision. emit returning an
// error aborts the stream (fatal: the caller's staging write failed).
func (p *RecordParser) Parse(ctx context.Context, r io.Reader, fileName string, emit func(Record) error) (ParseResult, error) {
	result := ParseResult{FileName: fileName}

	decoder := xml.NewDecoder(r)
	decoder.Strict = false

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed framing past this point: treat what we have as the
			// complete stream rather than aborting the run.
			result.Failed++
			logger.Warn(ctx, "source stream ended on malformed token",
				"file", fileName, "position", result.Parsed+result.Failed, "error", err)
			break
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "User" {
			continue
		}

		var raw xmlUser
		if err := decoder.DecodeElement(&raw, &start); err != nil {
			result.Failed++
			logger.Warn(ctx, "failed to parse record, skipping",
				"file", fileName, "position", result.Parsed+result.Failed, "error", err)
			continue
		}

		record, err := convertRecord(raw)
		if err != nil {
			result.Failed++
			logger.Warn(ctx, "rejected record, skipping",
				"file", fileName, "position", result.Parsed+result.Failed, "error", err)
			continue
		}

		result.Parsed++
		if err := emit(record); err != nil {
			return result, err
		}
	}

	if result.Failed > 0 && result.FailureRate() >= parseFailureThresholdPercent {
		result.Alarmed = true
		logger.Error(ctx, "parse failure rate exceeds threshold, data quality may be compromised",
			"file", fileName,
			"rate_percent", result.FailureRate(),
			"failed", result.Failed,
			"total", result.Parsed+result.Failed)
		if p.alarm != nil {
			p.alarm(ctx, result)
		}
	}

	logger.Info(ctx, "parsed source file",
		"file", fileName, "parsed", result.Parsed, "failed", result.Failed)
	return result, nil
}

func convertRecord(raw xmlUser) (Record, error) {
	identifier := strings.TrimSpace(raw.Identifier)
	if identifier == "" {
		return Record{}, errors.New("record has no identifier")
	}
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return Record{}, errors.New("record has no title")
	}
	if raw.FirstCreationTime.IsZero() {
		return Record{}, errors.New("record has no registration time")
	}

	record := Record{
		Identifier:        identifier,
		Title:             title,
		AccountType:       optionalString(raw.AccountType),
		SubjectType:       optionalString(raw.Type),
		FirstRegisteredAt: raw.FirstCreationTime.Time,
	}
	for _, doc := range raw.Documents {
		converted := RecordDocument{Tag: doc.Type}
		for _, alias := range doc.Aliases {
			entry := RecordAlias{
				Names:        alias.Names,
				RegisteredAt: alias.CreationTime.Time,
			}
			if alias.DeletionTime != nil {
				deleted := alias.DeletionTime.Time
				entry.DeletedAt = &deleted
			}
			converted.Entries = append(converted.Entries, entry)
		}
		record.Documents = append(record.Documents, converted)
	}
	return record, nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
