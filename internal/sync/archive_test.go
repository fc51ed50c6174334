package sync

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/archive"
)

type fakeArchiveIndex struct {
	rows      []registry.ArchiveFile
	deleted   []uuid.UUID
	listErr   error
	deleteErr error
}

func (f *fakeArchiveIndex) Insert(_ context.Context, file registry.ArchiveFile) error {
	f.rows = append(f.rows, file)
	return nil
}

func (f *fakeArchiveIndex) ListOlderThan(_ context.Context, cutoff time.Time) ([]registry.ArchiveFile, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var expired []registry.ArchiveFile
	for _, row := range f.rows {
		if row.CreatedAt.Before(cutoff) {
			expired = append(expired, row)
		}
	}
	return expired, nil
}

func (f *fakeArchiveIndex) Delete(_ context.Context, id uuid.UUID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type failingBlobStorage struct{}

func (failingBlobStorage) Save(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("volume offline")
}

func (failingBlobStorage) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("volume offline")
}

func (failingBlobStorage) Delete(context.Context, string) error {
	return errors.New("volume offline")
}

func TestCleanupPrunesExpiredArchives(t *testing.T) {
	ctx := context.Background()
	storage, err := archive.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	index := &fakeArchiveIndex{}
	old := registry.ArchiveFile{
		ID:        uuid.New(),
		Category:  registry.CategoryInvoice,
		FileName:  "invoice/invoice_users_old.xml.gz",
		CreatedAt: time.Now().AddDate(0, 0, -40),
	}
	fresh := registry.ArchiveFile{
		ID:        uuid.New(),
		Category:  registry.CategoryInvoice,
		FileName:  "invoice/invoice_users_fresh.xml.gz",
		CreatedAt: time.Now().AddDate(0, 0, -1),
	}
	for _, file := range []registry.ArchiveFile{old, fresh} {
		_, err := storage.Save(ctx, file.FileName, strings.NewReader("blob"))
		require.NoError(t, err)
		require.NoError(t, index.Insert(ctx, file))
	}

	exporter := NewSnapshotExporter(nil, storage, index, 30)
	warnings := exporter.Cleanup(ctx)
	assert.Empty(t, warnings)

	assert.Equal(t, []uuid.UUID{old.ID}, index.deleted)

	_, err = storage.Open(ctx, old.FileName)
	assert.ErrorIs(t, err, archive.ErrNotFound)

	blob, err := storage.Open(ctx, fresh.FileName)
	require.NoError(t, err)
	blob.Close()
}

func TestCleanupKeepsIndexRowWhenBlobDeleteFails(t *testing.T) {
	index := &fakeArchiveIndex{rows: []registry.ArchiveFile{{
		ID:        uuid.New(),
		FileName:  "invoice/invoice_users_old.xml.gz",
		CreatedAt: time.Now().AddDate(0, 0, -40),
	}}}

	exporter := NewSnapshotExporter(nil, failingBlobStorage{}, index, 30)
	warnings := exporter.Cleanup(context.Background())

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "invoice_users_old.xml.gz")
	assert.Empty(t, index.deleted)
}

func TestCleanupListFailureIsWarningNotPanic(t *testing.T) {
	index := &fakeArchiveIndex{listErr: errors.New("db down")}

	exporter := NewSnapshotExporter(nil, failingBlobStorage{}, index, 30)
	warnings := exporter.Cleanup(context.Background())

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "retention cleanup failed")
}

func TestArchiveUserElementSchema(t *testing.T) {
	accountType := "OZEL"
	user := registry.User{
		Identifier:        "1234567890",
		Title:             "acme sanayi a.s.",
		AccountType:       &accountType,
		FirstRegisteredAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Aliases: []registry.Alias{{
			Name:         "urn:mail:defaultpk",
			Class:        "DEFAULT",
			RegisteredAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		}},
	}

	out, err := xml.Marshal(archiveUser(user))
	require.NoError(t, err)
	doc := string(out)

	assert.True(t, strings.HasPrefix(doc, "<User>"))
	assert.Contains(t, doc, "<Identifier>1234567890</Identifier>")
	assert.Contains(t, doc, "<AccountType>OZEL</AccountType>")
	assert.Contains(t, doc, "<FirstCreationTime>2024-03-01T10:00:00Z</FirstCreationTime>")
	assert.Contains(t, doc, "<Aliases><Alias><Name>urn:mail:defaultpk</Name>")

	// Optional fields stay out of the document entirely when unset.
	assert.NotContains(t, doc, "<Type>")

	bare := registry.User{
		Identifier:        "1234567890",
		Title:             "acme",
		FirstRegisteredAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	out, err = xml.Marshal(archiveUser(bare))
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<Aliases>")
}
