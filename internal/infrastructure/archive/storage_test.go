package archive

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStorageRoundTrip(t *testing.T) {
	storage, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	written, err := storage.Save(ctx, "invoice/invoice_users_2026-01-01.xml.gz", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), written)

	rc, err := storage.Open(ctx, "invoice/invoice_users_2026-01-01.xml.gz")
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(content))

	require.NoError(t, storage.Delete(ctx, "invoice/invoice_users_2026-01-01.xml.gz"))
	_, err = storage.Open(ctx, "invoice/invoice_users_2026-01-01.xml.gz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemStorageRejectsEscapingPaths(t *testing.T) {
	storage, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = storage.Save(ctx, "../outside.xml.gz", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = storage.Open(ctx, "../../etc/passwd")
	assert.Error(t, err)
}

func TestFilesystemStorageDeleteMissingIsNoop(t *testing.T) {
	storage, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, storage.Delete(context.Background(), "missing.xml.gz"))
}
