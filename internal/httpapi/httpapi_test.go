package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regsync/internal/core/apperror"
	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/archive"
	"regsync/internal/infrastructure/storage/postgres/registry_repo"
	"regsync/pkg/logger"
)

type fakeUserStore struct {
	users   map[string]registry.User
	lookups int
}

func (f *fakeUserStore) GetByIdentifier(_ context.Context, _ registry.Category, identifier string, registeredBefore *time.Time) (*registry.User, error) {
	f.lookups++
	user, ok := f.users[identifier]
	if !ok {
		return nil, nil
	}
	if registeredBefore != nil && user.FirstRegisteredAt.After(*registeredBefore) {
		return nil, nil
	}
	return &user, nil
}

func (f *fakeUserStore) GetByIdentifiers(_ context.Context, _ registry.Category, identifiers []string) ([]registry.User, error) {
	var found []registry.User
	for _, id := range identifiers {
		if user, ok := f.users[id]; ok {
			found = append(found, user)
		}
	}
	return found, nil
}

func (f *fakeUserStore) Search(_ context.Context, _ registry.Category, search string, page, pageSize int) ([]registry.User, int64, error) {
	var matches []registry.User
	for _, user := range f.users {
		if strings.Contains(registry.NormalizeTitle(user.Title), registry.NormalizeTitle(search)) ||
			strings.Contains(user.Identifier, search) {
			matches = append(matches, user)
		}
	}
	return matches, int64(len(matches)), nil
}

type fakeChangeStore struct {
	page *registry_repo.ChangePage
	err  error
}

func (f *fakeChangeStore) GetChangesSince(context.Context, registry.Category, time.Time, int, int, *time.Time) (*registry_repo.ChangePage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

type fakeArchiveStore struct {
	files []registry.ArchiveFile
}

func (f *fakeArchiveStore) ListByCategory(_ context.Context, cat registry.Category) ([]registry.ArchiveFile, error) {
	var out []registry.ArchiveFile
	for _, file := range f.files {
		if file.Category == cat {
			out = append(out, file)
		}
	}
	return out, nil
}

func (f *fakeArchiveStore) GetLatest(ctx context.Context, cat registry.Category) (*registry.ArchiveFile, error) {
	files, _ := f.ListByCategory(ctx, cat)
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}

func (f *fakeArchiveStore) GetByFileName(_ context.Context, cat registry.Category, fileName string) (*registry.ArchiveFile, error) {
	for _, file := range f.files {
		if file.Category == cat && file.FileName == fileName {
			return &file, nil
		}
	}
	return nil, nil
}

type fakeBlobStorage struct {
	blobs map[string][]byte
}

func (f *fakeBlobStorage) Save(_ context.Context, fileName string, content io.Reader) (int64, error) {
	blob, err := io.ReadAll(content)
	if err != nil {
		return 0, err
	}
	f.blobs[fileName] = blob
	return int64(len(blob)), nil
}

func (f *fakeBlobStorage) Open(_ context.Context, fileName string) (io.ReadCloser, error) {
	blob, ok := f.blobs[fileName]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

func (f *fakeBlobStorage) Delete(_ context.Context, fileName string) error {
	delete(f.blobs, fileName)
	return nil
}

type fakeRunStore struct {
	run registry.SyncRun
}

func (f *fakeRunStore) Get(context.Context) (registry.SyncRun, error) {
	return f.run, nil
}

type fakeCache struct {
	entries map[string][]byte
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}}
}

func (f *fakeCache) Get(_ context.Context, key string, dest any) error {
	raw, ok := f.entries[key]
	if !ok {
		return fmt.Errorf("miss")
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeCache) Set(_ context.Context, key string, value any, _ time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	f.sets++
	f.entries[key] = raw
}

type fixture struct {
	users    *fakeUserStore
	changes  *fakeChangeStore
	archives *fakeArchiveStore
	blobs    *fakeBlobStorage
	runs     *fakeRunStore
	cache    *fakeCache
	lastSync *time.Time
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		users:    &fakeUserStore{users: map[string]registry.User{}},
		changes:  &fakeChangeStore{page: &registry_repo.ChangePage{Page: 1, PageSize: 100}},
		archives: &fakeArchiveStore{},
		blobs:    &fakeBlobStorage{blobs: map[string][]byte{}},
		runs:     &fakeRunStore{run: registry.SyncRun{Key: registry.SyncRunKey, LastStatus: registry.RunStatusSuccess}},
		cache:    newFakeCache(),
	}
	f.router = NewRouter(RouterConfig{
		Logger:         logger.Default(),
		Users:          f.users,
		Changes:        f.changes,
		Archives:       f.archives,
		ArchiveStorage: f.blobs,
		Runs:           f.runs,
		Cache:          f.cache,
		SyncTime:       f,
	})
	return f
}

func (f *fixture) LastSyncAt(context.Context) (*time.Time, error) {
	return f.lastSync, nil
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func testUser(identifier, title string) registry.User {
	return registry.User{
		Identifier:        identifier,
		Title:             title,
		FirstRegisteredAt: time.Date(2019, 5, 1, 10, 0, 0, 0, time.UTC),
		Aliases: []registry.Alias{
			{Name: "urn:mail:default@example.com", Class: "mailbox", RegisteredAt: time.Date(2019, 5, 1, 10, 0, 0, 0, time.UTC)},
		},
	}
}

func TestGetUserByIdentifier(t *testing.T) {
	f := newFixture(t)
	f.users.users["1234567890"] = testUser("1234567890", "Acme Ltd")
	lastSync := time.Date(2026, 2, 19, 3, 0, 0, 0, time.UTC)
	f.lastSync = &lastSync

	rec := f.do(t, http.MethodGet, "/api/invoice/users/1234567890", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-02-19T03:00:00Z", rec.Header().Get(HeaderLastSyncAt))

	var resp UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1234567890", resp.Identifier)
	assert.Equal(t, "Acme Ltd", resp.Title)
	require.Len(t, resp.Aliases, 1)
	assert.Equal(t, "mailbox", resp.Aliases[0].Class)
}

func TestGetUserNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/invoice/users/9999999999", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperror.CodeNotFound, resp["code"])
}

func TestGetUserInvalidIdentifier(t *testing.T) {
	f := newFixture(t)

	for _, identifier := range []string{"12345", "123456789012", "12345abcde"} {
		rec := f.do(t, http.MethodGet, "/api/invoice/users/"+identifier, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, identifier)
	}
	assert.Zero(t, f.users.lookups)
}

func TestGetUserUnknownCategory(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/receipt/users/1234567890", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserCachesValidatedLookups(t *testing.T) {
	f := newFixture(t)
	f.users.users["1234567890"] = testUser("1234567890", "Acme Ltd")

	first := f.do(t, http.MethodGet, "/api/invoice/users/1234567890", nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, 1, f.users.lookups)
	require.Equal(t, 1, f.cache.sets)

	second := f.do(t, http.MethodGet, "/api/invoice/users/1234567890", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, f.users.lookups, "second lookup must come from cache")
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestGetUserRegisteredBeforeBypassesCache(t *testing.T) {
	f := newFixture(t)
	f.users.users["1234567890"] = testUser("1234567890", "Acme Ltd")

	rec := f.do(t, http.MethodGet, "/api/invoice/users/1234567890?registeredBefore=2020-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.cache.sets)

	// Registered after the bound: filtered out.
	rec = f.do(t, http.MethodGet, "/api/invoice/users/1234567890?registeredBefore=2018-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchLookup(t *testing.T) {
	f := newFixture(t)
	f.users.users["1234567890"] = testUser("1234567890", "Acme Ltd")

	rec := f.do(t, http.MethodPost, "/api/invoice/users/batch", BatchLookupRequest{
		Identifiers: []string{"1234567890", "9999999999", "1234567890"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp BatchLookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalRequested, "duplicates collapse")
	assert.Equal(t, 1, resp.TotalFound)
	assert.Equal(t, []string{"9999999999"}, resp.NotFound)
}

func TestBatchLookupValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/invoice/users/batch", BatchLookupRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/invoice/users/batch", BatchLookupRequest{
		Identifiers: []string{"not-a-number"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tooMany := make([]string, maxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("%010d", i)
	}
	rec = f.do(t, http.MethodPost, "/api/invoice/users/batch", BatchLookupRequest{Identifiers: tooMany})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	f.users.users["1234567890"] = testUser("1234567890", "Acme Ltd")
	f.users.users["2234567890"] = testUser("2234567890", "Other Corp")

	rec := f.do(t, http.MethodGet, "/api/invoice/users/search?q=acme", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.TotalCount)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, defaultSearchPage, resp.PageSize)
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/invoice/users/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty q")

	rec = f.do(t, http.MethodGet, "/api/invoice/users/search?q="+strings.Repeat("a", maxSearchLength+1), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "oversized q")

	rec = f.do(t, http.MethodGet, "/api/invoice/users/search?q=acme&pageSize=101", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pageSize above bound")

	rec = f.do(t, http.MethodGet, "/api/invoice/users/search?q=acme&page=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "page below 1")
}

func TestChangesExpiredWindow(t *testing.T) {
	f := newFixture(t)
	f.changes.err = apperror.NewChangelogExpired("invoice")

	rec := f.do(t, http.MethodGet, "/api/invoice/changes?since=2020-01-01T00:00:00Z", nil)

	require.Equal(t, http.StatusGone, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperror.CodeChangelogExpired, resp["code"])
}

func TestChangesValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/invoice/changes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing since")

	rec = f.do(t, http.MethodGet, "/api/invoice/changes?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unparseable since")

	rec = f.do(t, http.MethodGet,
		"/api/invoice/changes?since=2026-01-02T00:00:00Z&until=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "until before since")
}

func TestChangesList(t *testing.T) {
	f := newFixture(t)
	occurredAt := time.Date(2026, 2, 19, 3, 0, 0, 0, time.UTC)
	title := "Acme Ltd"
	f.changes.page = &registry_repo.ChangePage{
		Events: []registry.ChangeEvent{
			{Identifier: "1234567890", Kind: registry.ChangeAdded, OccurredAt: occurredAt, Title: &title},
			{Identifier: "2234567890", Kind: registry.ChangeRemoved, OccurredAt: occurredAt},
		},
		TotalCount: 2,
		Page:       1,
		PageSize:   100,
		Until:      occurredAt,
	}

	rec := f.do(t, http.MethodGet, "/api/invoice/changes?since=2026-02-01T00:00:00Z", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChangesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Changes, 2)
	assert.Equal(t, "added", resp.Changes[0].ChangeType)
	assert.Equal(t, "removed", resp.Changes[1].ChangeType)
	assert.Nil(t, resp.Changes[1].Title, "removals carry no snapshot")
	assert.Equal(t, int64(2), resp.TotalCount)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	lastSuccess := time.Date(2026, 2, 19, 3, 0, 0, 0, time.UTC)
	f.runs.run = registry.SyncRun{
		Key:               registry.SyncRunKey,
		LastSuccessAt:     &lastSuccess,
		InvoiceUserCount:  120_000,
		DispatchUserCount: 45_000,
		LastDurationMS:    93_000,
		LastStatus:        registry.RunStatusPartial,
		LastAttemptAt:     lastSuccess,
	}

	rec := f.do(t, http.MethodGet, "/api/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(120_000), resp.InvoiceUserCount)
	assert.Equal(t, registry.RunStatusPartial, resp.LastStatus)
}

func TestArchiveListAndLatest(t *testing.T) {
	f := newFixture(t)
	f.archives.files = []registry.ArchiveFile{
		{Category: registry.CategoryInvoice, FileName: "invoice/invoice_users_20260219.xml.gz", SizeBytes: 1024, RecordCount: 10,
			CreatedAt: time.Date(2026, 2, 19, 4, 0, 0, 0, time.UTC)},
	}

	rec := f.do(t, http.MethodGet, "/api/invoice/archives", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invoice_users_20260219.xml.gz")
	// Listed names are bare: they must be usable as the download segment.
	assert.NotContains(t, rec.Body.String(), "invoice/invoice_users")

	rec = f.do(t, http.MethodGet, "/api/dispatch/archives", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "invoice_users_20260219.xml.gz")

	rec = f.do(t, http.MethodGet, "/api/dispatch/archives/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveDownloadByBareName(t *testing.T) {
	f := newFixture(t)
	stored := "invoice/invoice_users_20260219.xml.gz"
	f.archives.files = []registry.ArchiveFile{
		{Category: registry.CategoryInvoice, FileName: stored, SizeBytes: 4, RecordCount: 10,
			CreatedAt: time.Date(2026, 2, 19, 4, 0, 0, 0, time.UTC)},
	}
	f.blobs.blobs[stored] = []byte("gzip")

	rec := f.do(t, http.MethodGet, "/api/invoice/archives/invoice_users_20260219.xml.gz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="invoice_users_20260219.xml.gz"`, rec.Header().Get("Content-Disposition"))

	// The stored prefix belongs to the server, not the URL.
	rec = f.do(t, http.MethodGet, "/api/invoice/archives/unknown.xml.gz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Same bare name under the other category resolves nothing.
	rec = f.do(t, http.MethodGet, "/api/dispatch/archives/invoice_users_20260219.xml.gz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthLive(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health/live", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
