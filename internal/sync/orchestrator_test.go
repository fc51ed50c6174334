package sync

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regsync/internal/domain/registry"
)

func writeZipWithEntry(t *testing.T, path, entryName, content string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create(entryName)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

type fakeFeed struct {
	err error
}

func (f *fakeFeed) Download(_ context.Context, origin registry.OriginList, destinationPath string) error {
	if f.err != nil {
		return f.err
	}
	file, err := os.Create(destinationPath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(file)
	w, err := zw.Create(string(origin) + "_users.xml")
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("<UserList></UserList>")); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return file.Close()
}

type fakeApplier struct {
	result ApplyResult
	err    error
	called bool
}

func (f *fakeApplier) Apply(_ context.Context, mailboxPath, senderPath string, _ time.Time) (ApplyResult, error) {
	f.called = true
	if _, err := os.Stat(mailboxPath); err != nil {
		return ApplyResult{}, err
	}
	if _, err := os.Stat(senderPath); err != nil {
		return ApplyResult{}, err
	}
	return f.result, f.err
}

type fakeViews struct {
	err    error
	called bool
}

func (f *fakeViews) RefreshAll(context.Context) error {
	f.called = true
	return f.err
}

type fakeInvalidating struct {
	diffs []CategoryDiff
}

func (f *fakeInvalidating) Invalidate(_ context.Context, diffs []CategoryDiff) {
	f.diffs = diffs
}

type fakeExporting struct {
	exportWarnings  []string
	cleanupWarnings []string
	exported        bool
}

func (f *fakeExporting) ExportAll(context.Context) []string {
	f.exported = true
	return f.exportWarnings
}

func (f *fakeExporting) Cleanup(context.Context) []string { return f.cleanupWarnings }

type fakeRunStore struct {
	statuses  []string
	lastError *string
	failures  []string
}

func (f *fakeRunStore) UpsertResult(context.Context, time.Duration, string, time.Time) error {
	return nil
}

func (f *fakeRunStore) UpdateStatus(_ context.Context, status string, lastError *string, _ time.Time) error {
	f.statuses = append(f.statuses, status)
	f.lastError = lastError
	return nil
}

func (f *fakeRunStore) RecordFailure(_ context.Context, lastError string, _, _ time.Time) error {
	f.failures = append(f.failures, lastError)
	return nil
}

func (f *fakeRunStore) Get(context.Context) (registry.SyncRun, error) {
	return registry.SyncRun{}, nil
}

type fakeNotifier struct {
	events []Event
}

func (f *fakeNotifier) Notify(_ context.Context, event Event) {
	f.events = append(f.events, event)
}

func (f *fakeNotifier) types() []string {
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fakeSyncTime struct {
	invalidated bool
}

func (f *fakeSyncTime) Invalidate() { f.invalidated = true }

type orchestratorFixture struct {
	feed     *fakeFeed
	applier  *fakeApplier
	views    *fakeViews
	cache    *fakeInvalidating
	exporter *fakeExporting
	runs     *fakeRunStore
	notifier *fakeNotifier
	syncTime *fakeSyncTime
	orch     *Orchestrator
}

func newOrchestratorFixture() *orchestratorFixture {
	fx := &orchestratorFixture{
		feed:     &fakeFeed{},
		applier:  &fakeApplier{result: ApplyResult{Outcome: OutcomeApplied, Staged: map[registry.OriginList]int64{}}},
		views:    &fakeViews{},
		cache:    &fakeInvalidating{},
		exporter: &fakeExporting{},
		runs:     &fakeRunStore{},
		notifier: &fakeNotifier{},
		syncTime: &fakeSyncTime{},
	}
	fx.orch = NewOrchestrator(
		fx.feed, fx.applier, fx.views, fx.cache, fx.exporter,
		fx.runs, fx.notifier, NopMetrics{}, fx.syncTime)
	return fx
}

func TestOrchestratorSuccessfulRun(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.applier.result.Diffs = []CategoryDiff{
		{Category: registry.CategoryInvoice, Modified: []string{"1000000001"}},
	}

	status, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, registry.RunStatusSuccess, status)
	assert.True(t, fx.views.called)
	assert.True(t, fx.exporter.exported)
	assert.True(t, fx.syncTime.invalidated)
	assert.Len(t, fx.cache.diffs, 1)
	assert.Equal(t, []string{registry.RunStatusSuccess}, fx.runs.statuses)
	assert.Equal(t, []string{EventSyncCompleted}, fx.notifier.types())
}

func TestOrchestratorArchiveWarningsDowngradeToPartial(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.exporter.exportWarnings = []string{"archive export failed for invoice: disk full"}

	status, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, registry.RunStatusPartial, status)
	require.NotNil(t, fx.runs.lastError)
	assert.Contains(t, *fx.runs.lastError, "disk full")
	assert.Equal(t, []string{EventSyncPartial}, fx.notifier.types())
}

func TestOrchestratorGuardVetoDowngradesToPartial(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.applier.result.GuardVetoed = true
	fx.applier.result.Warnings = []string{"removal guard vetoed 500 deletions for invoice"}

	status, err := fx.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, registry.RunStatusPartial, status)
}

func TestOrchestratorSkippedByLock(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.applier.result = ApplyResult{Outcome: OutcomeSkippedByLock}

	status, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, registry.RunStatusPartial, status)
	assert.False(t, fx.views.called, "skipped run must not refresh views")
	assert.False(t, fx.exporter.exported, "skipped run must not export archives")
	assert.False(t, fx.syncTime.invalidated)
	assert.Equal(t, []string{registry.RunStatusPartial}, fx.runs.statuses)
	assert.Equal(t, []string{EventSyncPartial}, fx.notifier.types())
}

func TestOrchestratorDownloadFailure(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.feed.err = assert.AnError

	status, err := fx.orch.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, registry.RunStatusFailed, status)
	assert.False(t, fx.applier.called)
	require.Len(t, fx.runs.failures, 1)
	assert.Equal(t, []string{EventSyncFailed}, fx.notifier.types())
}

func TestOrchestratorViewRefreshFailureFailsRun(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.views.err = assert.AnError

	status, err := fx.orch.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, registry.RunStatusFailed, status)
	assert.False(t, fx.exporter.exported)
	require.Len(t, fx.runs.failures, 1)
}

func TestExtractFirstXML(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "list.zip")
	writeZipWithEntry(t, zipPath, "nested/users.XML", "<UserList/>")

	extracted, err := extractFirstXML(zipPath, dir, "mailbox")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mailbox_users.XML"), extracted)

	content, err := os.ReadFile(extracted)
	require.NoError(t, err)
	assert.Equal(t, "<UserList/>", string(content))
}

func TestExtractFirstXMLNoEntry(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "list.zip")
	writeZipWithEntry(t, zipPath, "readme.txt", "nothing here")

	_, err := extractFirstXML(zipPath, dir, "mailbox")
	require.Error(t, err)
}

func TestTrimToLength(t *testing.T) {
	assert.Equal(t, "abc", trimToLength("abc", 5))
	assert.Equal(t, "ab", trimToLength("abcdef", 2))
}
