package sync

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	appctx "regsync/internal/core/context"
	"regsync/internal/domain/registry"
	"regsync/pkg/logger"
)

var orchestratorTracer = otel.Tracer("regsync/sync")

// SyncTimeInvalidator drops the cached last-sync timestamp after a run so
// the read API recomputes it on the next request.
type SyncTimeInvalidator interface {
	Invalidate()
}

// NopSyncTimeInvalidator is used when no read-side cache is wired.
type NopSyncTimeInvalidator struct{}

func (NopSyncTimeInvalidator) Invalidate() {}

// Applier is the guarded apply phase as seen by the orchestrator.
type Applier interface {
	Apply(ctx context.Context, mailboxPath, senderPath string, startedAt time.Time) (ApplyResult, error)
}

// ViewRefreshing rebuilds the derived read views after a commit.
type ViewRefreshing interface {
	RefreshAll(ctx context.Context) error
}

// Invalidating evicts stale cache entries for the run's touched identifiers.
type Invalidating interface {
	Invalidate(ctx context.Context, diffs []CategoryDiff)
}

// Exporting produces snapshot archives and prunes expired ones.
type Exporting interface {
	ExportAll(ctx context.Context) []string
	Cleanup(ctx context.Context) []string
}

// Orchestrator drives one full sync run: concurrent downloads, archive
// extraction, the guarded apply transaction, view refresh, cache
// invalidation, snapshot export and final run classification.
type Orchestrator struct {
	feed        SourceFeed
	applier     Applier
	views       ViewRefreshing
	invalidator Invalidating
	exporter    Exporting
	syncRuns    SyncRunStore
	notifier    Notifier
	metrics     Metrics
	syncTime    SyncTimeInvalidator
}

func NewOrchestrator(
	feed SourceFeed,
	applier Applier,
	views ViewRefreshing,
	invalidator Invalidating,
	exporter Exporting,
	syncRuns SyncRunStore,
	notifier Notifier,
	metrics Metrics,
	syncTime SyncTimeInvalidator,
) *Orchestrator {
	if syncTime == nil {
		syncTime = NopSyncTimeInvalidator{}
	}
	return &Orchestrator{
		feed:        feed,
		applier:     applier,
		views:       views,
		invalidator: invalidator,
		exporter:    exporter,
		syncRuns:    syncRuns,
		notifier:    notifier,
		metrics:     metrics,
		syncTime:    syncTime,
	}
}

// Run executes one sync run end to end and returns its final status
// (success, partial or failed) along with the error that failed it, if
// any.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	runID := uuid.NewString()
	ctx = appctx.WithRunID(ctx, runID)
	ctx, span := orchestratorTracer.Start(ctx, "sync.run")
	defer span.End()

	startedAt := time.Now()
	logger.Info(ctx, "sync run starting")

	tempDir, err := os.MkdirTemp("", "regsync_run_*")
	if err != nil {
		return o.failRun(ctx, startedAt, fmt.Errorf("create temp directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			logger.Warn(ctx, "temp directory cleanup failed", "dir", tempDir, "error", err)
		}
	}()

	mailboxXML, senderXML, err := o.fetchAndExtract(ctx, tempDir)
	if err != nil {
		return o.failRun(ctx, startedAt, err)
	}

	applyResult, err := o.applier.Apply(ctx, mailboxXML, senderXML, startedAt)
	if err != nil {
		return o.failRun(ctx, startedAt, err)
	}

	if applyResult.Outcome == OutcomeSkippedByLock {
		return o.finishSkipped(ctx, startedAt)
	}

	// Committed from here on: refresh failure leaves the data applied but
	// reads stale, so it fails the run loudly instead of hiding.
	if err := o.views.RefreshAll(ctx); err != nil {
		return o.failRun(ctx, startedAt, err)
	}

	o.invalidator.Invalidate(ctx, applyResult.Diffs)

	warnings := applyResult.Warnings
	warnings = append(warnings, o.exporter.ExportAll(ctx)...)
	warnings = append(warnings, o.exporter.Cleanup(ctx)...)

	status := registry.RunStatusSuccess
	var statusErr *string
	if len(warnings) > 0 {
		status = registry.RunStatusPartial
		joined := trimToLength(strings.Join(warnings, " | "), 2000)
		statusErr = &joined
	}
	if err := o.syncRuns.UpdateStatus(ctx, status, statusErr, startedAt); err != nil {
		logger.Warn(ctx, "final run status update failed", "status", status, "error", err)
	}
	o.syncTime.Invalidate()

	duration := time.Since(startedAt)
	o.metrics.RecordRunCompleted(ctx, status, duration)
	o.notifyCompletion(ctx, status, duration, applyResult, warnings)
	logger.Info(ctx, "sync run completed", "status", status, "duration", duration)
	return status, nil
}

// fetchAndExtract downloads both origin-list archives concurrently and
// extracts the first XML entry of each.
func (o *Orchestrator) fetchAndExtract(ctx context.Context, tempDir string) (mailboxXML, senderXML string, err error) {
	mailboxZip := filepath.Join(tempDir, "mailbox_list.zip")
	senderZip := filepath.Join(tempDir, "sender_list.zip")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.feed.Download(gctx, registry.OriginMailbox, mailboxZip)
	})
	g.Go(func() error {
		return o.feed.Download(gctx, registry.OriginSender, senderZip)
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}

	if mailboxXML, err = extractFirstXML(mailboxZip, tempDir, "mailbox"); err != nil {
		return "", "", err
	}
	if senderXML, err = extractFirstXML(senderZip, tempDir, "sender"); err != nil {
		return "", "", err
	}
	logger.Info(ctx, "origin list archives extracted",
		"mailbox", mailboxXML, "sender", senderXML)
	return mailboxXML, senderXML, nil
}

func (o *Orchestrator) finishSkipped(ctx context.Context, startedAt time.Time) (string, error) {
	reason := "sync skipped because another run holds the advisory lock"
	if err := o.syncRuns.UpdateStatus(ctx, registry.RunStatusPartial, &reason, startedAt); err != nil {
		logger.Warn(ctx, "skipped-run status update failed", "error", err)
	}

	duration := time.Since(startedAt)
	o.metrics.RecordRunCompleted(ctx, registry.RunStatusPartial, duration)
	o.notifier.Notify(ctx, Event{
		Type:     EventSyncPartial,
		Severity: SeverityWarning,
		Summary:  "Sync run skipped, another run holds the advisory lock",
		Payload: map[string]any{
			"reason":   "advisory-lock-not-acquired",
			"duration": duration.String(),
		},
	})
	logger.Warn(ctx, "sync run skipped by advisory lock", "duration", duration)
	return registry.RunStatusPartial, nil
}

func (o *Orchestrator) failRun(ctx context.Context, startedAt time.Time, runErr error) (string, error) {
	duration := time.Since(startedAt)
	logger.Error(ctx, "sync run failed", "duration", duration, "error", runErr)

	// Best effort: the store may be the thing that failed.
	if err := o.syncRuns.RecordFailure(ctx, trimToLength(runErr.Error(), 2000), startedAt, time.Now()); err != nil {
		logger.Warn(ctx, "failure status update failed", "error", err)
	}

	o.metrics.RecordRunCompleted(ctx, registry.RunStatusFailed, duration)
	o.notifier.Notify(ctx, Event{
		Type:     EventSyncFailed,
		Severity: SeverityCritical,
		Summary:  "Sync run failed: " + trimToLength(runErr.Error(), 500),
		Payload: map[string]any{
			"duration": duration.String(),
			"error":    runErr.Error(),
		},
	})
	return registry.RunStatusFailed, runErr
}

func (o *Orchestrator) notifyCompletion(ctx context.Context, status string, duration time.Duration, result ApplyResult, warnings []string) {
	payload := map[string]any{
		"duration":      duration.String(),
		"stagedMailbox": result.Staged[registry.OriginMailbox],
		"stagedSender":  result.Staged[registry.OriginSender],
	}
	for _, diff := range result.Diffs {
		payload[diff.Category.String()] = map[string]any{
			"added":    len(diff.Added),
			"modified": len(diff.Modified),
			"removed":  len(diff.Removed),
			"vetoed":   diff.VetoedRemoved,
		}
	}

	event := Event{
		Type:     EventSyncCompleted,
		Severity: SeverityInfo,
		Summary:  "Sync run completed in " + duration.String(),
		Payload:  payload,
	}
	if status == registry.RunStatusPartial {
		event.Type = EventSyncPartial
		event.Severity = SeverityWarning
		event.Summary = "Sync run completed with warnings in " + duration.String()
		payload["warnings"] = strings.Join(warnings, " | ")
	}
	o.notifier.Notify(ctx, event)
}

// extractFirstXML pulls the first .xml entry out of a downloaded archive.
func extractFirstXML(zipPath, targetDir, prefix string) (string, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(entry.Name), ".xml") {
			continue
		}

		src, err := entry.Open()
		if err != nil {
			return "", fmt.Errorf("open archive entry %s: %w", entry.Name, err)
		}
		defer src.Close()

		extractPath := filepath.Join(targetDir, prefix+"_"+filepath.Base(entry.Name))
		dst, err := os.Create(extractPath)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", extractPath, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return "", fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		if err := dst.Close(); err != nil {
			return "", err
		}
		return extractPath, nil
	}
	return "", fmt.Errorf("no XML entry found in %s", zipPath)
}

func trimToLength(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
