package sync

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"regsync/internal/domain/registry"
)

// Metrics is the instrumentation port for the pipeline. Implementations
// must be cheap and must never fail the caller.
type Metrics interface {
	RecordRunCompleted(ctx context.Context, status string, duration time.Duration)
	RecordRecordsStaged(ctx context.Context, origin registry.OriginList, count int64)
	RecordChanges(ctx context.Context, category registry.Category, kind registry.ChangeKind, count int64)
	RecordRemovalSkipped(ctx context.Context, category registry.Category)
	RecordViewRefresh(ctx context.Context, view string, duration time.Duration, err error)
	RecordQuery(ctx context.Context, queryType string, category registry.Category, duration time.Duration)
	RecordCacheHit(ctx context.Context)
	RecordCacheMiss(ctx context.Context)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordRunCompleted(context.Context, string, time.Duration)                 {}
func (NopMetrics) RecordRecordsStaged(context.Context, registry.OriginList, int64)          {}
func (NopMetrics) RecordChanges(context.Context, registry.Category, registry.ChangeKind, int64) {
}
func (NopMetrics) RecordRemovalSkipped(context.Context, registry.Category)            {}
func (NopMetrics) RecordViewRefresh(context.Context, string, time.Duration, error) {}
func (NopMetrics) RecordQuery(context.Context, string, registry.Category, time.Duration) {}
func (NopMetrics) RecordCacheHit(context.Context)                                       {}
func (NopMetrics) RecordCacheMiss(context.Context)                                      {}

// OtelMetrics publishes pipeline measurements through an OpenTelemetry
// meter.
type OtelMetrics struct {
	runsTotal         metric.Int64Counter
	runDuration       metric.Float64Histogram
	recordsStaged     metric.Int64Counter
	changesTotal      metric.Int64Counter
	removalSkipped    metric.Int64Counter
	viewRefreshTotal  metric.Int64Counter
	viewRefreshErrors metric.Int64Counter
	viewRefreshTime   metric.Float64Histogram
	queryDuration     metric.Float64Histogram
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
}

func NewOtelMetrics(meter metric.Meter) (*OtelMetrics, error) {
	m := &OtelMetrics{}
	var err error

	if m.runsTotal, err = meter.Int64Counter("regsync_runs_total",
		metric.WithDescription("Completed sync runs by outcome")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("regsync_run_duration_seconds",
		metric.WithDescription("End-to-end sync run duration")); err != nil {
		return nil, err
	}
	if m.recordsStaged, err = meter.Int64Counter("regsync_records_staged_total",
		metric.WithDescription("Records bulk-loaded into staging by origin list")); err != nil {
		return nil, err
	}
	if m.changesTotal, err = meter.Int64Counter("regsync_changes_total",
		metric.WithDescription("Change events appended by category and kind")); err != nil {
		return nil, err
	}
	if m.removalSkipped, err = meter.Int64Counter("regsync_removal_guard_triggered_total",
		metric.WithDescription("Runs where the removal guard vetoed deletions")); err != nil {
		return nil, err
	}
	if m.viewRefreshTotal, err = meter.Int64Counter("regsync_view_refresh_total",
		metric.WithDescription("Materialized view refresh attempts")); err != nil {
		return nil, err
	}
	if m.viewRefreshErrors, err = meter.Int64Counter("regsync_view_refresh_errors_total",
		metric.WithDescription("Failed materialized view refresh attempts")); err != nil {
		return nil, err
	}
	if m.viewRefreshTime, err = meter.Float64Histogram("regsync_view_refresh_duration_seconds",
		metric.WithDescription("Materialized view refresh duration")); err != nil {
		return nil, err
	}
	if m.queryDuration, err = meter.Float64Histogram("regsync_query_duration_seconds",
		metric.WithDescription("Read API query duration by type and category")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("regsync_cache_hits_total",
		metric.WithDescription("Point-lookup cache hits")); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter("regsync_cache_misses_total",
		metric.WithDescription("Point-lookup cache misses")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OtelMetrics) RecordRunCompleted(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *OtelMetrics) RecordRecordsStaged(ctx context.Context, origin registry.OriginList, count int64) {
	m.recordsStaged.Add(ctx, count, metric.WithAttributes(attribute.String("origin", string(origin))))
}

func (m *OtelMetrics) RecordChanges(ctx context.Context, category registry.Category, kind registry.ChangeKind, count int64) {
	m.changesTotal.Add(ctx, count, metric.WithAttributes(
		attribute.String("category", category.String()),
		attribute.String("kind", kind.String()),
	))
}

func (m *OtelMetrics) RecordRemovalSkipped(ctx context.Context, category registry.Category) {
	m.removalSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category.String())))
}

func (m *OtelMetrics) RecordViewRefresh(ctx context.Context, view string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("view", view))
	m.viewRefreshTotal.Add(ctx, 1, attrs)
	m.viewRefreshTime.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.viewRefreshErrors.Add(ctx, 1, attrs)
	}
}

func (m *OtelMetrics) RecordQuery(ctx context.Context, queryType string, category registry.Category, duration time.Duration) {
	m.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("query", queryType),
		attribute.String("category", category.String()),
	))
}

func (m *OtelMetrics) RecordCacheHit(ctx context.Context) {
	m.cacheHits.Add(ctx, 1)
}

func (m *OtelMetrics) RecordCacheMiss(ctx context.Context) {
	m.cacheMisses.Add(ctx, 1)
}
