// Package main is the one-shot sync runner. It pulls both source lists,
// applies them transactionally and exits; scheduling is external (cron,
// Kubernetes CronJob).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"regsync/internal/infrastructure/archive"
	"regsync/internal/infrastructure/cache"
	"regsync/internal/infrastructure/storage/postgres"
	"regsync/internal/infrastructure/storage/postgres/registry_repo"
	"regsync/internal/sync"
	"regsync/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting regsync syncer")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		log.Fatalw("failed to ensure schema", "error", err)
	}

	txManager := postgres.NewTxManager(pool)

	var notifier sync.Notifier = sync.NopNotifier{}
	if webhookURL := getEnv("WEBHOOK_URL", ""); webhookURL != "" {
		notifier = sync.NewWebhookNotifier(webhookURL, getEnv("WEBHOOK_SECRET", ""), "regsync")
	}

	var metrics sync.Metrics = sync.NopMetrics{}
	if getEnv("METRICS_ENABLED", "false") == "true" {
		otelMetrics, err := sync.NewOtelMetrics(otel.Meter("regsync"))
		if err != nil {
			log.Fatalw("failed to initialize metrics", "error", err)
		}
		metrics = otelMetrics
	}

	parser := sync.NewRecordParser(func(ctx context.Context, result sync.ParseResult) {
		notifier.Notify(ctx, sync.Event{
			Type:     sync.EventDataQualityAlarm,
			Severity: sync.SeverityWarning,
			Summary:  fmt.Sprintf("parse failure rate %.1f%% in %s", result.FailureRate(), result.FileName),
			Payload: map[string]any{
				"file":   result.FileName,
				"parsed": result.Parsed,
				"failed": result.Failed,
			},
		})
	})

	loader := sync.NewStagingLoader(
		postgres.NewBatchInserter(txManager),
		getEnvInt("STAGING_BATCH_SIZE", sync.DefaultStagingBatchSize),
	)
	diffEngine := sync.NewDiffEngine(txManager, notifier, metrics,
		getEnvFloat("MAX_REMOVAL_PERCENT", sync.DefaultMaxRemovalPercent))
	syncRuns := registry_repo.NewSyncRunRepo(txManager)

	applier := sync.NewTransactionalApplier(txManager, parser, loader, diffEngine, syncRuns, metrics,
		getEnvInt("CHANGE_RETENTION_DAYS", sync.DefaultChangeRetentionDays))

	views := sync.NewViewRefresher(pool, notifier, metrics)

	var invalidator sync.Invalidating = sync.NopInvalidator{}
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		})
		defer client.Close()
		invalidator = sync.NewCacheInvalidator(cache.NewRedisCache(client, 0))
	}

	storage, err := archive.NewFilesystemStorage(getEnv("ARCHIVE_DIR", "/var/lib/regsync/archives"))
	if err != nil {
		log.Fatalw("failed to open archive storage", "error", err)
	}
	exporter := sync.NewSnapshotExporter(pool, storage, registry_repo.NewArchiveRepo(txManager),
		getEnvInt("ARCHIVE_RETENTION_DAYS", sync.DefaultArchiveRetentionDays))

	feed := sync.NewHTTPSourceFeed(
		mustEnv("SOURCE_MAILBOX_URL"),
		mustEnv("SOURCE_SENDER_URL"),
		getEnvDuration("DOWNLOAD_TIMEOUT", 5*time.Minute),
	)

	orchestrator := sync.NewOrchestrator(
		feed, applier, views, invalidator, exporter, syncRuns, notifier, metrics, nil)

	status, err := orchestrator.Run(ctx)
	if err != nil {
		log.Errorw("sync run failed", "status", status, "error", err)
		os.Exit(1)
	}

	log.Infow("sync run finished", "status", status)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
