// Package main is the entry point for the regsync read API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"regsync/internal/httpapi"
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

	ctx := context.Background()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting regsync server")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		log.Fatalw("failed to ensure schema", "error", err)
	}

	txManager := postgres.NewTxManager(pool)

	userRepo := registry_repo.NewUserRepo(txManager)
	changeRepo := registry_repo.NewChangeRepo(txManager)
	archiveRepo := registry_repo.NewArchiveRepo(txManager)
	syncRunRepo := registry_repo.NewSyncRunRepo(txManager)

	storage, err := archive.NewFilesystemStorage(getEnv("ARCHIVE_DIR", "/var/lib/regsync/archives"))
	if err != nil {
		log.Fatalw("failed to open archive storage", "error", err)
	}

	var readCache httpapi.ReadCache
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		})
		defer client.Close()
		readCache = cache.NewRedisCache(client, cache.DefaultTTL)
		log.Infow("point-lookup cache enabled", "addr", redisAddr)
	}

	syncTime := cache.NewSyncTimeProvider(func(ctx context.Context) (*time.Time, error) {
		run, err := syncRunRepo.Get(ctx)
		if err != nil {
			return nil, err
		}
		return run.LastSuccessAt, nil
	})

	var metrics sync.Metrics = sync.NopMetrics{}
	if getEnv("METRICS_ENABLED", "false") == "true" {
		otelMetrics, err := sync.NewOtelMetrics(otel.Meter("regsync"))
		if err != nil {
			log.Fatalw("failed to initialize metrics", "error", err)
		}
		metrics = otelMetrics
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Pool:           pool,
		Logger:         log,
		Users:          userRepo,
		Changes:        changeRepo,
		Archives:       archiveRepo,
		ArchiveStorage: storage,
		Runs:           syncRunRepo,
		Cache:          readCache,
		SyncTime:       syncTime,
		Metrics:        metrics,
	})

	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
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
