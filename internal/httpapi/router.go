package httpapi

import (
	"github.com/gin-gonic/gin"

	"regsync/internal/httpapi/middleware"
	"regsync/internal/infrastructure/archive"
	"regsync/internal/infrastructure/storage/postgres"
	"regsync/internal/sync"
	"regsync/pkg/logger"
)

// RouterConfig holds the collaborators of the read API.
type RouterConfig struct {
	// Pool is the database connection pool (health checks).
	Pool *postgres.Pool

	// Logger for request logging.
	Logger *logger.Logger

	// Users serves point lookups and search.
	Users UserStore

	// Changes serves the delta feed.
	Changes ChangeStore

	// Archives is the snapshot-archive index.
	Archives ArchiveStore

	// ArchiveStorage streams archive blobs.
	ArchiveStorage archive.Storage

	// Runs reads the run-metadata singleton.
	Runs RunStore

	// Cache is the shared point-lookup cache. Optional.
	Cache ReadCache

	// SyncTime serves the freshness header. Optional.
	SyncTime SyncTime

	// Metrics is the instrumentation port. Optional.
	Metrics sync.Metrics
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	storagePinger, _ := cfg.ArchiveStorage.(StoragePinger)
	healthHandler := NewHealthHandler(cfg.Pool, cfg.Runs, storagePinger)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	userHandler := NewUserHandler(cfg.Users, cfg.Cache, cfg.SyncTime, cfg.Metrics)
	changeHandler := NewChangeHandler(cfg.Changes, cfg.Metrics)
	archiveHandler := NewArchiveHandler(cfg.Archives, cfg.ArchiveStorage)
	statusHandler := NewStatusHandler(cfg.Runs)

	api := router.Group("/api")
	{
		api.GET("/status", statusHandler.Get)

		category := api.Group("/:category")
		{
			category.GET("/users/search", userHandler.Search)
			category.POST("/users/batch", userHandler.Batch)
			category.GET("/users/:identifier", userHandler.Get)

			category.GET("/changes", changeHandler.List)

			category.GET("/archives", archiveHandler.List)
			category.GET("/archives/latest", archiveHandler.Latest)
			category.GET("/archives/:fileName", archiveHandler.Download)
		}
	}

	return router
}
