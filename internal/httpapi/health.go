package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"regsync/internal/infrastructure/storage/postgres"
)

// syncStalenessBound is how old the last successful sync may be before
// readiness starts flagging the dataset as stale. The source publishes
// daily; one missed run plus slack.
const syncStalenessBound = 26 * time.Hour

// StoragePinger reports whether the archive blob backend is usable.
type StoragePinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler provides liveness and readiness probes.
type HealthHandler struct {
	pool    *postgres.Pool
	runs    RunStore
	storage StoragePinger
}

// NewHealthHandler creates a new health handler. runs and storage may be
// nil; the corresponding checks are skipped then.
func NewHealthHandler(pool *postgres.Pool, runs RunStore, storage StoragePinger) *HealthHandler {
	return &HealthHandler{pool: pool, runs: runs, storage: storage}
}

// Live handles liveness probe (is the process alive?).
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready handles readiness probe (is the service ready to accept traffic?).
// A stale dataset degrades to a warning, not an outage: serving old data
// beats serving none.
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.pool.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"checks": map[string]string{
				"database": "unhealthy: " + err.Error(),
			},
		})
		return
	}

	if h.storage != nil {
		if err := h.storage.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "error",
				"checks": map[string]string{
					"database": "healthy",
					"storage":  "unhealthy: " + err.Error(),
				},
			})
			return
		}
	}

	checks := map[string]string{
		"database": "healthy",
	}
	if h.storage != nil {
		checks["storage"] = "healthy"
	}
	body := gin.H{
		"status": "ok",
		"checks": checks,
	}

	if h.runs != nil {
		run, err := h.runs.Get(ctx)
		switch {
		case err != nil:
			checks["sync"] = "unknown: " + err.Error()
		case run.LastSuccessAt == nil:
			checks["sync"] = "no successful run yet"
		case time.Since(*run.LastSuccessAt) > syncStalenessBound:
			checks["sync"] = "stale"
			body["warning"] = "last successful sync at " + run.LastSuccessAt.UTC().Format(time.RFC3339)
		default:
			checks["sync"] = "fresh"
		}
	}

	c.JSON(http.StatusOK, body)
}

// Info returns application information.
// GET /health/info
func (h *HealthHandler) Info(c *gin.Context) {
	stat := h.pool.Stat()

	c.JSON(http.StatusOK, gin.H{
		"app":     "regsync",
		"version": "0.1.0",
		"database": map[string]any{
			"total_conns":    stat.TotalConns(),
			"acquired_conns": stat.AcquiredConns(),
			"idle_conns":     stat.IdleConns(),
			"max_conns":      stat.MaxConns(),
		},
	})
}
