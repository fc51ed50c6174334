package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"regsync/internal/core/apperror"
)

// StatusHandler serves the run-metadata snapshot.
type StatusHandler struct {
	runs RunStore
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(runs RunStore) *StatusHandler {
	return &StatusHandler{runs: runs}
}

// Get returns the most recent sync attempt's outcome and counts.
// GET /api/status
func (h *StatusHandler) Get(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context())
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		LastSuccessAt:     run.LastSuccessAt,
		InvoiceUserCount:  run.InvoiceUserCount,
		DispatchUserCount: run.DispatchUserCount,
		LastDurationMS:    run.LastDurationMS,
		LastStatus:        run.LastStatus,
		LastError:         run.LastError,
		LastAttemptAt:     run.LastAttemptAt,
		LastFailureAt:     run.LastFailureAt,
	})
}
