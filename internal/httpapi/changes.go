package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"regsync/internal/core/apperror"
	"regsync/internal/domain/registry"
	"regsync/internal/sync"
	"regsync/pkg/logger"
)

// ChangeHandler serves the paginated delta feed.
type ChangeHandler struct {
	changes ChangeStore
	metrics sync.Metrics
}

// NewChangeHandler creates a new change feed handler.
func NewChangeHandler(changes ChangeStore, metrics sync.Metrics) *ChangeHandler {
	if metrics == nil {
		metrics = sync.NopMetrics{}
	}
	return &ChangeHandler{changes: changes, metrics: metrics}
}

// List handles delta retrieval since a consumer-supplied watermark.
// GET /api/:category/changes?since=&until=&page=&pageSize=
// A since older than the retention window yields 410 CHANGELOG_EXPIRED.
func (h *ChangeHandler) List(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	since, ok := timeQuery(c, "since")
	if !ok {
		return
	}
	if since == nil {
		_ = c.Error(apperror.NewValidation("since is required"))
		return
	}
	until, ok := timeQuery(c, "until")
	if !ok {
		return
	}
	if until != nil && !until.After(*since) {
		_ = c.Error(apperror.NewValidation("until must be after since"))
		return
	}

	page, pageSize, ok := pageParams(c, defaultChangesPage, maxChangesPage)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	start := time.Now()

	result, err := h.changes.GetChangesSince(ctx, cat, *since, page, pageSize, until)
	if err != nil {
		if _, isApp := apperror.AsAppError(err); isApp {
			_ = c.Error(err)
		} else {
			_ = c.Error(apperror.NewInternal(err))
		}
		return
	}

	changes := make([]ChangeResponse, 0, len(result.Events))
	for i := range result.Events {
		changes = append(changes, toChangeResponse(ctx, &result.Events[i]))
	}

	h.metrics.RecordQuery(ctx, "changes", cat, time.Since(start))
	c.JSON(http.StatusOK, ChangesResponse{
		Changes:    changes,
		TotalCount: result.TotalCount,
		Page:       result.Page,
		PageSize:   result.PageSize,
		Until:      result.Until,
	})
}

func toChangeResponse(ctx context.Context, event *registry.ChangeEvent) ChangeResponse {
	response := ChangeResponse{
		Identifier:        event.Identifier,
		ChangeType:        event.Kind.String(),
		OccurredAt:        event.OccurredAt,
		Title:             event.Title,
		AccountType:       event.AccountType,
		SubjectType:       event.SubjectType,
		FirstRegisteredAt: event.FirstRegisteredAt,
	}

	if len(event.AliasesRaw) > 0 {
		var aliases []registry.Alias
		if err := json.Unmarshal(event.AliasesRaw, &aliases); err != nil {
			logger.Warn(ctx, "corrupt aliases in change event", "id", event.ID, "error", err)
		} else {
			for _, a := range aliases {
				response.Aliases = append(response.Aliases, AliasResponse{
					Name:         a.Name,
					Class:        a.Class,
					RegisteredAt: a.RegisteredAt,
				})
			}
		}
	}
	return response
}
