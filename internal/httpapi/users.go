package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"regsync/internal/core/apperror"
	"regsync/internal/sync"
	"regsync/pkg/logger"
)

// HeaderLastSyncAt tells consumers how fresh the dataset is.
const HeaderLastSyncAt = "X-Last-Sync-At"

// pointLookupTTL is long because the sync run evicts changed keys
// explicitly; TTL only covers entries the invalidator never saw.
const pointLookupTTL = 60 * time.Minute

// UserHandler serves point lookups and search from the materialized
// views, with a read-through cache on validated point lookups.
type UserHandler struct {
	users    UserStore
	cache    ReadCache
	syncTime SyncTime
	metrics  sync.Metrics
}

// NewUserHandler creates a new user handler. cache and syncTime may be
// nil; both degrade gracefully.
func NewUserHandler(users UserStore, cache ReadCache, syncTime SyncTime, metrics sync.Metrics) *UserHandler {
	if metrics == nil {
		metrics = sync.NopMetrics{}
	}
	return &UserHandler{users: users, cache: cache, syncTime: syncTime, metrics: metrics}
}

// Get handles point lookup by identifier.
// GET /api/:category/users/:identifier?registeredBefore=
func (h *UserHandler) Get(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}
	identifier, ok := identifierParam(c)
	if !ok {
		return
	}
	registeredBefore, ok := timeQuery(c, "registeredBefore")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	start := time.Now()
	h.setLastSyncHeader(c)

	// A date-filtered lookup is not the canonical answer for the key,
	// so it always bypasses the cache.
	useCache := registeredBefore == nil && h.cache != nil
	cacheKey := sync.PointLookupKey(cat, identifier)

	if useCache {
		var cached UserResponse
		if err := h.cache.Get(ctx, cacheKey, &cached); err == nil {
			h.metrics.RecordCacheHit(ctx)
			h.metrics.RecordQuery(ctx, "identifier", cat, time.Since(start))
			c.JSON(http.StatusOK, cached)
			return
		}
		h.metrics.RecordCacheMiss(ctx)
	}

	user, err := h.users.GetByIdentifier(ctx, cat, identifier, registeredBefore)
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		return
	}
	if user == nil {
		_ = c.Error(apperror.NewNotFound("user", identifier))
		return
	}

	response := toUserResponse(user)
	if useCache {
		h.cache.Set(ctx, cacheKey, response, pointLookupTTL)
	}

	h.metrics.RecordQuery(ctx, "identifier", cat, time.Since(start))
	c.JSON(http.StatusOK, response)
}

// Batch handles bulk point lookup. Results are never cached.
// POST /api/:category/users/batch
func (h *UserHandler) Batch(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	var req BatchLookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperror.NewValidation("request body must be JSON with an identifiers array"))
		return
	}
	if len(req.Identifiers) == 0 {
		_ = c.Error(apperror.NewValidation("identifiers must not be empty"))
		return
	}
	if len(req.Identifiers) > maxBatchSize {
		_ = c.Error(apperror.NewValidation("at most 1000 identifiers per request"))
		return
	}

	seen := make(map[string]struct{}, len(req.Identifiers))
	identifiers := make([]string, 0, len(req.Identifiers))
	for _, id := range req.Identifiers {
		if !identifierPattern.MatchString(id) {
			_ = c.Error(apperror.NewValidation("every identifier must be 10 or 11 digits").
				WithDetail("identifier", id))
			return
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		identifiers = append(identifiers, id)
	}

	ctx := c.Request.Context()
	start := time.Now()
	h.setLastSyncHeader(c)

	users, err := h.users.GetByIdentifiers(ctx, cat, identifiers)
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		return
	}

	found := make(map[string]struct{}, len(users))
	items := make([]UserResponse, 0, len(users))
	for i := range users {
		found[users[i].Identifier] = struct{}{}
		items = append(items, toUserResponse(&users[i]))
	}
	notFound := make([]string, 0)
	for _, id := range identifiers {
		if _, ok := found[id]; !ok {
			notFound = append(notFound, id)
		}
	}

	h.metrics.RecordQuery(ctx, "batch", cat, time.Since(start))
	c.JSON(http.StatusOK, BatchLookupResponse{
		Items:          items,
		NotFound:       notFound,
		TotalRequested: len(identifiers),
		TotalFound:     len(items),
	})
}

// Search handles title/identifier substring search. Never cached.
// GET /api/:category/users/search?q=&page=&pageSize=
func (h *UserHandler) Search(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	search := c.Query("q")
	if search == "" {
		_ = c.Error(apperror.NewValidation("q must not be empty"))
		return
	}
	if len(search) > maxSearchLength {
		_ = c.Error(apperror.NewValidation("q must be at most 200 characters"))
		return
	}

	page, pageSize, ok := pageParams(c, defaultSearchPage, maxSearchPage)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	start := time.Now()
	h.setLastSyncHeader(c)

	users, total, err := h.users.Search(ctx, cat, search, page, pageSize)
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		return
	}

	items := make([]UserResponse, 0, len(users))
	for i := range users {
		items = append(items, toUserResponse(&users[i]))
	}

	h.metrics.RecordQuery(ctx, "search", cat, time.Since(start))
	c.JSON(http.StatusOK, SearchResponse{
		Items:      items,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	})
}

func (h *UserHandler) setLastSyncHeader(c *gin.Context) {
	if h.syncTime == nil {
		return
	}
	lastSync, err := h.syncTime.LastSyncAt(c.Request.Context())
	if err != nil {
		logger.Warn(c.Request.Context(), "last sync time unavailable", "error", err)
		return
	}
	if lastSync != nil {
		c.Header(HeaderLastSyncAt, lastSync.UTC().Format(time.RFC3339))
	}
}
