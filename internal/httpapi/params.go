package httpapi

import (
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"regsync/internal/core/apperror"
	"regsync/internal/domain/registry"
)

// identifierPattern matches the 10-digit corporate and 11-digit personal
// identifier formats. Anything else is rejected before touching storage.
var identifierPattern = regexp.MustCompile(`^\d{10,11}$`)

const (
	maxSearchLength   = 200
	defaultSearchPage = 20
	maxSearchPage     = 100

	maxBatchSize = 1000

	defaultChangesPage = 100
	maxChangesPage     = 1000
)

// categoryParam resolves the :category path segment. Unknown slugs are a
// 404: the route space is closed, not parameterized.
func categoryParam(c *gin.Context) (registry.Category, bool) {
	cat, err := registry.ParseCategory(c.Param("category"))
	if err != nil {
		_ = c.Error(apperror.NewNotFound("category", c.Param("category")))
		c.Abort()
		return 0, false
	}
	return cat, true
}

// identifierParam validates the :identifier path segment.
func identifierParam(c *gin.Context) (string, bool) {
	identifier := c.Param("identifier")
	if !identifierPattern.MatchString(identifier) {
		_ = c.Error(apperror.NewValidation("identifier must be 10 or 11 digits"))
		c.Abort()
		return "", false
	}
	return identifier, true
}

// pageParams reads 1-based page and a bounded pageSize from the query
// string.
func pageParams(c *gin.Context, defaultSize, maxSize int) (page, pageSize int, ok bool) {
	page = 1
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			_ = c.Error(apperror.NewValidation("page must be a positive integer"))
			c.Abort()
			return 0, 0, false
		}
		page = parsed
	}

	pageSize = defaultSize
	if raw := c.Query("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxSize {
			_ = c.Error(apperror.NewValidation("pageSize must be between 1 and " + strconv.Itoa(maxSize)))
			c.Abort()
			return 0, 0, false
		}
		pageSize = parsed
	}
	return page, pageSize, true
}

// timeQuery parses an optional RFC 3339 query parameter.
func timeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		_ = c.Error(apperror.NewValidation(name + " must be an RFC 3339 timestamp"))
		c.Abort()
		return nil, false
	}
	return &parsed, true
}
