package httpapi

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"regsync/internal/core/apperror"
	"regsync/internal/domain/registry"
	"regsync/internal/infrastructure/archive"
	"regsync/pkg/logger"
)

// ArchiveHandler lists snapshot archives and streams their content for
// consumer bootstrap.
type ArchiveHandler struct {
	index   ArchiveStore
	storage archive.Storage
}

// NewArchiveHandler creates a new archive handler.
func NewArchiveHandler(index ArchiveStore, storage archive.Storage) *ArchiveHandler {
	return &ArchiveHandler{index: index, storage: storage}
}

// List returns the archive index for one category, newest first.
// GET /api/:category/archives
func (h *ArchiveHandler) List(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	files, err := h.index.ListByCategory(c.Request.Context(), cat)
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		return
	}

	items := make([]ArchiveResponse, 0, len(files))
	for _, f := range files {
		items = append(items, toArchiveResponse(f))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Latest streams the most recent archive for one category.
// GET /api/:category/archives/latest
func (h *ArchiveHandler) Latest(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	file, err := h.index.GetLatest(c.Request.Context(), cat)
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		return
	}
	if file == nil {
		_ = c.Error(apperror.NewNotFound("archive", cat.String()))
		return
	}
	h.stream(c, file)
}

// Download streams one archive by its bare file name. The exporter
// stores names under a "<category>/" prefix; the prefix is re-added here
// so URLs carry a single path segment. The name must exist in the index
// for the requested category; the index is the only path into blob
// storage, so names never reach the filesystem unchecked.
// GET /api/:category/archives/:fileName
func (h *ArchiveHandler) Download(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	fileName := cat.String() + "/" + c.Param("fileName")
	file, err := h.index.GetByFileName(c.Request.Context(), cat, fileName)
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		return
	}
	if file == nil {
		_ = c.Error(apperror.NewNotFound("archive", fileName))
		return
	}
	h.stream(c, file)
}

func (h *ArchiveHandler) stream(c *gin.Context, file *registry.ArchiveFile) {
	content, err := h.storage.Open(c.Request.Context(), file.FileName)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			// Index row without a blob: retention deleted the blob but
			// lost the row, or the volume is stale.
			_ = c.Error(apperror.NewNotFound("archive", file.FileName))
			return
		}
		_ = c.Error(apperror.NewInternal(err))
		return
	}
	defer content.Close()

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", `attachment; filename="`+path.Base(file.FileName)+`"`)
	c.Header("Content-Length", strconv.FormatInt(file.SizeBytes, 10))

	if _, err := io.Copy(c.Writer, content); err != nil {
		// Headers are gone; just log the broken transfer.
		logger.Warn(c.Request.Context(), "archive stream aborted",
			"file", file.FileName, "error", err)
	}
}
