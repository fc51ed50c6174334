// Package archive stores snapshot export blobs. The index rows live in
// Postgres; this package only handles file content.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"regsync/pkg/logger"
)

// ErrNotFound is returned when a requested archive blob does not exist.
var ErrNotFound = errors.New("archive file not found")

// Storage persists and serves archive blobs by relative file name.
type Storage interface {
	Save(ctx context.Context, fileName string, content io.Reader) (int64, error)
	Open(ctx context.Context, fileName string) (io.ReadCloser, error)
	Delete(ctx context.Context, fileName string) error
}

// FilesystemStorage keeps archives under a base directory, typically a
// mounted volume. File names are relative paths; anything escaping the
// base directory is rejected.
type FilesystemStorage struct {
	basePath string
}

func NewFilesystemStorage(basePath string) (*FilesystemStorage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve archive base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create archive base path: %w", err)
	}
	return &FilesystemStorage{basePath: abs}, nil
}

func (s *FilesystemStorage) Save(ctx context.Context, fileName string, content io.Reader) (int64, error) {
	path, err := s.safePath(fileName)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create archive directory: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	written, err := io.Copy(out, content)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("write archive file: %w", err)
	}

	logger.Info(ctx, "archive file saved", "file", fileName, "bytes", written)
	return written, nil
}

func (s *FilesystemStorage) Open(_ context.Context, fileName string) (io.ReadCloser, error) {
	path, err := s.safePath(fileName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FilesystemStorage) Delete(ctx context.Context, fileName string) error {
	path, err := s.safePath(fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	logger.Info(ctx, "archive file deleted", "file", fileName)
	return nil
}

// Ping reports whether the base directory is still present and usable.
// The directory typically sits on a mounted volume that can disappear.
func (s *FilesystemStorage) Ping(_ context.Context) error {
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("archive storage unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive storage path %s is not a directory", s.basePath)
	}
	return nil
}

func (s *FilesystemStorage) safePath(fileName string) (string, error) {
	full := filepath.Join(s.basePath, filepath.FromSlash(fileName))
	if full != s.basePath && !strings.HasPrefix(full, s.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive file name %q escapes storage root", fileName)
	}
	return full, nil
}
