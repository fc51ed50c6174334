package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"regsync/internal/domain/registry"
	"regsync/pkg/logger"
)

const (
	downloadMaxAttempts  = 3
	downloadInitialDelay = 2 * time.Second
)

// FatalFetchError marks a download failure that retrying cannot fix
// (client-side HTTP status other than 408/429).
type FatalFetchError struct {
	URL        string
	StatusCode int
}

func (e *FatalFetchError) Error() string {
	return fmt.Sprintf("fetch %s: non-retryable status %d", e.URL, e.StatusCode)
}

// SourceFeed downloads one origin list's export to a local path.
type SourceFeed interface {
	Download(ctx context.Context, origin registry.OriginList, destinationPath string) error
}

// HTTPSourceFeed fetches origin-list exports over HTTP with bounded
// retries. Transient failures (network errors, timeouts, 5xx, 408, 429)
// back off exponentially starting at 2s; other 4xx statuses fail fast.
type HTTPSourceFeed struct {
	urls         map[registry.OriginList]string
	client       *http.Client
	initialDelay time.Duration
}

func NewHTTPSourceFeed(mailboxURL, senderURL string, timeout time.Duration) *HTTPSourceFeed {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPSourceFeed{
		urls: map[registry.OriginList]string{
			registry.OriginMailbox: mailboxURL,
			registry.OriginSender:  senderURL,
		},
		client:       &http.Client{Timeout: timeout},
		initialDelay: downloadInitialDelay,
	}
}

func (f *HTTPSourceFeed) Download(ctx context.Context, origin registry.OriginList, destinationPath string) error {
	url, ok := f.urls[origin]
	if !ok || url == "" {
		return fmt.Errorf("no source URL configured for origin list %q", origin)
	}

	var lastErr error
	for attempt := 1; attempt <= downloadMaxAttempts; attempt++ {
		lastErr = f.fetchOnce(ctx, url, destinationPath, origin)
		if lastErr == nil {
			return nil
		}

		var fatal *FatalFetchError
		if errors.As(lastErr, &fatal) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == downloadMaxAttempts {
			break
		}

		delay := f.initialDelay << (attempt - 1)
		logger.Warn(ctx, "download failed, retrying",
			"origin", string(origin), "attempt", attempt, "backoff", delay, "error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("download %s list after %d attempts: %w", origin, downloadMaxAttempts, lastErr)
}

func (f *HTTPSourceFeed) fetchOnce(ctx context.Context, url, destinationPath string, origin registry.OriginList) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("fetch %s: timeout: %w", url, err)
		}
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if retryableStatus(resp.StatusCode) {
			return fmt.Errorf("fetch %s: retryable status %d", url, resp.StatusCode)
		}
		return &FatalFetchError{URL: url, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(destinationPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destinationPath, err)
	}
	written, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destinationPath)
		return fmt.Errorf("write %s: %w", destinationPath, err)
	}

	logger.Info(ctx, "downloaded origin list",
		"origin", string(origin), "bytes", written, "path", destinationPath)
	return nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
