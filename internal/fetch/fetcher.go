// Package fetch downloads provider result URLs into the blob store.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"courtside-images/internal/store"
)

// DefaultTimeout is the hard deadline for one transfer. After it the
// in-flight request is aborted and the partial file removed.
const DefaultTimeout = 30 * time.Second

// DownloadError means the provider handed out a URL but the bytes could
// not be retrieved intact. The request handler converts this into a
// degraded-success response rather than a hard failure.
type DownloadError struct {
	URL     string
	Message string
	Err     error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("fetch: %s: %s", e.Message, e.URL)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Fetcher streams a remote URL into the blob store. Writes go through a
// temp file in the blob directory and are renamed into place, so a
// partially written blob is never visible under its final name.
type Fetcher struct {
	store      *store.Store
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client (for testing or special
// transports).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithTimeout overrides the per-transfer deadline.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

func NewFetcher(s *store.Store, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		store:      s,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     logger.Named("fetch"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads url into the blob slot for key and returns the bytes
// written. If a non-empty blob already exists the download is skipped
// and the existing size returned. On any failure (non-2xx, transport
// error, timeout, zero bytes) no blob file is left behind.
func (f *Fetcher) Fetch(parentCtx context.Context, url, key string) (int64, error) {
	// Idempotent short-circuit: a completed download never repeats.
	if size, err := f.store.BlobSize(key); err == nil && size > 0 {
		f.logger.Debug("blob already present, skipping download",
			zap.String("cache_key", key),
			zap.Int64("size", size),
		)
		return size, nil
	}

	ctx, cancel := context.WithTimeout(parentCtx, f.timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &DownloadError{URL: url, Message: "build request", Err: err}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, &DownloadError{URL: url, Message: "transfer failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &DownloadError{
			URL:     url,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	tmp, err := os.CreateTemp(f.store.BlobDir(), key+".part-*")
	if err != nil {
		return 0, &DownloadError{URL: url, Message: "create temp file", Err: err}
	}
	tmpName := tmp.Name()

	// Stream straight to disk so large images never sit in memory.
	written, copyErr := io.Copy(tmp, resp.Body)

	if copyErr == nil && written == 0 {
		// Provider edge case: 2xx with an empty body is a failure.
		copyErr = fmt.Errorf("zero bytes received")
	}
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		f.removeTemp(tmpName, key)
		return 0, &DownloadError{URL: url, Message: "incomplete transfer", Err: copyErr}
	}

	if err := os.Rename(tmpName, f.store.BlobPath(key)); err != nil {
		f.removeTemp(tmpName, key)
		return 0, &DownloadError{URL: url, Message: "finalize blob", Err: err}
	}

	f.logger.Info("blob stored",
		zap.String("cache_key", key),
		zap.Int64("bytes", written),
		zap.Duration("duration", time.Since(start)),
	)

	return written, nil
}

// removeTemp cleans up a failed transfer. A cleanup error is logged but
// never masks the download error reported to the caller.
func (f *Fetcher) removeTemp(tmpName, key string) {
	if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("failed to remove partial blob",
			zap.String("cache_key", key),
			zap.String("path", tmpName),
			zap.Error(err),
		)
	}
}
