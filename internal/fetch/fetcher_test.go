package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"courtside-images/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func TestFetchSuccess(t *testing.T) {
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("fake-jpeg-bytes"))
	}))
	defer srv.Close()

	f := NewFetcher(s, zaptest.NewLogger(t))

	written, err := f.Fetch(context.Background(), srv.URL+"/img.jpg", "key1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if written != int64(len("fake-jpeg-bytes")) {
		t.Fatalf("expected %d bytes written, got %d", len("fake-jpeg-bytes"), written)
	}

	size, err := s.BlobSize("key1")
	if err != nil {
		t.Fatalf("BlobSize: %v", err)
	}
	if size != written {
		t.Fatalf("blob size %d does not match bytes written %d", size, written)
	}
}

func TestFetchIdempotentShortCircuit(t *testing.T) {
	s := newTestStore(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := NewFetcher(s, zaptest.NewLogger(t))

	if _, err := f.Fetch(context.Background(), srv.URL, "key1"); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	written, err := f.Fetch(context.Background(), srv.URL, "key1")
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}

	if written != int64(len("payload")) {
		t.Fatalf("expected existing size returned, got %d", written)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one network transfer, got %d", got)
	}
}

func TestFetchNonOKStatus(t *testing.T) {
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(s, zaptest.NewLogger(t))

	_, err := f.Fetch(context.Background(), srv.URL, "key1")
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError, got %v", err)
	}

	assertNoBlobFiles(t, s, "key1")
}

func TestFetchZeroBytes(t *testing.T) {
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFetcher(s, zaptest.NewLogger(t))

	_, err := f.Fetch(context.Background(), srv.URL, "key1")
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError for empty body, got %v", err)
	}

	assertNoBlobFiles(t, s, "key1")
}

func TestFetchTimeoutDeletesPartial(t *testing.T) {
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Send a partial body, then stall past the fetcher deadline.
		_, _ = w.Write([]byte("partial"))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := NewFetcher(s, zaptest.NewLogger(t), WithTimeout(50*time.Millisecond))

	_, err := f.Fetch(context.Background(), srv.URL, "key1")
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError on timeout, got %v", err)
	}

	assertNoBlobFiles(t, s, "key1")
}

// assertNoBlobFiles checks that neither a final blob nor a leftover
// partial file exists for key.
func assertNoBlobFiles(t *testing.T, s *store.Store, key string) {
	t.Helper()

	if _, err := s.BlobSize(key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no blob for %s, got err=%v", key, err)
	}

	names, err := os.ReadDir(s.BlobDir())
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	for _, de := range names {
		if strings.HasPrefix(de.Name(), key) {
			t.Fatalf("leftover file after failed fetch: %s", filepath.Join(s.BlobDir(), de.Name()))
		}
	}
}
