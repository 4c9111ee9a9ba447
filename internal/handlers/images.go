package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"courtside-images/internal/fetch"
	"courtside-images/internal/imagecache"
	"courtside-images/internal/imagegen"
	"courtside-images/internal/lookup"
	"courtside-images/internal/metrics"
	"courtside-images/internal/store"
	"courtside-images/pkg/logging/logging"
)

const (
	defaultDimension = 512
	defaultStyle     = "realistic"

	// Generated images are content-addressed, so clients may cache them
	// forever.
	blobCacheControl = "public, max-age=31536000"
)

// BlobFetcher downloads a provider URL into the blob slot for a key.
// Implemented by fetch.Fetcher.
type BlobFetcher interface {
	Fetch(ctx context.Context, url, key string) (int64, error)
}

// ImagesHandler serves the /api/images endpoints. The disk store is the
// source of truth; the lookup cache is a read-through accelerator for
// metadata. A singleflight group coalesces concurrent requests for the
// same cache key so at most one generation+download runs per key.
type ImagesHandler struct {
	Store     *store.Store
	Lookup    lookup.Cache
	LookupTTL time.Duration
	Generator imagegen.Client
	Fetcher   BlobFetcher

	group singleflight.Group
}

func NewImagesHandler(
	s *store.Store,
	l lookup.Cache,
	lookupTTL time.Duration,
	generator imagegen.Client,
	fetcher BlobFetcher,
) *ImagesHandler {
	return &ImagesHandler{
		Store:     s,
		Lookup:    l,
		LookupTTL: lookupTTL,
		Generator: generator,
		Fetcher:   fetcher,
	}
}

// outcome is the shared result of one generate flow, produced once per
// cache key and handed to every coalesced waiter.
type outcome struct {
	entry           store.Entry
	cached          bool
	fallback        bool
	fallbackMessage string
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Generate handles GET /api/images/generate.
func (h *ImagesHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	q := r.URL.Query()

	prompt := q.Get("prompt")
	if prompt == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "prompt parameter is required")
		return
	}

	width, err := parseDimension(q.Get("width"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("invalid width: %v", err))
		return
	}
	height, err := parseDimension(q.Get("height"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("invalid height: %v", err))
		return
	}

	style := q.Get("style")
	if style == "" {
		style = defaultStyle
	}
	asJSON := q.Get("format") == "json"

	width, height = imagecache.NormalizeSize(width, height)
	key := imagecache.Key(prompt, width, height, style)

	// Coalesce concurrent identical requests: the first caller for a key
	// runs the generate+download, the rest share its result.
	v, err, shared := h.group.Do(key, func() (interface{}, error) {
		return h.resolve(ctx, key, prompt, width, height, style)
	})
	if err != nil {
		var genErr *imagegen.GenerationError
		if errors.As(err, &genErr) {
			h.writeError(w, http.StatusInternalServerError, "generation_error", genErr.Error())
			return
		}
		logger.Error("generate_failed", zap.String("cache_key", key), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "image generation failed")
		return
	}
	res := v.(*outcome)

	logger.Info("cache_decision",
		zap.String("cache_key", key),
		zap.Bool("cache_hit", res.cached),
		zap.Bool("fallback", res.fallback),
		zap.Bool("coalesced", shared),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.String("style", style),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	switch {
	case res.fallback:
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"fallbackMode": true,
			"cached":       false,
			"prompt":       prompt,
			"imageUrl":     res.entry.ProviderImageURL,
			"cacheKey":     key,
			"message":      res.fallbackMessage,
		})
	case asJSON:
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"cached":   res.cached,
			"prompt":   prompt,
			"imageUrl": "/api/images/blob/" + key,
			"cacheKey": key,
		})
	default:
		h.serveBlob(w, r, key, res.cached)
	}
}

// resolve runs the miss path for one key: cache check, generation,
// metadata write, download. Runs at most once per key at a time.
func (h *ImagesHandler) resolve(ctx context.Context, key, prompt string, width, height int, style string) (*outcome, error) {
	logger := logging.L(ctx)

	if entry, ok := h.checkCache(ctx, key); ok {
		metrics.CacheHitsTotal.Inc()
		return &outcome{entry: entry, cached: true}, nil
	}

	imageURL, err := h.Generator.Generate(ctx, imagegen.Request{
		Prompt: prompt,
		Width:  width,
		Height: height,
		Style:  style,
	})
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.GenerationsTotal.WithLabelValues("ok").Inc()

	entry := store.Entry{
		CacheKey:         key,
		Prompt:           prompt,
		Width:            width,
		Height:           height,
		Style:            style,
		ProviderImageURL: imageURL,
		GeneratedAt:      time.Now().UTC(),
	}

	// Metadata goes down before the download starts so a crash
	// mid-transfer is detectable (metadata present, blob absent).
	if err := h.Store.PutEntry(entry); err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}
	if err := h.Lookup.Set(ctx, key, entry, h.LookupTTL); err != nil {
		logger.Warn("lookup_cache_set_error", zap.Error(err))
	}

	if _, err := h.Fetcher.Fetch(ctx, imageURL, key); err != nil {
		var dlErr *fetch.DownloadError
		if errors.As(err, &dlErr) {
			metrics.DownloadFailuresTotal.Inc()
			logger.Warn("download_failed_serving_fallback",
				zap.String("cache_key", key),
				zap.Error(err),
			)
			// Degraded success: hand the caller the transient provider
			// URL instead of failing the whole request.
			return &outcome{
				entry:           entry,
				fallback:        true,
				fallbackMessage: dlErr.Error(),
			}, nil
		}
		return nil, err
	}

	return &outcome{entry: entry}, nil
}

// checkCache reports whether key is servable, consulting the lookup
// accelerator before the disk store. Metadata without a non-empty blob
// is a corrupted or unfinished download and counts as a miss.
func (h *ImagesHandler) checkCache(ctx context.Context, key string) (store.Entry, bool) {
	logger := logging.L(ctx)

	if entry, ok, err := h.Lookup.Get(ctx, key); err == nil && ok {
		// The accelerator only vouches for metadata; the blob still has
		// to be confirmed on disk.
		if size, err := h.Store.BlobSize(key); err == nil && size > 0 {
			return entry, true
		}
	} else if err != nil {
		logger.Warn("lookup_cache_get_error", zap.Error(err))
	}

	entry, err := h.Store.GetEntry(key)
	if err != nil {
		return store.Entry{}, false
	}
	size, err := h.Store.BlobSize(key)
	if err != nil || size == 0 {
		return store.Entry{}, false
	}

	if err := h.Lookup.Set(ctx, key, entry, h.LookupTTL); err != nil {
		logger.Warn("lookup_cache_set_error", zap.Error(err))
	}
	return entry, true
}

// ServeBlob handles GET /api/images/blob/{cacheKey}.
func (h *ImagesHandler) ServeBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "cacheKey")

	size, err := h.Store.BlobSize(key)
	if err != nil || size == 0 {
		h.writeError(w, http.StatusNotFound, "not_found", "no image stored for this cache key")
		return
	}

	h.serveBlob(w, r, key, true)
}

// serveBlob streams the stored blob for key with cache headers.
func (h *ImagesHandler) serveBlob(w http.ResponseWriter, r *http.Request, key string, hit bool) {
	f, err := h.Store.OpenBlob(key)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "no image stored for this cache key")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", blobCacheControl)
	w.Header().Set("X-Cache-Hit", strconv.FormatBool(hit))
	w.Header().Set("X-Cache-Key", key)

	if _, err := io.Copy(w, f); err != nil {
		logging.L(r.Context()).Warn("blob_stream_error",
			zap.String("cache_key", key),
			zap.Error(err),
		)
	}
}

// GetCacheEntry handles GET /api/images/cache/{cacheKey}.
func (h *ImagesHandler) GetCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "cacheKey")

	entry, err := h.Store.GetEntry(key)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "no cache entry for this key")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to read cache entry")
		return
	}

	size, _ := h.Store.BlobSize(key)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"image":    entry,
		"servable": h.Store.Servable(key),
		"blobSize": size,
	})
}

// ListCache handles GET /api/images/cache.
func (h *ImagesHandler) ListCache(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.List()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to list cache entries")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"total":   len(entries),
		"images":  entries,
	})
}

// ClearCache handles DELETE /api/images/cache.
func (h *ImagesHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	if err := h.Lookup.Clear(ctx); err != nil {
		// Lookup layer is derived data; disk clear still proceeds.
		logger.Warn("lookup_cache_clear_error", zap.Error(err))
	}

	removed, err := h.Store.Clear()
	if err != nil {
		logger.Error("cache_clear_failed",
			zap.Int("removed", removed),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "clear_failed",
			fmt.Sprintf("cleared %d files before failing: %v", removed, err))
		return
	}

	logger.Info("cache_cleared", zap.Int("removed", removed))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("cache cleared, %d files removed", removed),
	})
}

// parseDimension parses one width/height query parameter. Absent means
// the default; present but non-numeric or non-positive is a validation
// error.
func parseDimension(raw string) (int, error) {
	if raw == "" {
		return defaultDimension, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	if v < 1 {
		return 0, fmt.Errorf("%d is not a positive integer", v)
	}
	return v, nil
}

func (h *ImagesHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *ImagesHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Error: code, Message: message})
}
