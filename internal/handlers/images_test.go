package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"courtside-images/internal/fetch"
	"courtside-images/internal/imagecache"
	"courtside-images/internal/imagegen"
	"courtside-images/internal/lookup"
	"courtside-images/internal/store"
)

type mockGenerator struct {
	mu    sync.Mutex
	calls int
	url   string
	err   error
	delay time.Duration
}

func (m *mockGenerator) Generate(ctx context.Context, req imagegen.Request) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", &imagegen.GenerationError{Message: "cancelled", Err: ctx.Err()}
		}
	}

	if m.err != nil {
		return "", m.err
	}
	return m.url, nil
}

func (m *mockGenerator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type testEnv struct {
	handler *ImagesHandler
	store   *store.Store
	gen     *mockGenerator
}

// newTestEnv wires a handler over a temp-dir store, a memory lookup
// cache, a mock generator pointing at imageSrv, and the real fetcher.
func newTestEnv(t *testing.T, imageSrv *httptest.Server) *testEnv {
	t.Helper()

	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	mem := lookup.NewMemoryCache(time.Minute)
	t.Cleanup(func() { mem.Close() })

	gen := &mockGenerator{}
	if imageSrv != nil {
		gen.url = imageSrv.URL + "/result.jpg"
	}

	fetcher := fetch.NewFetcher(s, zaptest.NewLogger(t))

	h := NewImagesHandler(s, mem, time.Minute, gen, fetcher)
	return &testEnv{handler: h, store: s, gen: gen}
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("fake-jpeg-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestRouter mounts the handler the way the real router does, so
// URL params resolve in tests.
func newTestRouter(env *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/images/generate", env.handler.Generate)
	r.Get("/api/images/blob/{cacheKey}", env.handler.ServeBlob)
	r.Get("/api/images/cache", env.handler.ListCache)
	r.Get("/api/images/cache/{cacheKey}", env.handler.GetCacheEntry)
	r.Delete("/api/images/cache", env.handler.ClearCache)
	return r
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func doGenerate(t *testing.T, env *testEnv, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	env.handler.Generate(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestGenerateMissingPrompt(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := doGenerate(t, env, "/api/images/generate")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["error"] != "validation_error" {
		t.Fatalf("expected validation_error, got %v", body["error"])
	}
	if env.gen.callCount() != 0 {
		t.Fatalf("validation failure must not call the provider")
	}
}

func TestGenerateInvalidDimensions(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, target := range []string{
		"/api/images/generate?prompt=x&width=abc",
		"/api/images/generate?prompt=x&height=abc",
		"/api/images/generate?prompt=x&width=0",
		"/api/images/generate?prompt=x&height=-5",
	} {
		rr := doGenerate(t, env, target)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestGenerateColdCacheJSON(t *testing.T) {
	// Scenario: cold cache, format=json, dimensions below the minimum.
	env := newTestEnv(t, newImageServer(t))

	rr := doGenerate(t, env, "/api/images/generate?prompt=red+ball&width=100&height=100&format=json")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeJSON(t, rr)
	if body["success"] != true || body["cached"] != false {
		t.Fatalf("expected fresh generation, got %v", body)
	}
	if body["imageUrl"] == "" {
		t.Fatalf("expected imageUrl in response")
	}
	if env.gen.callCount() != 1 {
		t.Fatalf("expected exactly one provider call, got %d", env.gen.callCount())
	}

	key, _ := body["cacheKey"].(string)
	wantKey := imagecache.Key("red ball", 128, 128, "realistic")
	if key != wantKey {
		t.Fatalf("expected key for normalized 128x128 dims, got %s", key)
	}

	entry, err := env.store.GetEntry(key)
	if err != nil {
		t.Fatalf("metadata not persisted: %v", err)
	}
	if entry.Width != 128 || entry.Height != 128 {
		t.Fatalf("expected normalized dims persisted, got %dx%d", entry.Width, entry.Height)
	}

	size, err := env.store.BlobSize(key)
	if err != nil || size == 0 {
		t.Fatalf("expected non-empty blob, size=%d err=%v", size, err)
	}
}

func TestGenerateRepeatIsCacheHit(t *testing.T) {
	env := newTestEnv(t, newImageServer(t))

	target := "/api/images/generate?prompt=red+ball&width=100&height=100&format=json"

	first := doGenerate(t, env, target)
	if first.Code != http.StatusOK {
		t.Fatalf("first request failed: %d", first.Code)
	}

	second := doGenerate(t, env, target)
	if second.Code != http.StatusOK {
		t.Fatalf("second request failed: %d", second.Code)
	}
	body := decodeJSON(t, second)
	if body["cached"] != true {
		t.Fatalf("expected cached:true on repeat, got %v", body)
	}
	if env.gen.callCount() != 1 {
		t.Fatalf("cache hit must not call the provider again, got %d calls", env.gen.callCount())
	}
}

func TestGenerateBucketedDimensionsShareEntry(t *testing.T) {
	env := newTestEnv(t, newImageServer(t))

	// 100 and 120 both normalize to 128, so they share a cache entry.
	doGenerate(t, env, "/api/images/generate?prompt=net&width=100&height=100")
	rr := doGenerate(t, env, "/api/images/generate?prompt=net&width=120&height=120")

	if rr.Header().Get("X-Cache-Hit") != "true" {
		t.Fatalf("expected hit for same 64px bucket, got X-Cache-Hit=%s", rr.Header().Get("X-Cache-Hit"))
	}
	if env.gen.callCount() != 1 {
		t.Fatalf("expected one provider call for bucketed dims, got %d", env.gen.callCount())
	}
}

func TestGenerateBlobResponse(t *testing.T) {
	env := newTestEnv(t, newImageServer(t))

	rr := doGenerate(t, env, "/api/images/generate?prompt=court&width=512&height=512")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %s", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "public, max-age=31536000" {
		t.Fatalf("unexpected Cache-Control: %s", cc)
	}
	if rr.Header().Get("X-Cache-Hit") != "false" {
		t.Fatalf("first request should be a miss")
	}
	if rr.Header().Get("X-Cache-Key") == "" {
		t.Fatalf("expected X-Cache-Key header")
	}
	if rr.Body.String() != "fake-jpeg-bytes" {
		t.Fatalf("expected blob bytes, got %q", rr.Body.String())
	}
}

func TestGenerateProviderFailure(t *testing.T) {
	// Scenario: provider fails, nothing persisted, request 500s.
	env := newTestEnv(t, nil)
	env.gen.err = &imagegen.GenerationError{Status: 502, Message: "backend down"}

	rr := doGenerate(t, env, "/api/images/generate?prompt=red+ball&format=json")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["error"] != "generation_error" {
		t.Fatalf("expected generation_error, got %v", body["error"])
	}

	entries, err := env.store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("provider failure must persist nothing, got %d entries", len(entries))
	}
}

func TestGenerateDownloadFailureFallback(t *testing.T) {
	// Scenario: generation succeeds but the download fails. The request
	// still succeeds, carrying the transient provider URL, and the next
	// identical request retries from scratch.
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(failSrv.Close)

	env := newTestEnv(t, failSrv)

	rr := doGenerate(t, env, "/api/images/generate?prompt=red+ball&format=json")
	if rr.Code != http.StatusOK {
		t.Fatalf("download failure must degrade, not fail: got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["fallbackMode"] != true {
		t.Fatalf("expected fallbackMode:true, got %v", body)
	}
	if body["imageUrl"] != env.gen.url {
		t.Fatalf("fallback must carry the provider URL, got %v", body["imageUrl"])
	}
	if msg, _ := body["message"].(string); msg == "" {
		t.Fatalf("expected download error message in fallback body")
	}

	key := imagecache.Key("red ball", 512, 512, "realistic")
	if _, err := env.store.BlobSize(key); err == nil {
		t.Fatalf("no blob may exist after a failed download")
	}

	// Retried from scratch: a second request generates again.
	rr2 := doGenerate(t, env, "/api/images/generate?prompt=red+ball&format=json")
	if rr2.Code != http.StatusOK {
		t.Fatalf("retry failed: %d", rr2.Code)
	}
	if env.gen.callCount() != 2 {
		t.Fatalf("fallback result must not be cached, expected 2 provider calls, got %d", env.gen.callCount())
	}
}

func TestGenerateSingleflight(t *testing.T) {
	env := newTestEnv(t, newImageServer(t))
	env.gen.delay = 100 * time.Millisecond

	const concurrency = 5
	var wg sync.WaitGroup
	codes := make([]int, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := doGenerate(t, env, "/api/images/generate?prompt=rally&format=json")
			codes[i] = rr.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("request %d got status %d", i, code)
		}
	}
	if got := env.gen.callCount(); got != 1 {
		t.Fatalf("concurrent identical requests must coalesce to one provider call, got %d", got)
	}
}

func TestServeBlobNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	router := newTestRouter(env)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/blob/deadbeef", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", rr.Code)
	}
}

func TestServeBlobNeverServesZeroBytes(t *testing.T) {
	env := newTestEnv(t, nil)

	// Simulate a corrupted entry: metadata present, blob zero bytes.
	key := "cafebabe"
	if err := env.store.PutEntry(store.Entry{CacheKey: key, GeneratedAt: time.Now()}); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}
	if err := writeFile(env.store.BlobPath(key), nil); err != nil {
		t.Fatalf("write zero-byte blob: %v", err)
	}

	router := newTestRouter(env)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/blob/"+key, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("zero-byte blob must 404, got %d", rr.Code)
	}
}

func TestCacheListAndClear(t *testing.T) {
	env := newTestEnv(t, newImageServer(t))
	router := newTestRouter(env)

	doGenerate(t, env, "/api/images/generate?prompt=one")
	doGenerate(t, env, "/api/images/generate?prompt=two")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/cache", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["total"] != float64(2) {
		t.Fatalf("expected 2 cached images, got %v", body["total"])
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/images/cache", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("clear failed: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/cache", nil))
	body = decodeJSON(t, rr)
	if body["total"] != float64(0) {
		t.Fatalf("expected empty cache after clear, got %v", body["total"])
	}

	// The lookup accelerator must not resurrect cleared entries.
	rr2 := doGenerate(t, env, "/api/images/generate?prompt=one&format=json")
	if decodeJSON(t, rr2)["cached"] != false {
		t.Fatalf("cleared entry must be a miss")
	}
}

func TestGetCacheEntry(t *testing.T) {
	env := newTestEnv(t, newImageServer(t))
	router := newTestRouter(env)

	rr := doGenerate(t, env, "/api/images/generate?prompt=drop+shot&format=json")
	key, _ := decodeJSON(t, rr)["cacheKey"].(string)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images/cache/"+key, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["servable"] != true {
		t.Fatalf("expected servable entry, got %v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images/cache/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", rec.Code)
	}
}
