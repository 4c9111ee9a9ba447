package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Entry is the durable metadata record for one generated image. Written
// once when generation succeeds, never mutated afterwards.
type Entry struct {
	CacheKey         string    `json:"cacheKey"`
	Prompt           string    `json:"prompt"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Style            string    `json:"style"`
	ProviderImageURL string    `json:"providerImageUrl"`
	GeneratedAt      time.Time `json:"generatedAt"`
}

// ErrNotFound is returned when no record exists for a cache key.
var ErrNotFound = errors.New("store: not found")

// Store persists entry metadata and image blobs as loose files under a
// single data directory: meta/<key>.json and blobs/<key>.jpg. The
// filesystem is the source of truth; any in-process caching sits above
// this layer.
type Store struct {
	metaDir string
	blobDir string
}

func New(dataDir string) (*Store, error) {
	s := &Store{
		metaDir: filepath.Join(dataDir, "meta"),
		blobDir: filepath.Join(dataDir, "blobs"),
	}
	for _, dir := range []string{s.metaDir, s.blobDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.metaDir, key+".json")
}

// BlobPath returns where the blob for key lives (or would live).
func (s *Store) BlobPath(key string) string {
	return filepath.Join(s.blobDir, key+".jpg")
}

// BlobDir returns the directory blobs are written into. The fetcher
// stages temp files here so the final rename stays on one filesystem.
func (s *Store) BlobDir() string {
	return s.blobDir
}

// PutEntry writes the metadata record for key. Called as soon as
// generation succeeds, before the blob download starts, so a crash
// mid-download is detectable (metadata present, blob absent).
func (s *Store) PutEntry(entry Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal entry %s: %w", entry.CacheKey, err)
	}
	if err := os.WriteFile(s.metaPath(entry.CacheKey), data, 0o644); err != nil {
		return fmt.Errorf("store: write entry %s: %w", entry.CacheKey, err)
	}
	return nil
}

// GetEntry reads the metadata record for key, or ErrNotFound.
func (s *Store) GetEntry(key string) (Entry, error) {
	data, err := os.ReadFile(s.metaPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("store: read entry %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("store: decode entry %s: %w", key, err)
	}
	return entry, nil
}

// BlobSize returns the on-disk size of the blob for key, or ErrNotFound
// if no blob file exists.
func (s *Store) BlobSize(key string) (int64, error) {
	info, err := os.Stat(s.BlobPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: stat blob %s: %w", key, err)
	}
	return info.Size(), nil
}

// OpenBlob opens the blob for key for reading. The caller closes it.
func (s *Store) OpenBlob(key string) (*os.File, error) {
	f, err := os.Open(s.BlobPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: open blob %s: %w", key, err)
	}
	return f, nil
}

// RemoveBlob deletes the blob file for key. Missing files are not an
// error; the partial-download cleanup path calls this unconditionally.
func (s *Store) RemoveBlob(key string) error {
	err := os.Remove(s.BlobPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: remove blob %s: %w", key, err)
	}
	return nil
}

// Servable reports whether key can be served from cache: metadata must
// exist and the blob must exist with size strictly greater than zero.
// Metadata alone is a crashed or failed download, treated as a miss.
func (s *Store) Servable(key string) bool {
	if _, err := s.GetEntry(key); err != nil {
		return false
	}
	size, err := s.BlobSize(key)
	return err == nil && size > 0
}

// List returns all metadata entries, newest first. Records that fail to
// decode are skipped rather than failing the whole listing.
func (s *Store) List() ([]Entry, error) {
	names, err := os.ReadDir(s.metaDir)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}

	entries := make([]Entry, 0, len(names))
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(de.Name(), ".json")
		entry, err := s.GetEntry(key)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].GeneratedAt.After(entries[j].GeneratedAt)
	})
	return entries, nil
}

// Clear deletes all metadata records and all blobs. Deletions are
// independent: one failure does not stop the rest, and all failures are
// reported together.
func (s *Store) Clear() (int, error) {
	var errs error
	removed := 0

	for _, dir := range []string{s.metaDir, s.blobDir} {
		names, err := os.ReadDir(dir)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("store: clear %s: %w", dir, err))
			continue
		}
		for _, de := range names {
			if de.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, de.Name())); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("store: clear %s: %w", de.Name(), err))
				continue
			}
			removed++
		}
	}
	return removed, errs
}
