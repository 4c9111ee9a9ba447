package lookup

import (
	"context"
	"time"

	"courtside-images/internal/store"
)

// Cache is a read-through accelerator over the filesystem metadata
// store, keyed by cache key. It is never the source of truth: a hit
// still has to be confirmed against the blob on disk before serving,
// and the whole thing can be dropped (Clear) without losing data.
//
// Implemented by the memory cache (default) and the Redis cache.
type Cache interface {
	Get(ctx context.Context, key string) (store.Entry, bool, error)
	Set(ctx context.Context, key string, entry store.Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
