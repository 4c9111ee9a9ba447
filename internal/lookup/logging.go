package lookup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"courtside-images/internal/metrics"
	"courtside-images/internal/store"
	"courtside-images/pkg/logging/logging"
)

// LoggingCache wraps a Cache with logging + metrics.
type LoggingCache struct {
	inner Cache
}

func NewLoggingCache(inner Cache) Cache {
	return &LoggingCache{inner: inner}
}

func (c *LoggingCache) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	start := time.Now()
	entry, ok, err := c.inner.Get(ctx, key)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
		metrics.LookupHitsTotal.Inc()
	}

	fields := []zap.Field{
		zap.String("cache_tier", "lookup"),
		zap.String("cache_key", key),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Warn("lookup_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("lookup_cache_get", fields...)
	}

	return entry, ok, err
}

func (c *LoggingCache) Set(ctx context.Context, key string, entry store.Entry, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, entry, ttl)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache_tier", "lookup"),
		zap.String("cache_key", key),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Warn("lookup_cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("lookup_cache_set", fields...)
	}

	return err
}

func (c *LoggingCache) Delete(ctx context.Context, key string) error {
	err := c.inner.Delete(ctx, key)
	if err != nil {
		logging.L(ctx).Warn("lookup_cache_delete",
			zap.String("cache_key", key),
			zap.Error(err),
		)
	}
	return err
}

func (c *LoggingCache) Clear(ctx context.Context) error {
	err := c.inner.Clear(ctx)
	if err != nil {
		logging.L(ctx).Warn("lookup_cache_clear", zap.Error(err))
	} else {
		logging.L(ctx).Info("lookup_cache_cleared")
	}
	return err
}
