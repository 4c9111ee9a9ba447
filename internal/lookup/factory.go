package lookup

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend string
	TTL     time.Duration
	Prefix  string
}

// New selects the lookup cache backend. Anything other than "redis"
// gets the in-memory cache.
func New(cfg Config, redisClient *redis.Client) Cache {
	switch cfg.Backend {
	case "redis":
		return NewRedisCache(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		})
	default:
		return NewMemoryCache(cfg.TTL)
	}
}
