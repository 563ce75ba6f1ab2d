package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ViewCache is a read-through Redis cache in front of the view lookups.
// A nil cache or a zero TTL disables caching. Redis failures degrade to a
// direct read.
type ViewCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.SugaredLogger
}

func NewViewCache(rdb *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *ViewCache {
	return &ViewCache{rdb: rdb, ttl: ttl, log: logger}
}

func (c *ViewCache) enabled() bool { return c != nil && c.rdb != nil && c.ttl > 0 }

// Cached returns the value stored under key or loads, stores and returns it.
// Load errors (including ErrNotFound) are never cached.
func Cached[T any](ctx context.Context, c *ViewCache, key string, load func(context.Context) (*T, error)) (*T, error) {
	if !c.enabled() {
		return load(ctx)
	}

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if uerr := json.Unmarshal(raw, &v); uerr == nil {
			return &v, nil
		}
		c.log.Warnw("cache entry unreadable", "key", key)
	case !errors.Is(err, redis.Nil):
		c.log.Warnw("cache get failed", "key", key, "error", err)
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := c.rdb.Set(ctx, key, string(data), c.ttl).Err(); err != nil {
		c.log.Warnw("cache set failed", "key", key, "error", err)
	}
	return v, nil
}
