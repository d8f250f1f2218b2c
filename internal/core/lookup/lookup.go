// Package lookup caches the responses of on-demand external lookups, such as
// the activity shown by /recent, so repeated commands do not spend the
// source's rate limit. Tracking polls never go through it.
package lookup

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/beaconbot/beacon/internal/metrics"
	"github.com/beaconbot/beacon/internal/observability"
)

// KindActivity is the lookup kind of a resource's current activity.
const KindActivity = "activity"

// Store persists cached lookup bodies.
type Store interface {
	GetCachedLookup(ctx context.Context, kind, key string) ([]byte, error)
	SetCachedLookup(ctx context.Context, kind, key string, body []byte, ttl time.Duration) error
}

// Cache serves lookups from Store while they are fresh. Concurrent misses of
// the same key share one fetch.
type Cache struct {
	store  Store
	ttls   map[string]time.Duration
	logger observability.Logger
	group  singleflight.Group
}

// New returns a cache keeping each kind for its ttl. Kinds without a positive
// ttl are always fetched.
func New(store Store, ttls map[string]time.Duration, logger observability.Logger) *Cache {
	return &Cache{store: store, ttls: ttls, logger: observability.OrNop(logger)}
}

func (c *Cache) ttl(kind string) time.Duration {
	if c == nil || c.store == nil {
		return 0
	}
	return c.ttls[kind]
}

// Get returns the cached value of (kind, key), calling fetch on a miss and
// caching its result. Store failures are logged and fall back to fetch;
// fetch errors are never cached.
func Get[T any](ctx context.Context, c *Cache, kind, key string, fetch func(context.Context) (T, error)) (T, error) {
	ttl := c.ttl(kind)
	if ttl <= 0 {
		metrics.RecordLookup(kind, "uncached")
		return fetch(ctx)
	}

	if value, ok := c.load(ctx, kind, key, new(T)); ok {
		metrics.RecordLookup(kind, "hit")
		return *value.(*T), nil
	}
	metrics.RecordLookup(kind, "miss")

	v, err, _ := c.group.Do(kind+"\x00"+key, func() (any, error) {
		value, err := fetch(ctx)
		if err != nil {
			return value, err
		}
		c.save(ctx, kind, key, value, ttl)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *Cache) load(ctx context.Context, kind, key string, into any) (any, bool) {
	body, err := c.store.GetCachedLookup(ctx, kind, key)
	if err != nil {
		c.logger.Warn("Failed to read lookup cache",
			zap.String("kind", kind), zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if len(body) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(body, into); err != nil {
		c.logger.Warn("Discarding undecodable lookup cache entry",
			zap.String("kind", kind), zap.String("key", key), zap.Error(err))
		return nil, false
	}
	c.logger.Debug("Found lookup in cache",
		zap.String("kind", kind), zap.String("key", key), zap.Int("bytes", len(body)))
	return into, true
}

func (c *Cache) save(ctx context.Context, kind, key string, value any, ttl time.Duration) {
	body, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Failed to encode lookup", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := c.store.SetCachedLookup(context.WithoutCancel(ctx), kind, key, body, ttl); err != nil {
		c.logger.Warn("Failed to insert lookup into cache",
			zap.String("kind", kind), zap.String("key", key), zap.Error(err))
	}
}
