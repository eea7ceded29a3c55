package aggregate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fiberstack/fiber/internal/model"
)

const (
	cacheNamespace      = "fiberstack:cache:dashboard"
	invalidationChannel = "fiberstack:cache:invalidate"

	scanBatch = 100
)

// Cache TTL classes per dashboard endpoint family.
const (
	TTLRealtime  = 10 * time.Second
	TTLNodeTrend = 30 * time.Second
	TTLCluster   = 60 * time.Second
)

// CacheKey derives the deterministic namespaced key for a query. Params
// marshal with sorted keys, so equivalent queries collide on purpose.
func CacheKey(prefix string, params map[string]any) string {
	b, _ := json.Marshal(params)
	sum := md5.Sum(b)
	return cacheNamespace + ":" + prefix + ":" + hex.EncodeToString(sum[:])[:12]
}

// cacheEntry is the stored envelope. CachedAt lets readers reject entries
// that outlived the freshness horizon even if Redis kept them around.
type cacheEntry struct {
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cached_at"`
}

// Cache is the shared dashboard read cache. Reads and writes are best
// effort: any Redis or codec error degrades to a miss, never to a request
// failure.
type Cache struct {
	rdb  redis.UniversalClient
	log  *slog.Logger
	hits atomic.Int64
	miss atomic.Int64
}

// NewCache creates the dashboard cache on rdb.
func NewCache(rdb redis.UniversalClient, log *slog.Logger) *Cache {
	return &Cache{rdb: rdb, log: log}
}

// GetInto loads key and decodes the cached payload into dst. Returns false
// on miss, on an entry older than twice its TTL, and on any error.
func (c *Cache) GetInto(ctx context.Context, key string, ttl time.Duration, dst any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache: get failed", "key", key, "error", err)
		}
		c.miss.Add(1)
		return false
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.Warn("cache: corrupt entry", "key", key, "error", err)
		c.miss.Add(1)
		return false
	}
	if age := time.Since(entry.CachedAt); age > 2*ttl {
		c.log.Debug("cache: stale entry", "key", key, "age", age)
		c.miss.Add(1)
		return false
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		c.log.Warn("cache: decode payload", "key", key, "error", err)
		c.miss.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

// Set stores value under key for ttl. Failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache: encode payload", "key", key, "error", err)
		return
	}
	payload, err := json.Marshal(cacheEntry{Data: data, CachedAt: time.Now().UTC()})
	if err != nil {
		c.log.Warn("cache: encode entry", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.log.Warn("cache: set failed", "key", key, "error", err)
	}
}

// Invalidate publishes pattern on the invalidation channel and deletes
// matching keys locally. Returns the local delete count.
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	if err := c.rdb.Publish(ctx, invalidationChannel, pattern).Err(); err != nil {
		c.log.Warn("cache: publish invalidation", "pattern", pattern, "error", err)
	}
	deleted := c.deleteMatching(ctx, pattern)
	c.log.Info("cache: invalidated", "pattern", pattern, "deleted", deleted)
	return deleted
}

// InvalidateOnIngest busts every family a fresh sample can affect.
func (c *Cache) InvalidateOnIngest(ctx context.Context, nodeID string) {
	patterns := []string{
		"cluster:*",
		"regional:*",
		"node:" + nodeID + ":*",
		"aggregated:*",
	}
	for _, p := range patterns {
		c.Invalidate(ctx, p)
	}
}

// SubscribeInvalidations consumes patterns published by other replicas and
// deletes the matching local keys. Blocks until ctx is cancelled.
func (c *Cache) SubscribeInvalidations(ctx context.Context) error {
	sub := c.rdb.Subscribe(ctx, invalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("aggregate: invalidation subscription closed")
			}
			c.deleteMatching(ctx, msg.Payload)
		}
	}
}

func (c *Cache) deleteMatching(ctx context.Context, pattern string) int {
	full := cacheNamespace + ":" + pattern
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, full, scanBatch).Result()
		if err != nil {
			c.log.Warn("cache: scan failed", "pattern", pattern, "error", err)
			return deleted
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.log.Warn("cache: delete failed", "pattern", pattern, "error", err)
				return deleted
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

// Stats counts the namespace keys and reports the in-process hit/miss
// counters.
func (c *Cache) Stats(ctx context.Context) (model.CacheStatsResponse, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, cacheNamespace+":*", 1000).Result()
		if err != nil {
			return model.CacheStatsResponse{}, fmt.Errorf("aggregate: cache stats: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return model.CacheStatsResponse{
		Namespace: cacheNamespace,
		KeyCount:  count,
		Hits:      c.hits.Load(),
		Misses:    c.miss.Load(),
	}, nil
}
