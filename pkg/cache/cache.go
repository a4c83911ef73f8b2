package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/openbracket/openbracket/pkg/observability"
	"github.com/openbracket/openbracket/pkg/storage"
)

// TTL tiers chosen per query type by the analytics service. Keys follow the
// `namespace:tenant:params` convention.
const (
	TTLRealTime = 60 * time.Second
	TTLShort    = 5 * time.Minute
	TTLMedium   = 30 * time.Minute
	TTLLong     = 1 * time.Hour
	TTLVeryLong = 24 * time.Hour
)

// Stats holds cache operation counters for the health surface.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Client is the two-tier cache: an in-process LRU (L1) in front of Redis
// (L2). Every operation fails open: a slow or unavailable backend is counted
// and logged, never surfaced to business logic as an error. Cached values are
// always recomputable from aggregates, so absence is indistinguishable from
// "never computed" by design.
type Client struct {
	redis   *redis.Client
	l1      *expirable.LRU[string, []byte]
	logger  *observability.Logger
	metrics *observability.Metrics

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64

	// Deduplicates concurrent GetOrSet computations per key within this
	// process: repeated calls before the first compute completes share one
	// result instead of stampeding the data store.
	group singleflight.Group
}

// NewClient creates a cache client from storage configuration and verifies
// the Redis connection. The client is constructed once at startup and closed
// on shutdown.
func NewClient(cfg storage.Config, logger *observability.Logger, metrics *observability.Metrics) (*Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB >= 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	l1Size := cfg.L1CacheSize
	if l1Size <= 0 {
		l1Size = 4096
	}

	return &Client{
		redis: client,
		// The L1 TTL is pinned to the shortest tier so the in-process copy
		// can never outlive the Redis entry it shadows.
		l1:      expirable.NewLRU[string, []byte](l1Size, nil, TTLRealTime),
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Get retrieves a cached value into dest. It returns false on a miss and on
// any backend error; errors are counted and logged, not propagated.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) bool {
	if data, ok := c.l1.Get(key); ok {
		if err := json.Unmarshal(data, dest); err == nil {
			c.hits.Add(1)
			c.metrics.CacheHitsTotal.WithLabelValues("l1").Inc()
			return true
		}
		c.l1.Remove(key)
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		c.metrics.CacheMissesTotal.WithLabelValues("l2").Inc()
		return false
	}
	if err != nil {
		c.countError("get", key, err)
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		// Corrupt entry: drop it and treat as a miss.
		c.redis.Del(ctx, key)
		c.countError("get", key, err)
		return false
	}

	c.l1.Add(key, data)
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.WithLabelValues("l2").Inc()
	return true
}

// Set stores a value under key with the given TTL. Failures are counted and
// logged; callers never need to handle them.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.countError("set", key, err)
		return
	}

	if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		c.countError("set", key, err)
		return
	}

	c.l1.Add(key, data)
	c.sets.Add(1)
	c.metrics.CacheSetsTotal.WithLabelValues("l2").Inc()
}

// Delete removes keys from both tiers.
func (c *Client) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.l1.Remove(key)
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.countError("delete", "", err)
	}
}

// Invalidate removes all keys matching a wildcard pattern, e.g.
// "dashboard:42:*". Enumeration uses SCAN in small batches so the store is
// never blocked. The L1 tier is purged wholesale: its entries expire within
// the shortest TTL anyway, and pattern-matching an in-process map buys
// nothing over that bound.
func (c *Client) Invalidate(ctx context.Context, pattern string) error {
	c.l1.Purge()

	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			c.countError("invalidate", iter.Val(), err)
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		c.countError("invalidate", pattern, err)
		return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
	}
	return nil
}

// MGet retrieves multiple keys in one round trip, returning the raw JSON for
// each key that was found.
func (c *Client) MGet(ctx context.Context, keys ...string) map[string]json.RawMessage {
	found := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return found
	}

	values, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		c.countError("mget", "", err)
		return found
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			c.misses.Add(1)
			c.metrics.CacheMissesTotal.WithLabelValues("l2").Inc()
			continue
		}
		found[keys[i]] = json.RawMessage(s)
		c.hits.Add(1)
		c.metrics.CacheHitsTotal.WithLabelValues("l2").Inc()
	}
	return found
}

// MSet stores multiple key/value pairs with a shared TTL using a pipeline.
func (c *Client) MSet(ctx context.Context, pairs map[string]interface{}, ttl time.Duration) {
	if len(pairs) == 0 {
		return
	}

	pipe := c.redis.Pipeline()
	for key, value := range pairs {
		data, err := json.Marshal(value)
		if err != nil {
			c.countError("mset", key, err)
			continue
		}
		pipe.Set(ctx, key, data, ttl)
		c.l1.Add(key, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.countError("mset", "", err)
		return
	}
	c.sets.Add(int64(len(pairs)))
}

// GetOrSet returns the cached value for key, computing and caching it on a
// miss. Concurrent callers for the same uncached key share a single compute
// via singleflight. Compute errors propagate; cache errors do not.
func GetOrSet[T any](ctx context.Context, c *Client, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have populated the
		// key while we waited.
		var again T
		if c.Get(ctx, key, &again) {
			return again, nil
		}

		value, err := compute(ctx)
		if err != nil {
			return value, err
		}
		c.Set(ctx, key, value, ttl)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Stats returns a snapshot of the operation counters.
func (c *Client) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Errors:  c.errors.Load(),
		HitRate: hitRate,
	}
}

// Ping checks Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}

func (c *Client) countError(op, key string, err error) {
	c.errors.Add(1)
	c.metrics.CacheErrorsTotal.WithLabelValues(op).Inc()
	c.logger.WithError(err).WithFields(map[string]interface{}{
		"operation": op,
		"key":       key,
	}).Warn("cache operation failed")
}
