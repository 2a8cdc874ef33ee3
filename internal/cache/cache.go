package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"endpoint", "instance"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"endpoint", "instance"},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Cache is a string key/value cache on Redis that records hit and miss
// counters per endpoint.
type Cache struct {
	client   *redis.Client
	instance string
}

func New(client *redis.Client, instance string) *Cache {
	return &Cache{client: client, instance: instance}
}

// Client exposes the underlying connection for components sharing it.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Get returns the cached value and whether it was present.
func (c *Cache) Get(ctx context.Context, key, endpoint string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		cacheMissesTotal.WithLabelValues(endpoint, c.instance).Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	cacheHitsTotal.WithLabelValues(endpoint, c.instance).Inc()
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// InvalidateByPrefix removes every key starting with prefix and returns how
// many were deleted.
func (c *Cache) InvalidateByPrefix(ctx context.Context, prefix, endpoint string) (int, error) {
	ctx, span := tracing.Tracer().Start(ctx, "InvalidateByPrefix")
	defer span.End()

	keys, err := c.keysWithPrefix(ctx, prefix)
	if err != nil {
		logger.Log.Error("Failed to get cache keys for invalidation",
			zap.String("prefix", prefix),
			zap.String("endpoint", endpoint),
			zap.String("instance", c.instance),
			zap.Error(err),
		)
		return 0, err
	}

	invalidated := 0
	for _, key := range keys {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			logger.Log.Warn("Failed to invalidate cache key",
				zap.String("key", key),
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			continue
		}
		invalidated++
	}

	logger.Log.Info("Cache invalidation completed",
		zap.String("prefix", prefix),
		zap.String("endpoint", endpoint),
		zap.String("instance", c.instance),
		zap.Int("invalidated_keys", invalidated),
	)
	return invalidated, nil
}

func (c *Cache) keysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		found, next, err := c.client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
