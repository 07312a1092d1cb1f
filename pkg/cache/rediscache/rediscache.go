// Package rediscache is a cache.Cache backed by Redis, for deployments where
// several engine instances share decision cache entries.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/asakaida/kanshi/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint used when clearing the key prefix
const scanBatch = 500

// Config holds configuration for the Redis cache.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key. Clear only removes keys under it.
	KeyPrefix string

	// DefaultTTL is used when Set is called with a zero TTL.
	DefaultTTL time.Duration
}

// Cache implements cache.Cache on a Redis client
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	keysAdded atomic.Uint64
	errors    atomic.Uint64
}

// New connects to Redis and verifies the connection with PING
func New(ctx context.Context, cfg *Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix, cfg.DefaultTTL), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, prefix string, defaultTTL time.Duration) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    defaultTTL,
	}
}

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get retrieves a value. Backend errors are counted and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errors.Add(1)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value, true
}

// Set stores a value with the given TTL
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	c.keysAdded.Add(1)
	return nil
}

// Delete removes a value
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// Clear removes every key under the prefix. Without a prefix the whole
// database is flushed.
func (c *Cache) Clear(ctx context.Context) error {
	if c.prefix == "" {
		if err := c.client.FlushDB(ctx).Err(); err != nil {
			c.errors.Add(1)
			return fmt.Errorf("failed to flush cache: %w", err)
		}
		return nil
	}

	iter := c.client.Scan(ctx, 0, c.prefix+":*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				c.errors.Add(1)
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			c.errors.Add(1)
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

// Close closes the Redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

// Metrics returns cache statistics
func (c *Cache) Metrics() *cache.Metrics {
	return &cache.Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		KeysAdded: c.keysAdded.Load(),
		Errors:    c.errors.Load(),
	}
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ cache.Cache = (*Cache)(nil)
