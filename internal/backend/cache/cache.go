// Package cache provides the optional read-through cache drivers.
package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

const redisTTL = 5 * time.Minute

// Disabled always misses. Selected by the "none" driver.
type Disabled struct{}

func (Disabled) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.ErrCacheMiss
}

func (Disabled) Set(ctx context.Context, key string, value []byte) error { return nil }

func (Disabled) Delete(ctx context.Context, key string) error { return nil }

// MemoryCache is a per-process LRU. Entries are invalidated on write by the
// owning node only, so stale reads are possible on other replicas; callers
// requiring freshness must bypass the cache.
type MemoryCache struct {
	entries *lru.Cache[string, []byte]
}

func NewMemoryCache(maxEntries int) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	entries, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryCache{entries: entries}, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if value, ok := c.entries.Get(key); ok {
		return value, nil
	}
	return nil, errors.ErrCacheMiss
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte) error {
	c.entries.Add(key, value)
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// RedisCache shares cached entries across all coordinator replicas.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.ErrCacheMiss
		}
		return nil, err
	}
	return value, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, key, value, redisTTL).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
