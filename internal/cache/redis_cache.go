// Package cache provides the redis-backed entity cache and the shared
// outbound request limiter handed to connectors.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tributary-io/tributary/pkg/domain"
)

// DefaultEntityTTL is the TTL connectors use for cached sub-entities such as
// resolved comment authors.
const DefaultEntityTTL = 7 * 24 * time.Hour

// RedisCache implements domain.Cache on one redis namespace. Keys are
// prefixed with the cache name so tenant-scoped, integration-scoped and
// global caches can share a redis instance.
type RedisCache struct {
	name   string
	client redis.UniversalClient
}

func NewRedisCache(name string, client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		name:   name,
		client: client,
	}
}

func (c *RedisCache) key(key string) string {
	return fmt.Sprintf("cache_%s:%s", c.name, key)
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cache key %s: %w", key, err)
	}

	return value, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}

	return nil
}

func (c *RedisCache) Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	actualKey := c.key(key)

	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, actualKey, by)
	if ttl > 0 {
		pipe.Expire(ctx, actualKey, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment cache key %s: %w", key, err)
	}

	return incr.Val(), nil
}
