package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores envelopes in Redis, for caches shared between processes.
type RedisCache struct {
	client *redis.Client
	// TTL bounds how long entries live server-side. Zero means no bound;
	// freshness is the policy evaluator's job either way, the TTL only
	// keeps abandoned entries from accumulating.
	ttl time.Duration
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
