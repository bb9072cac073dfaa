package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage implements Backend on Redis. Each key holds its history as
// a JSON string; expiry is delegated to Redis key TTLs.
type RedisStorage struct {
	client *redis.Client
}

var _ Backend = (*RedisStorage)(nil)

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(config Config) (*RedisStorage, error) {
	if config.RedisAddr == "" {
		return nil, fmt.Errorf("address is required for Redis storage")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
		PoolSize: config.RedisPoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// Get returns the timestamps stored under key.
func (rs *RedisStorage) Get(ctx context.Context, key string) ([]int64, error) {
	raw, err := rs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return unmarshalTimestamps(raw)
}

// Put replaces key's timestamps. A non-positive ttl stores the key without
// expiry.
func (rs *RedisStorage) Put(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	raw, err := marshalTimestamps(timestamps)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := rs.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}
