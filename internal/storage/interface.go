package storage

import (
	"context"
	"time"
)

// Backend persists rate limit histories: one ordered list of epoch-second
// timestamps per key. Implementations must be safe for concurrent use.
// They do not interpret the timestamps; pruning belongs to the caller.
type Backend interface {
	// Get returns the timestamps stored under key, or ErrNotFound when the
	// key is absent or has expired.
	Get(ctx context.Context, key string) ([]int64, error)

	// Put replaces the timestamps stored under key. A positive ttl makes
	// the entry expire that long after the write.
	Put(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases connections and other resources.
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (memory, json, sqlite, postgres, redis)
	Type string `json:"type" yaml:"type"`

	// Path is used for file-based storage backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// Connection pool limits for database backends
	MaxOpenConns    int           `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time,omitempty" yaml:"conn_max_idle_time,omitempty"`

	// Redis connection settings
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"-" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisPoolSize int    `json:"redis_pool_size,omitempty" yaml:"redis_pool_size,omitempty"`
}
