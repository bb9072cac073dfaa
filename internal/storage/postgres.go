package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rate_history (
	key        TEXT PRIMARY KEY,
	timestamps BIGINT[] NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS rate_history_expires_at ON rate_history (expires_at);
`

// PostgresStorage implements Backend on PostgreSQL, sharing histories
// between every instance that points at the same database.
type PostgresStorage struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Backend = (*PostgresStorage)(nil)

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(config Config) (*PostgresStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(config.MaxIdleConns, int(poolConfig.MaxConns)))
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}
	if config.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStorage{pool: pool, now: time.Now}, nil
}

// Get returns the timestamps stored under key.
func (ps *PostgresStorage) Get(ctx context.Context, key string) ([]int64, error) {
	var (
		timestamps []int64
		expiresAt  pgtype.Timestamptz
	)
	err := ps.pool.QueryRow(ctx,
		`SELECT timestamps, expires_at FROM rate_history WHERE key = $1`, key,
	).Scan(&timestamps, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	if expiresAt.Valid && !ps.now().Before(expiresAt.Time) {
		return nil, ErrNotFound
	}
	if timestamps == nil {
		timestamps = []int64{}
	}
	return timestamps, nil
}

// Put upserts key's timestamps and deletes expired rows.
func (ps *PostgresStorage) Put(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	if timestamps == nil {
		timestamps = []int64{}
	}
	now := ps.now()

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM rate_history WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	batch.Queue(`
		INSERT INTO rate_history (key, timestamps, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET timestamps = EXCLUDED.timestamps, expires_at = EXCLUDED.expires_at`,
		key, timestamps, timeToPgTimestamptz(expiryFor(now, ttl)),
	)

	if err := ps.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

// timeToPgTimestamptz maps the zero time to SQL NULL.
func timeToPgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
