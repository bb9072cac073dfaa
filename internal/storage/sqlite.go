package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rate_history (
	key        TEXT PRIMARY KEY,
	timestamps TEXT    NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS rate_history_expires_at ON rate_history (expires_at);
`

// SQLiteStorage implements Backend on an embedded SQLite database. Histories
// are stored as JSON text; expires_at is a unix timestamp, 0 for none.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

var _ Backend = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens the database and creates the schema if needed.
func NewSQLiteStorage(config Config) (*SQLiteStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Get returns the timestamps stored under key.
func (ss *SQLiteStorage) Get(ctx context.Context, key string) ([]int64, error) {
	var (
		raw       string
		expiresAt int64
	)
	err := ss.db.QueryRowContext(ctx,
		`SELECT timestamps, expires_at FROM rate_history WHERE key = ?`, key,
	).Scan(&raw, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	if expiresAt != 0 && expiresAt <= ss.now().Unix() {
		return nil, ErrNotFound
	}

	return unmarshalTimestamps(raw)
}

// Put upserts key's timestamps and deletes expired rows.
func (ss *SQLiteStorage) Put(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	raw, err := marshalTimestamps(timestamps)
	if err != nil {
		return err
	}

	now := ss.now()
	var expiresAt int64
	if exp := expiryFor(now, ttl); !exp.IsZero() {
		expiresAt = exp.Unix()
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_history WHERE expires_at != 0 AND expires_at <= ?`, now.Unix(),
	); err != nil {
		return fmt.Errorf("failed to delete expired histories: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_history (key, timestamps, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET timestamps = excluded.timestamps, expires_at = excluded.expires_at`,
		key, raw, expiresAt,
	); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}

	return tx.Commit()
}

// Ping checks the database connection.
func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}
