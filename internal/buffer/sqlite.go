package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBuffer keeps buffer entries in a single-table SQLite file so they
// survive process restarts without an external Redis.
type SQLiteBuffer struct {
	db *sql.DB
	ns string
}

// NewSQLite opens (or creates) the database at path. Use ":memory:" for an
// ephemeral store.
func NewSQLite(namespace string, path string) (*SQLiteBuffer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("buffer: open db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("buffer: wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS buffer_entries (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("buffer: migrate: %w", err)
	}

	return &SQLiteBuffer{db: db, ns: namespace}, nil
}

func (b *SQLiteBuffer) key(k string) string {
	return b.ns + ":" + k
}

// Get returns the value stored under key, or nil if nothing is stored yet.
func (b *SQLiteBuffer) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM buffer_entries WHERE key = ?`, b.key(key)).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer key %s: %w", key, err)
	}
	return val, nil
}

// Set upserts value under key.
func (b *SQLiteBuffer) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO buffer_entries (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		b.key(key), value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write buffer key %s: %w", key, err)
	}
	return nil
}

// HealthCheck pings the database.
func (b *SQLiteBuffer) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database.
func (b *SQLiteBuffer) Close() error {
	return b.db.Close()
}
