package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loomkit/loom"
)

// KVOption configures a SQLite KV.
type KVOption func(*KV)

// WithKVLogger sets a structured logger for the keyed store.
func WithKVLogger(l *slog.Logger) KVOption {
	return func(s *KV) { s.logger = l }
}

// KV implements loom.Storage backed by SQLite: string keys, raw JSON
// values, prefix scans via LIKE over the primary key.
//
// Use NewKV with a shared *sql.DB from Store.DB() so all stores share
// the same serialized connection.
type KV struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.Storage = (*KV)(nil)

// NewKV creates a KV using an existing *sql.DB. Pass store.DB() to
// share the same connection as Store.
func NewKV(db *sql.DB, opts ...KVOption) *KV {
	s := &KV{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the kv table.
func (s *KV) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

// Get returns one value by key.
func (s *KV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, &loom.ValidationError{Field: "key", Message: "not found: " + key}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Set inserts or replaces one value.
func (s *KV) Set(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return &loom.ValidationError{Field: "key", Message: "must not be empty"}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	s.logger.Debug("sqlite: kv set", "key", key)
	return nil
}

// Delete removes one key.
func (s *KV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Has reports whether the key exists.
func (s *KV) Has(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key = ?`, key).Scan(&n)
	return n > 0, err
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list kv keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear removes every key.
func (s *KV) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv`)
	return err
}

// Close is a no-op; the shared *sql.DB is owned by the Store.
func (s *KV) Close() error { return nil }
