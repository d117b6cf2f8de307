package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomkit/loom"
)

// KV implements loom.Storage backed by PostgreSQL: string keys, JSONB
// values, prefix scans over the primary key. It accepts an
// externally-owned pool, typically the same one given to Store.
type KV struct {
	pool *pgxpool.Pool
}

var _ loom.Storage = (*KV)(nil)

// NewKV creates a KV using an existing pgxpool.Pool. The caller owns
// the pool and is responsible for closing it.
func NewKV(pool *pgxpool.Pool) *KV {
	return &KV{pool: pool}
}

// Init creates the kv table.
func (s *KV) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

// Get returns one value by key.
func (s *KV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&raw)
	if err == pgx.ErrNoRows {
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
	_, err := s.pool.Exec(ctx, `INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

// Delete removes one key.
func (s *KV) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

// Has reports whether the key exists.
func (s *KV) Has(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kv WHERE key = $1`, key).Scan(&n)
	return n > 0, err
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM kv WHERE key LIKE $1 || '%' ORDER BY key ASC`, prefix)
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
	_, err := s.pool.Exec(ctx, `DELETE FROM kv`)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *KV) Close() error { return nil }
