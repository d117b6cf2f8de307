// Package postgres implements loom.VectorStore and loom.SnapshotStore
// using PostgreSQL with pgvector for native vector similarity search.
//
// Both stores accept an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomkit/loom"
)

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost
// of slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// Store implements loom.VectorStore backed by PostgreSQL with pgvector.
// Vector search uses an HNSW index with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

var _ loom.VectorStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWith renders the optional WITH clause for HNSW index creation.
func (s *Store) hnswWith() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, "m = "+strconv.Itoa(s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, "ef_construction = "+strconv.Itoa(s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the extension, table, and index.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			type TEXT NOT NULL,
			importance DOUBLE PRECISION DEFAULT 0,
			embedding %s,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.vectorType()),
		`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_memories_embedding
			ON memories USING hnsw (embedding vector_cosine_ops)%s`, s.hnswWith()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// vectorLiteral renders an embedding as a pgvector input literal.
func vectorLiteral(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Put inserts or replaces one memory item.
func (s *Store) Put(ctx context.Context, item loom.MemoryItem) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO memories
		(id, agent_id, scope, type, importance, embedding, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope, type = EXCLUDED.type,
			importance = EXCLUDED.importance, embedding = EXCLUDED.embedding,
			content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		item.ID, item.AgentID, item.Scope, string(item.Type), item.Importance,
		vectorLiteral(item.Embedding), item.Content, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}

// Get returns one item by id.
func (s *Store) Get(ctx context.Context, id string) (loom.MemoryItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, agent_id, scope, type, importance,
		embedding::text, content, created_at, updated_at FROM memories WHERE id = $1`, id)
	item, err := scanMemory(row)
	if err == pgx.ErrNoRows {
		return loom.MemoryItem{}, &loom.ValidationError{Field: "id", Message: "memory item not found: " + id}
	}
	return item, err
}

func scanMemory(row pgx.Row) (loom.MemoryItem, error) {
	var item loom.MemoryItem
	var typ, emb string
	if err := row.Scan(&item.ID, &item.AgentID, &item.Scope, &typ, &item.Importance,
		&emb, &item.Content, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return loom.MemoryItem{}, err
	}
	item.Type = loom.MemoryType(typ)
	if emb != "" {
		// pgvector's text form is a JSON array.
		if err := json.Unmarshal([]byte(emb), &item.Embedding); err != nil {
			return loom.MemoryItem{}, fmt.Errorf("parse embedding: %w", err)
		}
	}
	return item, nil
}

// Search returns topK items in scope by cosine similarity, computed in
// the database against the HNSW index.
func (s *Store) Search(ctx context.Context, scope string, embedding []float32, topK int) ([]loom.ScoredMemory, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, agent_id, scope, type, importance,
		embedding::text, content, created_at, updated_at,
		1 - (embedding <=> $1::vector) AS score
		FROM memories WHERE scope = $2
		ORDER BY score DESC, updated_at DESC LIMIT $3`,
		vectorLiteral(embedding), scope, topK)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var scored []loom.ScoredMemory
	for rows.Next() {
		var item loom.MemoryItem
		var typ, emb string
		var score float64
		if err := rows.Scan(&item.ID, &item.AgentID, &item.Scope, &typ, &item.Importance,
			&emb, &item.Content, &item.CreatedAt, &item.UpdatedAt, &score); err != nil {
			return nil, err
		}
		item.Type = loom.MemoryType(typ)
		if emb != "" {
			if err := json.Unmarshal([]byte(emb), &item.Embedding); err != nil {
				return nil, fmt.Errorf("parse embedding: %w", err)
			}
		}
		scored = append(scored, loom.ScoredMemory{Item: item, Score: float32(score)})
	}
	return scored, rows.Err()
}

// List returns all items in scope, most recently updated first.
func (s *Store) List(ctx context.Context, scope string) ([]loom.MemoryItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, agent_id, scope, type, importance,
		embedding::text, content, created_at, updated_at FROM memories
		WHERE scope = $1 ORDER BY updated_at DESC`, scope)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var items []loom.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes one item by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	return err
}

// Count returns how many items scope holds.
func (s *Store) Count(ctx context.Context, scope string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE scope = $1`, scope).Scan(&n)
	return n, err
}
