// Package sqlite implements loom.VectorStore and loom.SnapshotStore
// using pure-Go SQLite with in-process brute-force vector search.
// Zero CGO required. Store holds memories; SnapshotStore shares the
// same serialized connection via Store.DB().
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loomkit/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.VectorStore backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.VectorStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB exposes the underlying handle so callers can share the serialized
// connection.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			type TEXT NOT NULL,
			importance REAL DEFAULT 0,
			embedding TEXT,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "elapsed", time.Since(start))
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// --- loom.VectorStore ---

// Put inserts or replaces one memory item.
func (s *Store) Put(ctx context.Context, item loom.MemoryItem) error {
	emb, err := json.Marshal(item.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO memories
		(id, agent_id, scope, type, importance, embedding, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.AgentID, item.Scope, string(item.Type), item.Importance,
		string(emb), item.Content, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	s.logger.Debug("sqlite: memory put", "id", item.ID, "scope", item.Scope)
	return nil
}

// Get returns one item by id.
func (s *Store) Get(ctx context.Context, id string) (loom.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, agent_id, scope, type, importance,
		embedding, content, created_at, updated_at FROM memories WHERE id = ?`, id)
	item, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return loom.MemoryItem{}, &loom.ValidationError{Field: "id", Message: "memory item not found: " + id}
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (loom.MemoryItem, error) {
	var item loom.MemoryItem
	var typ, emb string
	if err := row.Scan(&item.ID, &item.AgentID, &item.Scope, &typ, &item.Importance,
		&emb, &item.Content, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return loom.MemoryItem{}, err
	}
	item.Type = loom.MemoryType(typ)
	if emb != "" {
		if err := json.Unmarshal([]byte(emb), &item.Embedding); err != nil {
			return loom.MemoryItem{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return item, nil
}

// Search returns up to topK items in scope ranked by cosine similarity.
// All rows in scope are loaded and scored in-process.
func (s *Store) Search(ctx context.Context, scope string, embedding []float32, topK int) ([]loom.ScoredMemory, error) {
	start := time.Now()
	items, err := s.List(ctx, scope)
	if err != nil {
		return nil, err
	}

	scored := make([]loom.ScoredMemory, 0, len(items))
	for _, item := range items {
		scored = append(scored, loom.ScoredMemory{
			Item:  item,
			Score: loom.CosineSimilarity(embedding, item.Embedding),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Item.UpdatedAt > scored[j].Item.UpdatedAt
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	s.logger.Debug("sqlite: memory search", "scope", scope,
		"candidates", len(items), "returned", len(scored), "elapsed", time.Since(start))
	return scored, nil
}

// List returns all items in scope, most recently updated first.
func (s *Store) List(ctx context.Context, scope string) ([]loom.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, scope, type, importance,
		embedding, content, created_at, updated_at FROM memories
		WHERE scope = ? ORDER BY updated_at DESC`, scope)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return err
}

// Count returns how many items scope holds.
func (s *Store) Count(ctx context.Context, scope string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE scope = ?`, scope).Scan(&n)
	return n, err
}
