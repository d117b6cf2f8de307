package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomkit/loom"
)

// SnapshotStoreOption configures a SQLite SnapshotStore.
type SnapshotStoreOption func(*SnapshotStore)

// WithSnapshotLogger sets a structured logger for the snapshot store.
func WithSnapshotLogger(l *slog.Logger) SnapshotStoreOption {
	return func(s *SnapshotStore) { s.logger = l }
}

// SnapshotStore implements loom.SnapshotStore backed by SQLite.
// Records are stored as JSON text keyed on (execution_id, version), so
// saves are idempotent.
//
// Use NewSnapshotStore with a shared *sql.DB from Store.DB() so both
// stores share the same serialized connection.
type SnapshotStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore using an existing *sql.DB.
// Pass store.DB() to share the same connection as Store.
func NewSnapshotStore(db *sql.DB, opts ...SnapshotStoreOption) *SnapshotStore {
	s := &SnapshotStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the snapshots table.
func (s *SnapshotStore) Init(ctx context.Context) error {
	start := time.Now()
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			execution_id TEXT NOT NULL,
			version TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			record TEXT NOT NULL,
			PRIMARY KEY (execution_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON snapshots(agent_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create snapshots table: %w", err)
		}
	}
	s.logger.Debug("sqlite: snapshot init done", "elapsed", time.Since(start))
	return nil
}

// Save persists one snapshot record.
func (s *SnapshotStore) Save(ctx context.Context, rec loom.SnapshotRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO snapshots
		(execution_id, version, agent_id, created_at, record) VALUES (?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.Version, rec.AgentID, rec.Timestamp, string(raw))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("sqlite: snapshot saved", "execution", rec.ExecutionID, "version", rec.Version)
	return nil
}

// Latest returns the most recent snapshot for an execution.
func (s *SnapshotStore) Latest(ctx context.Context, executionID string) (loom.SnapshotRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM snapshots
		WHERE execution_id = ? ORDER BY version DESC LIMIT 1`, executionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return loom.SnapshotRecord{}, &loom.ValidationError{
			Field: "executionId", Message: "no snapshots for execution " + executionID}
	}
	if err != nil {
		return loom.SnapshotRecord{}, err
	}
	var rec loom.SnapshotRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return loom.SnapshotRecord{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return rec, nil
}

// LoadExecution returns every snapshot of an execution, oldest first.
func (s *SnapshotStore) LoadExecution(ctx context.Context, executionID string) ([]loom.SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM snapshots
		WHERE execution_id = ? ORDER BY version ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var recs []loom.SnapshotRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec loom.SnapshotRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &loom.ValidationError{
			Field: "executionId", Message: "no snapshots for execution " + executionID}
	}
	return recs, nil
}

// List returns the index entries for an agent's snapshots,
// version-ascending. The agent_id index drives the scan.
func (s *SnapshotStore) List(ctx context.Context, agentID string) ([]loom.SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id, agent_id, version, created_at
		FROM snapshots WHERE agent_id = ? ORDER BY version ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []loom.SnapshotInfo
	for rows.Next() {
		var info loom.SnapshotInfo
		if err := rows.Scan(&info.ExecutionID, &info.AgentID, &info.Version, &info.CreatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes all snapshots of an execution.
func (s *SnapshotStore) Delete(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE execution_id = ?`, executionID)
	return err
}

// DeleteAll removes every snapshot.
func (s *SnapshotStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`)
	return err
}

// Close is a no-op; the shared *sql.DB is owned by the Store.
func (s *SnapshotStore) Close() error { return nil }
