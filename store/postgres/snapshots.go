package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomkit/loom"
)

// SnapshotStore implements loom.SnapshotStore backed by PostgreSQL.
// Records are stored as JSONB keyed on (execution_id, version), so
// saves are idempotent. It accepts an externally-owned pool, typically
// the same one given to Store.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ loom.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Init creates the snapshots table.
func (s *SnapshotStore) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			execution_id TEXT NOT NULL,
			version TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			record JSONB NOT NULL,
			PRIMARY KEY (execution_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON snapshots(agent_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create snapshots table: %w", err)
		}
	}
	return nil
}

// Save persists one snapshot record.
func (s *SnapshotStore) Save(ctx context.Context, rec loom.SnapshotRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO snapshots
		(execution_id, version, agent_id, created_at, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id, version) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			created_at = EXCLUDED.created_at,
			record = EXCLUDED.record`,
		rec.ExecutionID, rec.Version, rec.AgentID, rec.Timestamp, string(raw))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for an execution.
func (s *SnapshotStore) Latest(ctx context.Context, executionID string) (loom.SnapshotRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM snapshots
		WHERE execution_id = $1 ORDER BY version DESC LIMIT 1`, executionID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return loom.SnapshotRecord{}, &loom.ValidationError{
			Field: "executionId", Message: "no snapshots for execution " + executionID}
	}
	if err != nil {
		return loom.SnapshotRecord{}, err
	}
	var rec loom.SnapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return loom.SnapshotRecord{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return rec, nil
}

// LoadExecution returns every snapshot of an execution, oldest first.
func (s *SnapshotStore) LoadExecution(ctx context.Context, executionID string) ([]loom.SnapshotRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM snapshots
		WHERE execution_id = $1 ORDER BY version ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var recs []loom.SnapshotRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec loom.SnapshotRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
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
	rows, err := s.pool.Query(ctx, `SELECT execution_id, agent_id, version, created_at
		FROM snapshots WHERE agent_id = $1 ORDER BY version ASC`, agentID)
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
	_, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE execution_id = $1`, executionID)
	return err
}

// DeleteAll removes every snapshot.
func (s *SnapshotStore) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM snapshots`)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *SnapshotStore) Close() error { return nil }
