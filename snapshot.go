package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SnapshotStore persists execution checkpoints. Saves are idempotent on
// (executionID, version): writing the same record twice is a no-op.
type SnapshotStore interface {
	// Save persists one snapshot record.
	Save(ctx context.Context, rec SnapshotRecord) error
	// Latest returns the most recent snapshot for an execution.
	Latest(ctx context.Context, executionID string) (SnapshotRecord, error)
	// LoadExecution returns every snapshot of an execution in the order
	// they were taken.
	LoadExecution(ctx context.Context, executionID string) ([]SnapshotRecord, error)
	// List returns the index entries for every snapshot of an agent's
	// executions, version-ascending.
	List(ctx context.Context, agentID string) ([]SnapshotInfo, error)
	// Delete removes all snapshots of an execution.
	Delete(ctx context.Context, executionID string) error
	// DeleteAll removes every snapshot the store holds.
	DeleteAll(ctx context.Context) error
	Close() error
}

// SnapshotInfo is one index entry of the snapshot store.
type SnapshotInfo struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	Version     string `json:"version"`
	CreatedAt   int64  `json:"created_at"`
}

// ErrNoSnapshot is returned via ValidationError when an execution has
// no persisted snapshots.
func errNoSnapshot(executionID string) error {
	return &ValidationError{Field: "executionId", Message: "no snapshots for execution " + executionID}
}

// SnapshotResponse extracts a node's recorded output from the latest
// snapshot of an execution.
func SnapshotResponse(ctx context.Context, store SnapshotStore, executionID, nodePointer string) (json.RawMessage, error) {
	rec, err := store.Latest(ctx, executionID)
	if err != nil {
		return nil, err
	}
	raw, ok := rec.Responses[nodePointer]
	if !ok {
		return nil, &ValidationError{Field: "nodePointer", Message: fmt.Sprintf("no response recorded for node %q", nodePointer)}
	}
	return append(json.RawMessage{}, raw...), nil
}

// MemSnapshotStore is the in-memory store used by tests and
// zero-config runs. Records are deep-copied through JSON on save and
// load so callers can never alias store state.
type MemSnapshotStore struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte // executionID -> version -> encoded record
}

// NewMemSnapshotStore creates an empty in-memory store.
func NewMemSnapshotStore() *MemSnapshotStore {
	return &MemSnapshotStore{records: make(map[string]map[string][]byte)}
}

func (s *MemSnapshotStore) Save(ctx context.Context, rec SnapshotRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.records[rec.ExecutionID]
	if versions == nil {
		versions = make(map[string][]byte)
		s.records[rec.ExecutionID] = versions
	}
	versions[rec.Version] = raw
	return nil
}

func (s *MemSnapshotStore) Latest(ctx context.Context, executionID string) (SnapshotRecord, error) {
	recs, err := s.LoadExecution(ctx, executionID)
	if err != nil {
		return SnapshotRecord{}, err
	}
	return recs[len(recs)-1], nil
}

func (s *MemSnapshotStore) LoadExecution(ctx context.Context, executionID string) ([]SnapshotRecord, error) {
	s.mu.RLock()
	versions := s.records[executionID]
	encoded := make([][]byte, 0, len(versions))
	keys := make([]string, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	for _, v := range keys {
		encoded = append(encoded, versions[v])
	}
	s.mu.RUnlock()

	if len(encoded) == 0 {
		return nil, errNoSnapshot(executionID)
	}
	recs := make([]SnapshotRecord, 0, len(encoded))
	for _, raw := range encoded {
		var rec SnapshotRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *MemSnapshotStore) List(ctx context.Context, agentID string) ([]SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []SnapshotInfo
	for _, versions := range s.records {
		for _, raw := range versions {
			var rec SnapshotRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, err
			}
			if rec.AgentID != agentID {
				continue
			}
			infos = append(infos, SnapshotInfo{
				ExecutionID: rec.ExecutionID,
				AgentID:     rec.AgentID,
				Version:     rec.Version,
				CreatedAt:   rec.Timestamp,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Version < infos[j].Version })
	return infos, nil
}

func (s *MemSnapshotStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, executionID)
	return nil
}

func (s *MemSnapshotStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]map[string][]byte)
	return nil
}

func (s *MemSnapshotStore) Close() error { return nil }

var _ SnapshotStore = (*MemSnapshotStore)(nil)

// FileSnapshotStore persists snapshots as one JSON file per version
// under dir/{executionID}/{version}.json. Writes go through a temp file
// and rename so a crash never leaves a torn record.
type FileSnapshotStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileSnapshotStore creates (if needed) and opens a file store.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) execDir(executionID string) string {
	return filepath.Join(s.dir, executionID)
}

func (s *FileSnapshotStore) Save(ctx context.Context, rec SnapshotRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.execDir(rec.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	final := filepath.Join(dir, rec.Version+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (s *FileSnapshotStore) LoadExecution(ctx context.Context, executionID string) ([]SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.execDir(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNoSnapshot(executionID)
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, errNoSnapshot(executionID)
	}
	sort.Strings(names)

	recs := make([]SnapshotRecord, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(s.execDir(executionID), name))
		if err != nil {
			return nil, err
		}
		var rec SnapshotRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("snapshot %s corrupt: %w", name, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *FileSnapshotStore) Latest(ctx context.Context, executionID string) (SnapshotRecord, error) {
	recs, err := s.LoadExecution(ctx, executionID)
	if err != nil {
		return SnapshotRecord{}, err
	}
	return recs[len(recs)-1], nil
}

func (s *FileSnapshotStore) List(ctx context.Context, agentID string) ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var infos []SnapshotInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(s.dir, e.Name(), f.Name()))
			if err != nil {
				return nil, err
			}
			var rec SnapshotRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("snapshot %s corrupt: %w", f.Name(), err)
			}
			if rec.AgentID != agentID {
				continue
			}
			infos = append(infos, SnapshotInfo{
				ExecutionID: rec.ExecutionID,
				AgentID:     rec.AgentID,
				Version:     rec.Version,
				CreatedAt:   rec.Timestamp,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Version < infos[j].Version })
	return infos, nil
}

func (s *FileSnapshotStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.execDir(executionID))
}

func (s *FileSnapshotStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FileSnapshotStore) Close() error { return nil }

var _ SnapshotStore = (*FileSnapshotStore)(nil)
