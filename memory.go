package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// VectorStore abstracts long-term memory persistence with vector search.
// Implementations live in store/sqlite and store/postgres; an in-memory
// implementation backs tests and zero-config runs.
type VectorStore interface {
	// Put inserts or replaces one memory item.
	Put(ctx context.Context, item MemoryItem) error
	// Get returns one item by id.
	Get(ctx context.Context, id string) (MemoryItem, error)
	// Search returns up to topK items in scope ranked by cosine
	// similarity to embedding, descending.
	Search(ctx context.Context, scope string, embedding []float32, topK int) ([]ScoredMemory, error)
	// List returns all items in scope, most recently updated first.
	List(ctx context.Context, scope string) ([]MemoryItem, error)
	// Delete removes one item by id.
	Delete(ctx context.Context, id string) error
	// Count returns how many items scope holds.
	Count(ctx context.Context, scope string) (int, error)

	Init(ctx context.Context) error
	Close() error
}

// Well-known memory scope aliases, resolved per agent.
const (
	MemoryScopePrivate = "private"
	MemoryScopeShared  = "shared"
	sharedScope        = "workspace:shared"
)

// ResolveScope maps a scope alias to its storage scope. "private"
// becomes bot:{agentID}, "shared" becomes workspace:shared, and
// anything else (task:{id}, explicit scopes) passes through.
func ResolveScope(agentID, scope string) string {
	switch scope {
	case MemoryScopePrivate, "":
		return "bot:" + agentID
	case MemoryScopeShared:
		return sharedScope
	default:
		return scope
	}
}

// PruneStrategy selects which items Prune discards first.
type PruneStrategy string

const (
	// PruneOldest discards the items with the oldest UpdatedAt.
	PruneOldest PruneStrategy = "oldest"
	// PruneLowImportance discards the lowest-importance items.
	PruneLowImportance PruneStrategy = "low_importance"
	// PruneTTL tags age-based removals made by PruneExpired.
	PruneTTL PruneStrategy = "ttl"
)

// SessionWindow is the bounded per-session conversation history. When
// the window is full the oldest messages fall off.
type SessionWindow struct {
	mu       sync.Mutex
	limit    int
	messages map[string][]ChatMessage
}

// NewSessionWindow creates a window holding up to limit messages per
// session. Non-positive limits default to 50.
func NewSessionWindow(limit int) *SessionWindow {
	if limit <= 0 {
		limit = 50
	}
	return &SessionWindow{limit: limit, messages: make(map[string][]ChatMessage)}
}

// Append adds a message to the session's history.
func (w *SessionWindow) Append(sessionID string, msg ChatMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := append(w.messages[sessionID], msg)
	if len(msgs) > w.limit {
		msgs = msgs[len(msgs)-w.limit:]
	}
	w.messages[sessionID] = msgs
}

// History returns a copy of the session's messages, oldest first.
func (w *SessionWindow) History(sessionID string) []ChatMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ChatMessage{}, w.messages[sessionID]...)
}

// Clear drops one session's history.
func (w *SessionWindow) Clear(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.messages, sessionID)
}

// ChatFunc produces one chat completion. Compact takes it instead of a
// Provider so callers can pass a bound router route or a bare provider.
type ChatFunc func(ctx context.Context, req ChatRequest) (ChatResponse, error)

// estimateMessageTokens applies the 4-chars-per-token heuristic to a
// message list.
func estimateMessageTokens(msgs []ChatMessage) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return chars / 4
}

// Compact summarizes the oldest part of a session's history once its
// token estimate exceeds maxTokens. The newest messages fitting half
// the budget stay verbatim; everything older collapses into a single
// system summary produced through chat. Messages appended while the
// summary call is in flight are preserved.
func (w *SessionWindow) Compact(ctx context.Context, sessionID string, maxTokens int, chat ChatFunc) error {
	if maxTokens <= 0 {
		return &ValidationError{Field: "maxTokens", Message: "must be positive"}
	}
	if chat == nil {
		return &ValidationError{Field: "chat", Message: "must not be nil"}
	}

	w.mu.Lock()
	msgs := append([]ChatMessage{}, w.messages[sessionID]...)
	w.mu.Unlock()
	if estimateMessageTokens(msgs) <= maxTokens {
		return nil
	}

	keepBudget := maxTokens / 2
	keepFrom := len(msgs)
	chars := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		chars += len(msgs[i].Content)
		if chars/4 > keepBudget {
			break
		}
		keepFrom = i
	}
	if keepFrom == 0 {
		return nil
	}

	var b strings.Builder
	for _, m := range msgs[:keepFrom] {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	resp, err := chat(ctx, ChatRequest{
		SystemPrompt: "Summarize the conversation so far. Keep decisions, facts, and open tasks.",
		Messages:     []ChatMessage{{Role: "user", Content: b.String()}},
		MaxTokens:    keepBudget,
	})
	if err != nil {
		return err
	}

	summary := ChatMessage{Role: "system", Content: "Conversation summary: " + resp.Content}
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.messages[sessionID]
	if len(cur) < keepFrom {
		// History was cleared underneath the summary call; drop it.
		return nil
	}
	w.messages[sessionID] = append([]ChatMessage{summary}, cur[keepFrom:]...)
	return nil
}

// SessionStore is the keyed session tier: per-session get/set/delete
// and clear over the Storage port. Values are raw JSON; there is no
// semantic indexing here.
type SessionStore struct {
	storage Storage
}

// NewSessionStore creates a keyed session tier over storage.
func NewSessionStore(storage Storage) *SessionStore {
	return &SessionStore{storage: storage}
}

func sessionKey(sessionID, key string) string {
	return "session:" + sessionID + ":" + key
}

// Set writes one session value.
func (s *SessionStore) Set(ctx context.Context, sessionID, key string, value json.RawMessage) error {
	if strings.TrimSpace(sessionID) == "" {
		return &ValidationError{Field: "sessionId", Message: "must not be empty"}
	}
	return s.storage.Set(ctx, sessionKey(sessionID, key), value)
}

// Get reads one session value.
func (s *SessionStore) Get(ctx context.Context, sessionID, key string) (json.RawMessage, error) {
	return s.storage.Get(ctx, sessionKey(sessionID, key))
}

// Delete removes one session value.
func (s *SessionStore) Delete(ctx context.Context, sessionID, key string) error {
	return s.storage.Delete(ctx, sessionKey(sessionID, key))
}

// Keys returns the session's keys, sorted.
func (s *SessionStore) Keys(ctx context.Context, sessionID string) ([]string, error) {
	prefix := sessionKey(sessionID, "")
	full, err := s.storage.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, prefix))
	}
	return keys, nil
}

// Clear removes every value the session holds.
func (s *SessionStore) Clear(ctx context.Context, sessionID string) error {
	keys, err := s.storage.Keys(ctx, sessionKey(sessionID, ""))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.storage.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// MemoryManager is the long-term memory tier: it embeds content, pins
// the embedding dimensionality per store, enforces scope capability on
// writes, and ranks recalls by cosine similarity with UpdatedAt as the
// tiebreaker.
type MemoryManager struct {
	store    VectorStore
	embedder EmbeddingProvider
	verifier *CapabilityVerifier
	bus      *Bus
	sessions *SessionWindow
	kv       *SessionStore

	mu   sync.Mutex
	dims int // pinned on first write; zero until then
}

// MemoryManagerOption configures a MemoryManager.
type MemoryManagerOption func(*MemoryManager)

// WithMemoryVerifier gates writes on the agent's memory scope grant.
func WithMemoryVerifier(v *CapabilityVerifier) MemoryManagerOption {
	return func(m *MemoryManager) { m.verifier = v }
}

// WithMemoryBus emits memory.injected and memory.pruned events.
func WithMemoryBus(bus *Bus) MemoryManagerOption {
	return func(m *MemoryManager) { m.bus = bus }
}

// WithSessionWindow sets the session history tier.
func WithSessionWindow(w *SessionWindow) MemoryManagerOption {
	return func(m *MemoryManager) { m.sessions = w }
}

// WithSessionStore sets the keyed session tier.
func WithSessionStore(s *SessionStore) MemoryManagerOption {
	return func(m *MemoryManager) { m.kv = s }
}

// NewMemoryManager creates a manager over store and embedder.
func NewMemoryManager(store VectorStore, embedder EmbeddingProvider, opts ...MemoryManagerOption) *MemoryManager {
	m := &MemoryManager{store: store, embedder: embedder}
	for _, opt := range opts {
		opt(m)
	}
	if m.sessions == nil {
		m.sessions = NewSessionWindow(0)
	}
	return m
}

// Sessions returns the session history tier.
func (m *MemoryManager) Sessions() *SessionWindow { return m.sessions }

// KV returns the keyed session tier, nil when no Storage is wired.
func (m *MemoryManager) KV() *SessionStore { return m.kv }

// pinDims pins the store's embedding dimensionality on first use and
// rejects mismatched vectors afterwards.
func (m *MemoryManager) pinDims(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims == 0 {
		m.dims = n
		return nil
	}
	if m.dims != n {
		return &ValidationError{
			Field:   "embedding",
			Message: fmt.Sprintf("dimensionality %d does not match store's pinned %d", n, m.dims),
		}
	}
	return nil
}

// Remember embeds content and stores it in the agent's resolved scope.
// Writes to a scope outside the agent's grant are denied; the shared
// workspace scope additionally requires the MemorySharedWrite grant on
// the owning module when moduleID is set.
func (m *MemoryManager) Remember(ctx context.Context, agentID, scope string, typ MemoryType, content string, importance float64) (MemoryItem, error) {
	if strings.TrimSpace(content) == "" {
		return MemoryItem{}, &ValidationError{Field: "content", Message: "must not be empty"}
	}
	resolved := ResolveScope(agentID, scope)
	if m.verifier != nil {
		if err := m.verifier.VerifyMemoryInjection(agentID, resolved); err != nil {
			return MemoryItem{}, err
		}
	}

	vecs, err := m.embedder.Embed(ctx, []string{content})
	if err != nil {
		return MemoryItem{}, err
	}
	if len(vecs) != 1 {
		return MemoryItem{}, &ProviderError{Provider: m.embedder.Name(), Message: "embedder returned wrong vector count"}
	}
	if err := m.pinDims(len(vecs[0])); err != nil {
		return MemoryItem{}, err
	}

	now := NowUnix()
	item := MemoryItem{
		ID:         NewID(),
		AgentID:    agentID,
		Scope:      resolved,
		Type:       typ,
		Importance: importance,
		Embedding:  vecs[0],
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Put(ctx, item); err != nil {
		return MemoryItem{}, err
	}

	if m.bus != nil {
		m.bus.Emit(Event{
			Type:    EventMemoryInjected,
			AgentID: agentID,
			Data:    map[string]any{"memoryId": item.ID, "scope": resolved, "type": string(typ)},
		})
	}
	return item, nil
}

// Recall embeds the query and returns the topK most similar items in
// the agent's resolved scope, cosine-descending with UpdatedAt breaking
// ties (newer first).
func (m *MemoryManager) Recall(ctx context.Context, agentID, scope, query string, topK int) ([]ScoredMemory, error) {
	if topK <= 0 {
		topK = 5
	}
	resolved := ResolveScope(agentID, scope)

	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, &ProviderError{Provider: m.embedder.Name(), Message: "embedder returned wrong vector count"}
	}
	if err := m.pinDims(len(vecs[0])); err != nil {
		return nil, err
	}

	scored, err := m.store.Search(ctx, resolved, vecs[0], topK)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Item.UpdatedAt > scored[j].Item.UpdatedAt
	})
	return scored, nil
}

// Forget deletes one memory item.
func (m *MemoryManager) Forget(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Prune shrinks a scope down to keep items using the given strategy.
// Returns how many items were removed.
func (m *MemoryManager) Prune(ctx context.Context, agentID, scope string, keep int, strategy PruneStrategy) (int, error) {
	if keep < 0 {
		keep = 0
	}
	resolved := ResolveScope(agentID, scope)
	items, err := m.store.List(ctx, resolved)
	if err != nil {
		return 0, err
	}
	if len(items) <= keep {
		return 0, nil
	}

	switch strategy {
	case PruneLowImportance:
		// Keep the most important; discard from the bottom.
		sort.SliceStable(items, func(i, j int) bool { return items[i].Importance > items[j].Importance })
	default: // PruneOldest
		sort.SliceStable(items, func(i, j int) bool { return items[i].UpdatedAt > items[j].UpdatedAt })
	}

	removed := 0
	for _, item := range items[keep:] {
		if err := m.store.Delete(ctx, item.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 && m.bus != nil {
		m.bus.Emit(Event{
			Type:    EventMemoryPruned,
			AgentID: agentID,
			Data:    map[string]any{"scope": resolved, "removed": removed, "strategy": string(strategy)},
		})
	}
	return removed, nil
}

// PruneExpired removes items in the agent's resolved scope whose last
// update is older than ttl. Returns how many items were removed.
func (m *MemoryManager) PruneExpired(ctx context.Context, agentID, scope string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, &ValidationError{Field: "ttl", Message: "must be positive"}
	}
	resolved := ResolveScope(agentID, scope)
	items, err := m.store.List(ctx, resolved)
	if err != nil {
		return 0, err
	}

	cutoff := NowUnix() - int64(ttl/time.Second)
	removed := 0
	for _, item := range items {
		if item.UpdatedAt >= cutoff {
			continue
		}
		if err := m.store.Delete(ctx, item.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 && m.bus != nil {
		m.bus.Emit(Event{
			Type:    EventMemoryPruned,
			AgentID: agentID,
			Data:    map[string]any{"scope": resolved, "removed": removed, "strategy": string(PruneTTL)},
		})
	}
	return removed, nil
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched lengths and zero vectors score zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// MemVectorStore is the in-memory VectorStore used by tests and
// zero-config runs. Search is a linear cosine scan.
type MemVectorStore struct {
	mu    sync.RWMutex
	items map[string]MemoryItem
}

// NewMemVectorStore creates an empty in-memory store.
func NewMemVectorStore() *MemVectorStore {
	return &MemVectorStore{items: make(map[string]MemoryItem)}
}

func (s *MemVectorStore) Init(ctx context.Context) error { return nil }
func (s *MemVectorStore) Close() error                   { return nil }

func (s *MemVectorStore) Put(ctx context.Context, item MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *MemVectorStore) Get(ctx context.Context, id string) (MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return MemoryItem{}, &ValidationError{Field: "id", Message: "memory item not found: " + id}
	}
	return item, nil
}

func (s *MemVectorStore) Search(ctx context.Context, scope string, embedding []float32, topK int) ([]ScoredMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var scored []ScoredMemory
	for _, item := range s.items {
		if item.Scope != scope {
			continue
		}
		scored = append(scored, ScoredMemory{Item: item, Score: CosineSimilarity(embedding, item.Embedding)})
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
	return scored, nil
}

func (s *MemVectorStore) List(ctx context.Context, scope string) ([]MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []MemoryItem
	for _, item := range s.items {
		if item.Scope == scope {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].UpdatedAt > items[j].UpdatedAt })
	return items, nil
}

func (s *MemVectorStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemVectorStore) Count(ctx context.Context, scope string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items {
		if item.Scope == scope {
			n++
		}
	}
	return n, nil
}

var _ VectorStore = (*MemVectorStore)(nil)
