package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestResolveScope(t *testing.T) {
	cases := []struct {
		scope string
		want  string
	}{
		{"private", "bot:a1"},
		{"", "bot:a1"},
		{"shared", "workspace:shared"},
		{"task:run-9", "task:run-9"},
		{"bot:other", "bot:other"},
	}
	for _, c := range cases {
		if got := ResolveScope("a1", c.scope); got != c.want {
			t.Errorf("ResolveScope(a1, %q) = %q, want %q", c.scope, got, c.want)
		}
	}
}

func TestRememberAndRecall(t *testing.T) {
	embedder := &fakeEmbedder{vecs: map[string][]float32{
		"the sky is blue":   {1, 0, 0},
		"grass is green":    {0, 1, 0},
		"what color is sky": {1, 0, 0},
	}}
	m := NewMemoryManager(NewMemVectorStore(), embedder)

	ctx := context.Background()
	if _, err := m.Remember(ctx, "a1", "private", MemorySemantic, "the sky is blue", 0.8); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Remember(ctx, "a1", "private", MemorySemantic, "grass is green", 0.5); err != nil {
		t.Fatal(err)
	}

	scored, err := m.Recall(ctx, "a1", "private", "what color is sky", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(scored) != 2 {
		t.Fatalf("got %d results, want 2", len(scored))
	}
	if scored[0].Item.Content != "the sky is blue" {
		t.Errorf("got top hit %q, want the matching vector first", scored[0].Item.Content)
	}
	if scored[0].Score <= scored[1].Score {
		t.Errorf("scores not descending: %v then %v", scored[0].Score, scored[1].Score)
	}
}

func TestRememberRejectsEmptyContent(t *testing.T) {
	m := NewMemoryManager(NewMemVectorStore(), &fakeEmbedder{})
	_, err := m.Remember(context.Background(), "a1", "private", MemorySemantic, "   ", 0.5)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestRememberPinsEmbeddingDimensions(t *testing.T) {
	embedder := &fakeEmbedder{vecs: map[string][]float32{
		"short": {1, 0},
	}}
	m := NewMemoryManager(NewMemVectorStore(), embedder)

	ctx := context.Background()
	if _, err := m.Remember(ctx, "a1", "private", MemorySemantic, "normal", 0.5); err != nil {
		t.Fatal(err)
	}
	_, err := m.Remember(ctx, "a1", "private", MemorySemantic, "short", 0.5)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want dimensionality ValidationError", err)
	}
}

func TestRememberVerifierGate(t *testing.T) {
	v := NewCapabilityVerifier(NewCapabilityRegistry(), nil)
	v.Grant(Grant{AgentID: "a1", AllowedMemoryScopes: []string{"bot:a1"}})
	m := NewMemoryManager(NewMemVectorStore(), &fakeEmbedder{}, WithMemoryVerifier(v))

	ctx := context.Background()
	if _, err := m.Remember(ctx, "a1", "private", MemorySemantic, "ok", 0.5); err != nil {
		t.Fatalf("own scope denied: %v", err)
	}
	_, err := m.Remember(ctx, "a1", "shared", MemorySemantic, "nope", 0.5)
	var perr *PermissionDeniedError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want PermissionDeniedError", err)
	}
}

func TestRememberEmitsEvent(t *testing.T) {
	bus := NewBus()
	injected := 0
	bus.On(EventMemoryInjected, func(Event) { injected++ })
	m := NewMemoryManager(NewMemVectorStore(), &fakeEmbedder{}, WithMemoryBus(bus))

	if _, err := m.Remember(context.Background(), "a1", "private", MemoryEpisodic, "x", 0.5); err != nil {
		t.Fatal(err)
	}
	if injected != 1 {
		t.Errorf("got %d injected events, want 1", injected)
	}
}

func TestRecallDefaultsTopK(t *testing.T) {
	m := NewMemoryManager(NewMemVectorStore(), &fakeEmbedder{})
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, err := m.Remember(ctx, "a1", "private", MemorySemantic, fmt.Sprintf("fact %d", i), 0.5); err != nil {
			t.Fatal(err)
		}
	}
	scored, err := m.Recall(ctx, "a1", "private", "anything", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(scored) != 5 {
		t.Errorf("got %d results, want the default 5", len(scored))
	}
}

func TestPruneOldest(t *testing.T) {
	bus := NewBus()
	var pruned []Event
	bus.On(EventMemoryPruned, func(ev Event) { pruned = append(pruned, ev) })

	store := NewMemVectorStore()
	m := NewMemoryManager(store, &fakeEmbedder{}, WithMemoryBus(bus))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		store.Put(ctx, MemoryItem{
			ID:        fmt.Sprintf("m%d", i),
			AgentID:   "a1",
			Scope:     "bot:a1",
			Content:   fmt.Sprintf("fact %d", i),
			UpdatedAt: int64(1000 + i),
		})
	}

	removed, err := m.Prune(ctx, "a1", "private", 2, PruneOldest)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("got %d removed, want 2", removed)
	}
	// The two newest survive.
	for _, id := range []string{"m2", "m3"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Errorf("newest item %s was pruned", id)
		}
	}
	for _, id := range []string{"m0", "m1"} {
		if _, err := store.Get(ctx, id); err == nil {
			t.Errorf("oldest item %s survived", id)
		}
	}
	if len(pruned) != 1 {
		t.Errorf("got %d pruned events, want 1", len(pruned))
	}
}

func TestPruneLowImportance(t *testing.T) {
	store := NewMemVectorStore()
	m := NewMemoryManager(store, &fakeEmbedder{})

	ctx := context.Background()
	for i, imp := range []float64{0.9, 0.1, 0.5} {
		store.Put(ctx, MemoryItem{
			ID:         fmt.Sprintf("m%d", i),
			Scope:      "bot:a1",
			Importance: imp,
			UpdatedAt:  1000,
		})
	}

	removed, err := m.Prune(ctx, "a1", "private", 2, PruneLowImportance)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("got %d removed, want 1", removed)
	}
	if _, err := store.Get(ctx, "m1"); err == nil {
		t.Error("lowest-importance item survived")
	}
}

func TestPruneNoopUnderKeep(t *testing.T) {
	store := NewMemVectorStore()
	m := NewMemoryManager(store, &fakeEmbedder{})
	store.Put(context.Background(), MemoryItem{ID: "m0", Scope: "bot:a1"})

	removed, err := m.Prune(context.Background(), "a1", "private", 5, PruneOldest)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("got %d removed, want 0", removed)
	}
}

func TestSessionWindowEvictsOldest(t *testing.T) {
	w := NewSessionWindow(3)
	for i := 0; i < 5; i++ {
		w.Append("s1", ChatMessage{Role: "user", Content: fmt.Sprintf("msg %d", i)})
	}
	hist := w.History("s1")
	if len(hist) != 3 {
		t.Fatalf("got %d messages, want 3", len(hist))
	}
	if hist[0].Content != "msg 2" || hist[2].Content != "msg 4" {
		t.Errorf("got window %v, want the newest three", hist)
	}

	w.Clear("s1")
	if len(w.History("s1")) != 0 {
		t.Error("history survived Clear")
	}
}

func TestSessionWindowsAreIndependent(t *testing.T) {
	w := NewSessionWindow(10)
	w.Append("s1", ChatMessage{Role: "user", Content: "one"})
	w.Append("s2", ChatMessage{Role: "user", Content: "two"})
	if len(w.History("s1")) != 1 || len(w.History("s2")) != 1 {
		t.Error("sessions shared history")
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		a, b []float32
		want float32
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{1, 0}, []float32{1, 0, 0}, 0}, // mismatched lengths
		{[]float32{0, 0}, []float32{1, 0}, 0},    // zero vector
		{nil, nil, 0},
	}
	for _, c := range cases {
		got := CosineSimilarity(c.a, c.b)
		if diff := got - c.want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSessionWindowCompactNoopUnderBudget(t *testing.T) {
	w := NewSessionWindow(10)
	w.Append("s1", ChatMessage{Role: "user", Content: "short"})

	called := false
	chat := func(context.Context, ChatRequest) (ChatResponse, error) {
		called = true
		return ChatResponse{}, nil
	}
	if err := w.Compact(context.Background(), "s1", 100, chat); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("summary requested while under the token budget")
	}
	if len(w.History("s1")) != 1 {
		t.Error("history changed by a no-op compaction")
	}
}

func TestSessionWindowCompactSummarizesOldest(t *testing.T) {
	w := NewSessionWindow(50)
	for i := 0; i < 10; i++ {
		w.Append("s1", ChatMessage{Role: "user", Content: fmt.Sprintf("message %02d %s", i, strings.Repeat("x", 80))})
	}

	var prompt string
	chat := func(_ context.Context, req ChatRequest) (ChatResponse, error) {
		prompt = req.Messages[0].Content
		return ChatResponse{Content: "they traded ten messages"}, nil
	}
	if err := w.Compact(context.Background(), "s1", 100, chat); err != nil {
		t.Fatal(err)
	}

	hist := w.History("s1")
	if len(hist) == 0 || hist[0].Role != "system" || !strings.Contains(hist[0].Content, "they traded ten messages") {
		t.Fatalf("got head %+v, want the summary message", hist)
	}
	if len(hist) >= 10 {
		t.Errorf("got %d messages after compaction, want fewer than 10", len(hist))
	}
	if !strings.Contains(hist[len(hist)-1].Content, "message 09") {
		t.Errorf("newest message lost: %q", hist[len(hist)-1].Content)
	}
	if !strings.Contains(prompt, "message 00") {
		t.Error("oldest message missing from the summary input")
	}
}

func TestSessionWindowCompactRejectsBadArgs(t *testing.T) {
	w := NewSessionWindow(10)
	chat := func(context.Context, ChatRequest) (ChatResponse, error) {
		return ChatResponse{}, nil
	}
	if err := w.Compact(context.Background(), "s1", 0, chat); err == nil {
		t.Error("non-positive budget accepted")
	}
	if err := w.Compact(context.Background(), "s1", 100, nil); err == nil {
		t.Error("nil chat accepted")
	}
}

func TestSessionStoreKeysAreScoped(t *testing.T) {
	s := NewSessionStore(NewMemStorage())
	ctx := context.Background()

	if err := s.Set(ctx, "s1", "plan", json.RawMessage(`"draft"`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "s1", "step", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "s2", "plan", json.RawMessage(`"other"`)); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "s1", "plan")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"draft"` {
		t.Errorf("got %s", got)
	}

	keys, err := s.Keys(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "plan" || keys[1] != "step" {
		t.Errorf("got keys %v, want [plan step]", keys)
	}

	if err := s.Clear(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if keys, _ := s.Keys(ctx, "s1"); len(keys) != 0 {
		t.Error("cleared session still has keys")
	}
	if _, err := s.Get(ctx, "s2", "plan"); err != nil {
		t.Errorf("clear crossed sessions: %v", err)
	}

	if err := s.Set(ctx, "", "k", json.RawMessage(`1`)); err == nil {
		t.Error("empty session id accepted")
	}
}

func TestPruneExpired(t *testing.T) {
	bus := NewBus()
	var pruned []Event
	bus.On(EventMemoryPruned, func(ev Event) { pruned = append(pruned, ev) })

	store := NewMemVectorStore()
	m := NewMemoryManager(store, &fakeEmbedder{}, WithMemoryBus(bus))

	ctx := context.Background()
	now := NowUnix()
	store.Put(ctx, MemoryItem{ID: "stale", Scope: "bot:a1", UpdatedAt: now - 7200})
	store.Put(ctx, MemoryItem{ID: "fresh", Scope: "bot:a1", UpdatedAt: now})

	removed, err := m.PruneExpired(ctx, "a1", "private", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("got %d removed, want 1", removed)
	}
	if _, err := store.Get(ctx, "stale"); err == nil {
		t.Error("expired item survived")
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh item pruned: %v", err)
	}
	if len(pruned) != 1 || pruned[0].Data["strategy"] != "ttl" {
		t.Errorf("got pruned events %+v, want one tagged ttl", pruned)
	}

	if _, err := m.PruneExpired(ctx, "a1", "private", 0); err == nil {
		t.Error("non-positive ttl accepted")
	}
}
