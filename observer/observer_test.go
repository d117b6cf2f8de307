package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/loomkit/loom"
)

// fakeProvider returns canned responses; with no exporter configured the
// global OTEL providers are no-ops, so the wrapper can run as-is.
type fakeProvider struct {
	resp   loom.ChatResponse
	chunks []string
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, req loom.ChatRequest, ch chan<- string) (loom.ChatResponse, error) {
	f.calls++
	for _, c := range f.chunks {
		select {
		case ch <- c:
		case <-ctx.Done():
			return loom.ChatResponse{}, ctx.Err()
		}
	}
	return f.resp, f.err
}

func noopInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestCostCalculator(t *testing.T) {
	c := NewCostCalculator(nil)

	// 1M input + 1M output of gpt-4o-mini at 0.15/0.60 per million.
	got := c.Calculate("gpt-4o-mini", 1_000_000, 1_000_000)
	if got != 0.75 {
		t.Errorf("got cost %v, want 0.75", got)
	}
	if got := c.Calculate("unknown-model", 1000, 1000); got != 0 {
		t.Errorf("unknown model priced at %v", got)
	}
	if got := c.Calculate("gemini-2.0-flash-lite", 1_000_000, 0); got != 0 {
		t.Errorf("free model priced at %v", got)
	}
}

func TestCostCalculatorOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"gpt-4o-mini": {1.00, 2.00},
		"my-finetune": {5.00, 5.00},
	})
	if got := c.Calculate("gpt-4o-mini", 1_000_000, 0); got != 1.00 {
		t.Errorf("override ignored: %v", got)
	}
	if got := c.Calculate("my-finetune", 0, 1_000_000); got != 5.00 {
		t.Errorf("custom model not priced: %v", got)
	}
	// Defaults survive a partial override.
	if got := c.Calculate("gpt-4o", 1_000_000, 0); got != 2.50 {
		t.Errorf("default lost: %v", got)
	}
}

func TestObservedProviderPassesThrough(t *testing.T) {
	inner := &fakeProvider{resp: loom.ChatResponse{
		Content: "hi",
		Usage:   loom.Usage{PromptTokens: 3, CompletionTokens: 2},
	}}
	p := WrapProvider(inner, "gpt-4o-mini", noopInstruments(t))

	if p.Name() != "fake" {
		t.Errorf("got name %q", p.Name())
	}
	resp, err := p.Chat(context.Background(), loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi" || resp.Usage.Total() != 5 {
		t.Errorf("got %+v", resp)
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times", inner.calls)
	}
}

func TestObservedProviderSurfacesErrors(t *testing.T) {
	wantErr := &loom.ProviderError{Provider: "fake", Status: 500, Transient: true}
	inner := &fakeProvider{err: wantErr}
	p := WrapProvider(inner, "m", noopInstruments(t))

	_, err := p.Chat(context.Background(), loom.ChatRequest{})
	var perr *loom.ProviderError
	if !errors.As(err, &perr) || perr.Status != 500 {
		t.Errorf("got %v, want the inner error unchanged", err)
	}
}

func TestObservedProviderStreamForwardsChunks(t *testing.T) {
	inner := &fakeProvider{
		chunks: []string{"hel", "lo"},
		resp:   loom.ChatResponse{Content: "hello"},
	}
	p := WrapProvider(inner, "m", noopInstruments(t))

	ch := make(chan string, 16)
	resp, err := p.ChatStream(context.Background(), loom.ChatRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("got content %q", resp.Content)
	}

	var got []string
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	if len(got) != 2 || got[0] != "hel" || got[1] != "lo" {
		t.Errorf("got chunks %v", got)
	}
}

func TestBusBridgeTracksExecutions(t *testing.T) {
	bus := loom.NewBus()
	b := BridgeBus(bus, noopInstruments(t))
	defer b.Close()

	bus.Emit(loom.Event{Type: loom.EventExecutionCreated, ExecutionID: "e1", Timestamp: 100})
	b.mu.Lock()
	_, tracked := b.started["e1"]
	b.mu.Unlock()
	if !tracked {
		t.Fatal("created execution not tracked")
	}

	bus.Emit(loom.Event{Type: loom.EventExecutionCompleted, ExecutionID: "e1", Timestamp: 103})
	b.mu.Lock()
	_, tracked = b.started["e1"]
	b.mu.Unlock()
	if tracked {
		t.Error("completed execution still tracked")
	}

	b.Close()
	bus.Emit(loom.Event{Type: loom.EventExecutionCreated, ExecutionID: "e2", Timestamp: 200})
	b.mu.Lock()
	_, tracked = b.started["e2"]
	b.mu.Unlock()
	if tracked {
		t.Error("listener survived Close")
	}
}
