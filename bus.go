package loom

import (
	"log/slog"
	"sync"
)

// EventType identifies the kind of a kernel event. The set is closed:
// listeners can rely on every emission carrying one of these values.
type EventType string

const (
	// Execution lifecycle.
	EventExecutionCreated   EventType = "execution.created"
	EventExecutionValidated EventType = "execution.validated"
	EventExecutionPlanned   EventType = "execution.planned"
	EventExecutionScheduled EventType = "execution.scheduled"
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionToolPhase EventType = "execution.tool_execution"
	EventExecutionMemPhase  EventType = "execution.memory_injection"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionAborted   EventType = "execution.aborted"
	EventExecutionSnapshot  EventType = "execution.snapshot_persisted"

	// Graph traversal.
	EventNodeEntered   EventType = "graph.node_entered"
	EventNodeCompleted EventType = "graph.node_completed"
	EventNodeFailed    EventType = "graph.node_failed"

	// Memory.
	EventMemoryInjected EventType = "memory.injected"
	EventMemoryPruned   EventType = "memory.pruned"

	// Enforcement.
	EventCapabilityDenied EventType = "capability.denied"
	EventPolicyDecision   EventType = "policy.decision"
	EventBudgetWarning    EventType = "budget.warning"
	EventBudgetExceeded   EventType = "budget.exceeded"

	// Cross-agent messaging and streaming.
	EventAgentMessageSent EventType = "agent_message.sent"
	EventStreamChunk      EventType = "stream.chunk"

	// Human approval. The worker emits approval_requested when it parks
	// on a HUMAN_APPROVAL node or a prompt policy outcome; the runtime
	// emits approve_checkpoint once a decision has been delivered.
	EventApprovalRequested EventType = "execution.approval_requested"
	EventApproveCheckpoint EventType = "approve_checkpoint"

	// Network policy advisories.
	EventNetworkWarning EventType = "network.warning"
)

// Event is the typed record delivered to bus listeners.
type Event struct {
	Type        EventType      `json:"type"`
	Timestamp   int64          `json:"timestamp"`
	ExecutionID string         `json:"execution_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Listener receives events. Panics inside a listener are recovered and
// logged; they never reach the emitter or other listeners.
type Listener func(Event)

// Unsubscribe removes the listener it was returned for. Safe to call
// more than once.
type Unsubscribe func()

// DefaultMaxListeners is the soft cap per event type before the bus
// starts warning about probable subscription leaks.
const DefaultMaxListeners = 100

type busEntry struct {
	id int64
	fn Listener
}

// Bus is a typed publish/subscribe hub. Emit is synchronous: it returns
// only after every matching listener has been invoked. Type-specific
// listeners run before OnAny listeners for the same event, each set in
// registration order.
type Bus struct {
	mu           sync.RWMutex
	nextID       int64
	listeners    map[EventType][]busEntry
	anyListeners []busEntry
	maxListeners int
	logger       *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the structured logger for listener panics and
// leak warnings. If not set, a no-op logger is used.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithMaxListeners overrides the per-type soft listener cap.
func WithMaxListeners(n int) BusOption {
	return func(b *Bus) { b.maxListeners = n }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		listeners:    make(map[EventType][]busEntry),
		maxListeners: DefaultMaxListeners,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// On registers a listener for one event type. The returned Unsubscribe
// removes exactly this registration.
func (b *Bus) On(t EventType, fn Listener) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[t] = append(b.listeners[t], busEntry{id: id, fn: fn})
	if n := len(b.listeners[t]); n > b.maxListeners {
		b.logger.Warn("listener count exceeds soft cap, possible subscription leak",
			"type", string(t), "count", n, "max", b.maxListeners)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.listeners[t] = removeEntry(b.listeners[t], id)
	}
}

// OnAny registers a listener for every event. OnAny listeners fire after
// type-specific listeners for the same event.
func (b *Bus) OnAny(fn Listener) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.anyListeners = append(b.anyListeners, busEntry{id: id, fn: fn})
	if n := len(b.anyListeners); n > b.maxListeners {
		b.logger.Warn("wildcard listener count exceeds soft cap, possible subscription leak",
			"count", n, "max", b.maxListeners)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.anyListeners = removeEntry(b.anyListeners, id)
	}
}

// Emit delivers the event to all matching listeners and returns after
// the last one has been invoked. The timestamp is stamped if unset.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = NowUnix()
	}

	b.mu.RLock()
	typed := make([]busEntry, len(b.listeners[ev.Type]))
	copy(typed, b.listeners[ev.Type])
	wildcard := make([]busEntry, len(b.anyListeners))
	copy(wildcard, b.anyListeners)
	b.mu.RUnlock()

	for _, e := range typed {
		b.invoke(e.fn, ev)
	}
	for _, e := range wildcard {
		b.invoke(e.fn, ev)
	}
}

// invoke calls one listener, recovering and logging any panic.
func (b *Bus) invoke(fn Listener, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event listener panicked", "type", string(ev.Type), "panic", p)
		}
	}()
	fn(ev)
}

// Clear removes every listener. Meant for teardown and tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[EventType][]busEntry)
	b.anyListeners = nil
}

func removeEntry(entries []busEntry, id int64) []busEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}
