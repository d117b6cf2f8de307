package observer

import (
	"context"
	"sync"

	"github.com/loomkit/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusBridge subscribes to a runtime event bus and turns lifecycle events
// into metrics: execution outcomes and durations, node counts, tool
// phases, and budget warnings.
type BusBridge struct {
	inst  *Instruments
	unsub []loom.Unsubscribe

	mu      sync.Mutex
	started map[string]int64 // executionID -> created timestamp (unix seconds)
}

// BridgeBus attaches metric listeners to the bus. Call Close to detach.
func BridgeBus(bus *loom.Bus, inst *Instruments) *BusBridge {
	b := &BusBridge{inst: inst, started: make(map[string]int64)}

	b.unsub = append(b.unsub,
		bus.On(loom.EventExecutionCreated, b.onCreated),
		bus.On(loom.EventExecutionCompleted, b.terminal("completed")),
		bus.On(loom.EventExecutionFailed, b.terminal("failed")),
		bus.On(loom.EventExecutionAborted, b.terminal("aborted")),
		bus.On(loom.EventNodeEntered, b.onNode),
		bus.On(loom.EventExecutionToolPhase, b.onTool),
		bus.On(loom.EventBudgetWarning, b.onBudget("warning")),
		bus.On(loom.EventBudgetExceeded, b.onBudget("exceeded")),
	)
	return b
}

// Close detaches every listener installed by BridgeBus.
func (b *BusBridge) Close() {
	for _, u := range b.unsub {
		u()
	}
	b.unsub = nil
}

func (b *BusBridge) onCreated(ev loom.Event) {
	b.mu.Lock()
	b.started[ev.ExecutionID] = ev.Timestamp
	b.mu.Unlock()
}

func (b *BusBridge) terminal(outcome string) loom.Listener {
	return func(ev loom.Event) {
		ctx := context.Background()
		b.inst.Executions.Add(ctx, 1, metric.WithAttributes(
			AttrAgentID.String(ev.AgentID),
			AttrOutcome.String(outcome),
		))

		b.mu.Lock()
		created, ok := b.started[ev.ExecutionID]
		delete(b.started, ev.ExecutionID)
		b.mu.Unlock()
		if ok && ev.Timestamp >= created {
			b.inst.ExecutionDuration.Record(ctx, float64(ev.Timestamp-created)*1000,
				metric.WithAttributes(
					AttrAgentID.String(ev.AgentID),
					AttrOutcome.String(outcome),
				))
		}
	}
}

func (b *BusBridge) onNode(ev loom.Event) {
	nodeID, _ := ev.Data["node"].(string)
	b.inst.NodesVisited.Add(context.Background(), 1, metric.WithAttributes(
		AttrAgentID.String(ev.AgentID),
		AttrNodeID.String(nodeID),
	))
}

func (b *BusBridge) onTool(ev loom.Event) {
	b.inst.ToolExecutions.Add(context.Background(), 1, metric.WithAttributes(
		AttrAgentID.String(ev.AgentID),
	))
}

func (b *BusBridge) onBudget(kind string) loom.Listener {
	return func(ev loom.Event) {
		b.inst.BudgetWarnings.Add(context.Background(), 1, metric.WithAttributes(
			AttrAgentID.String(ev.AgentID),
			attribute.String("kind", kind),
		))
	}
}
