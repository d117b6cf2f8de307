package loom

import "testing"

func TestBusOnDeliversTypedEvents(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.On(EventExecutionCreated, func(ev Event) { got = append(got, ev) })

	bus.Emit(Event{Type: EventExecutionCreated, ExecutionID: "e1"})
	bus.Emit(Event{Type: EventExecutionCompleted, ExecutionID: "e2"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].ExecutionID != "e1" {
		t.Errorf("got execution %q, want e1", got[0].ExecutionID)
	}
	if got[0].Timestamp == 0 {
		t.Error("expected emit to stamp the timestamp")
	}
}

func TestBusOnAnyRunsAfterTyped(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.OnAny(func(Event) { order = append(order, "any") })
	bus.On(EventExecutionCreated, func(Event) { order = append(order, "typed") })

	bus.Emit(Event{Type: EventExecutionCreated})

	if len(order) != 2 || order[0] != "typed" || order[1] != "any" {
		t.Errorf("got order %v, want [typed any]", order)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.On(EventNodeEntered, func(Event) { calls++ })

	bus.Emit(Event{Type: EventNodeEntered})
	unsub()
	bus.Emit(Event{Type: EventNodeEntered})
	unsub() // second call must be safe

	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestBusListenerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	delivered := false
	bus.On(EventNodeFailed, func(Event) { panic("boom") })
	bus.On(EventNodeFailed, func(Event) { delivered = true })

	bus.Emit(Event{Type: EventNodeFailed})

	if !delivered {
		t.Error("second listener should still run after the first panicked")
	}
}

func TestBusClear(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.On(EventMemoryInjected, func(Event) { calls++ })
	bus.OnAny(func(Event) { calls++ })

	bus.Clear()
	bus.Emit(Event{Type: EventMemoryInjected})

	if calls != 0 {
		t.Errorf("got %d calls after Clear, want 0", calls)
	}
}
