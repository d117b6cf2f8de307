package loom

import (
	"container/heap"
	"context"
	"sync"
)

// queueItem is one scheduled execution with its heap bookkeeping.
type queueItem struct {
	exec  *Execution
	seq   uint64 // enqueue order, breaks priority ties FIFO
	index int
}

// execQueue implements heap.Interface: highest priority first, earliest
// enqueue first among equals.
type execQueue []*queueItem

func (q execQueue) Len() int { return len(q) }

func (q execQueue) Less(i, j int) bool {
	if q[i].exec.Priority() != q[j].exec.Priority() {
		return q[i].exec.Priority() > q[j].exec.Priority()
	}
	return q[i].seq < q[j].seq
}

func (q execQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *execQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *execQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Scheduler is the priority queue between execution admission and the
// worker pool. Dequeue blocks until work arrives or ctx is done.
type Scheduler struct {
	mu      sync.Mutex
	queue   execQueue
	byID    map[string]*queueItem
	nextSeq uint64
	wake    chan struct{}
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		byID: make(map[string]*queueItem),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue admits an execution. The execution must be in the scheduled
// state; anything else is rejected.
func (s *Scheduler) Enqueue(exec *Execution) error {
	if exec.State() != StateScheduled {
		return &ValidationError{
			Field:   "state",
			Message: "only scheduled executions can be enqueued, got " + string(exec.State()),
		}
	}

	s.mu.Lock()
	if _, dup := s.byID[exec.ID()]; dup {
		s.mu.Unlock()
		return &ValidationError{Field: "executionId", Message: "execution already enqueued"}
	}
	item := &queueItem{exec: exec, seq: s.nextSeq}
	s.nextSeq++
	heap.Push(&s.queue, item)
	s.byID[exec.ID()] = item
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest-priority execution, blocking
// until one is available or ctx is done.
func (s *Scheduler) Dequeue(ctx context.Context) (*Execution, error) {
	for {
		s.mu.Lock()
		if s.queue.Len() > 0 {
			item := heap.Pop(&s.queue).(*queueItem)
			delete(s.byID, item.exec.ID())
			s.mu.Unlock()
			return item.exec, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		}
	}
}

// Cancel removes a queued execution and aborts it. Returns false when
// the execution is not queued (already dequeued or unknown).
func (s *Scheduler) Cancel(executionID string) bool {
	s.mu.Lock()
	item, ok := s.byID[executionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	heap.Remove(&s.queue, item.index)
	delete(s.byID, executionID)
	s.mu.Unlock()

	_ = item.exec.Transition(StateAborted)
	return true
}

// Size returns how many executions are queued.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}
