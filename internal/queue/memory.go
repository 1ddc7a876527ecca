package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

// MemoryExecutionQueue is an in-memory execution queue for tests and
// single-process deployments.
type MemoryExecutionQueue struct {
	mu       sync.Mutex
	backlog  map[types.ExecutionID][]*types.Event
	ready    *list.List
	queued   map[types.ExecutionID]bool
	inFlight map[types.ExecutionID]bool
	notify   chan struct{}
	metrics  *Metrics
}

func NewMemoryExecutionQueue() *MemoryExecutionQueue {
	return &MemoryExecutionQueue{
		backlog:  make(map[types.ExecutionID][]*types.Event),
		ready:    list.New(),
		queued:   make(map[types.ExecutionID]bool),
		inFlight: make(map[types.ExecutionID]bool),
		notify:   make(chan struct{}, 1),
		metrics:  NewMetrics(),
	}
}

func (q *MemoryExecutionQueue) Metrics() *Metrics { return q.metrics }

func (q *MemoryExecutionQueue) Submit(ctx context.Context, id types.ExecutionID, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	q.mu.Lock()
	q.backlog[id] = append(q.backlog[id], events...)
	q.enqueueLocked(id)
	q.mu.Unlock()

	q.metrics.TaskSubmitted()
	q.wake()
	return nil
}

func (q *MemoryExecutionQueue) Poll(ctx context.Context, timeout time.Duration) (*Lease, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if elem := q.ready.Front(); elem != nil {
			q.ready.Remove(elem)
			id := elem.Value.(types.ExecutionID)
			events := q.backlog[id]
			delete(q.backlog, id)
			q.inFlight[id] = true
			q.mu.Unlock()

			q.metrics.TaskDispatched()
			return &Lease{Task: &WorkflowTask{ExecutionID: id, Events: events}}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryExecutionQueue) Ack(ctx context.Context, lease *Lease) error {
	id := lease.Task.ExecutionID

	q.mu.Lock()
	delete(q.inFlight, id)
	delete(q.queued, id)
	if len(q.backlog[id]) > 0 {
		q.enqueueLocked(id)
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemoryExecutionQueue) Nack(ctx context.Context, lease *Lease) error {
	id := lease.Task.ExecutionID

	q.mu.Lock()
	delete(q.inFlight, id)
	delete(q.queued, id)
	q.backlog[id] = append(append([]*types.Event{}, lease.Task.Events...), q.backlog[id]...)
	q.enqueueLocked(id)
	q.mu.Unlock()

	q.wake()
	return nil
}

// enqueueLocked makes the execution eligible for delivery unless it is
// already queued or has a task in flight.
func (q *MemoryExecutionQueue) enqueueLocked(id types.ExecutionID) {
	if q.queued[id] || q.inFlight[id] {
		return
	}
	q.queued[id] = true
	q.ready.PushBack(id)
}

func (q *MemoryExecutionQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// MemoryRequestQueue is an in-memory request queue.
type MemoryRequestQueue struct {
	mu      sync.Mutex
	items   *list.List
	notify  chan struct{}
	metrics *Metrics
}

func NewMemoryRequestQueue() *MemoryRequestQueue {
	return &MemoryRequestQueue{
		items:   list.New(),
		notify:  make(chan struct{}, 1),
		metrics: NewMetrics(),
	}
}

func (q *MemoryRequestQueue) Metrics() *Metrics { return q.metrics }

func (q *MemoryRequestQueue) Add(ctx context.Context, req *Request) error {
	q.mu.Lock()
	q.items.PushBack(req)
	q.mu.Unlock()

	q.metrics.TaskSubmitted()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryRequestQueue) Poll(ctx context.Context, timeout time.Duration) (*Request, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if elem := q.items.Front(); elem != nil {
			q.items.Remove(elem)
			q.mu.Unlock()

			req := elem.Value.(*Request)
			q.metrics.TaskDispatched()
			q.metrics.RecordLatency(time.Since(req.ScheduledTime))
			return req, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}
