// Package queue provides the execution queue (FIFO-per-execution delivery of
// workflow tasks) and the dispatch queue for task and transaction requests.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrNoTask      = errors.New("no task available")
)

// WorkflowTask is one unit of orchestration work: a batch of events addressed
// to a single execution.
type WorkflowTask struct {
	ExecutionID types.ExecutionID `json:"executionId"`
	Events      []*types.Event    `json:"events"`
}

// Lease is a claimed workflow task. The execution stays locked (no second
// in-flight task for the same executionId) until the lease is acked or
// nacked.
type Lease struct {
	Task *WorkflowTask
}

// ExecutionQueue delivers workflow tasks FIFO per execution with at most one
// in-flight task per executionId. Delivery is at-least-once; the workflow
// executor's event-id set makes duplicates harmless.
type ExecutionQueue interface {
	// Submit appends events for the execution and makes it eligible for
	// delivery once no task for it is in flight.
	Submit(ctx context.Context, id types.ExecutionID, events []*types.Event) error
	// Poll blocks up to timeout for the next workflow task. Returns nil when
	// the queue is empty at the deadline.
	Poll(ctx context.Context, timeout time.Duration) (*Lease, error)
	// Ack releases the lease; events submitted meanwhile re-queue the
	// execution.
	Ack(ctx context.Context, lease *Lease) error
	// Nack returns the task's events to the front of the execution's backlog
	// for redelivery.
	Nack(ctx context.Context, lease *Lease) error
}

// RequestKind discriminates dispatch queue entries.
type RequestKind string

const (
	RequestKindTask        RequestKind = "task"
	RequestKindTransaction RequestKind = "transaction"
)

// Request is a unit of external work dispatched to a task or transaction
// worker.
type Request struct {
	Kind             RequestKind       `json:"kind"`
	ExecutionID      types.ExecutionID `json:"executionId"`
	Seq              int64             `json:"seq"`
	Retry            int32             `json:"retry"`
	WorkflowName     string            `json:"workflowName"`
	Name             string            `json:"name"`
	Input            json.RawMessage   `json:"input,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"`
	HeartbeatTimeout time.Duration     `json:"heartbeatTimeout,omitempty"`
	ScheduledTime    time.Time         `json:"scheduledTime"`
}

// RequestQueue is a plain FIFO of worker requests.
type RequestQueue interface {
	Add(ctx context.Context, req *Request) error
	// Poll blocks up to timeout; returns nil when empty at the deadline.
	Poll(ctx context.Context, timeout time.Duration) (*Request, error)
}
