// Package history persists the append-only per-execution event log and the
// event journal.
package history

import (
	"context"

	"github.com/orbitflow/engine/internal/types"
)

// Store is the append-only history log. One writer per execution at a time;
// the execution queue serializes writers, so implementations only need to be
// safe across different executions.
type Store interface {
	// AppendEvents appends events to the execution's history. Appending an
	// event whose identity is already present is a no-op, which makes
	// retried appends idempotent.
	AppendEvents(ctx context.Context, id types.ExecutionID, events []*types.Event) error
	// GetEvents returns the full history in append order.
	GetEvents(ctx context.Context, id types.ExecutionID) ([]*types.Event, error)
	// GetEventCount returns the number of events in the history.
	GetEventCount(ctx context.Context, id types.ExecutionID) (int64, error)
}

// Journal records every event produced by an orchestrator run, keyed by
// (executionId, timestamp#eventId), for audit and debugging.
type Journal interface {
	Record(ctx context.Context, id types.ExecutionID, events []*types.Event) error
	List(ctx context.Context, id types.ExecutionID, limit int) ([]*types.Event, error)
}
