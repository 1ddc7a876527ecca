// Package executions persists the execution metadata index and the task
// claim table.
package executions

import (
	"context"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

// ListQuery filters ListExecutions.
type ListQuery struct {
	WorkflowName string
	Status       types.ExecutionStatus
	NamePrefix   string
	StartedAfter *time.Time
	Limit        int
	Offset       int
}

// TerminalUpdate carries the fields written when an execution reaches a
// terminal status.
type TerminalUpdate struct {
	Status  types.ExecutionStatus
	Result  []byte
	Error   string
	Message string
	EndTime time.Time
}

// Store is the execution metadata index. Status transitions are optimistic:
// an execution moves from IN_PROGRESS to exactly one terminal status; a
// second terminal write fails with types.ErrOptimisticLock.
type Store interface {
	CreateExecution(ctx context.Context, execution *types.Execution) error
	GetExecution(ctx context.Context, id types.ExecutionID) (*types.Execution, error)
	ListExecutions(ctx context.Context, q ListQuery) ([]*types.Execution, error)
	CompleteExecution(ctx context.Context, id types.ExecutionID, update TerminalUpdate) error

	// ClaimTask reserves (executionId, seq, retry) for the claimer. The first
	// writer wins; later claims fail with types.ErrAlreadyClaimed.
	ClaimTask(ctx context.Context, id types.ExecutionID, seq int64, retry int32, claimer string, at time.Time) error
	// RecordHeartbeat stores a heartbeat timestamp on the newest claim row
	// for (executionId, seq).
	RecordHeartbeat(ctx context.Context, id types.ExecutionID, seq int64, at time.Time) error
	// LastHeartbeat returns the most recent heartbeat for (executionId, seq),
	// falling back to the claim time when no heartbeat was recorded.
	LastHeartbeat(ctx context.Context, id types.ExecutionID, seq int64) (time.Time, error)
}
