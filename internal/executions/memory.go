package executions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

type claimRow struct {
	claimer       string
	claimedAt     time.Time
	lastHeartbeat time.Time
}

// MemoryStore is an in-memory execution store for tests and single-process
// deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[types.ExecutionID]*types.Execution
	claims     map[string]*claimRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[types.ExecutionID]*types.Execution),
		claims:     make(map[string]*claimRow),
	}
}

func claimKey(id types.ExecutionID, seq int64, retry int32) string {
	return fmt.Sprintf("%s#%d#%d", id, seq, retry)
}

func (s *MemoryStore) CreateExecution(ctx context.Context, execution *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[execution.ID]; exists {
		return types.ErrExecutionAlreadyExists
	}
	cp := *execution
	s.executions[execution.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id types.ExecutionID) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[id]
	if !ok {
		return nil, types.ErrExecutionNotFound
	}
	cp := *execution
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, q ListQuery) ([]*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Execution
	for _, e := range s.executions {
		if q.WorkflowName != "" && e.WorkflowName != q.WorkflowName {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.NamePrefix != "" && !strings.HasPrefix(e.ExecutionName, q.NamePrefix) {
			continue
		}
		if q.StartedAfter != nil && !e.StartTime.After(*q.StartedAfter) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartTime.Equal(out[b].StartTime) {
			return out[a].ID < out[b].ID
		}
		return out[a].StartTime.Before(out[b].StartTime)
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CompleteExecution(ctx context.Context, id types.ExecutionID, update TerminalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[id]
	if !ok {
		return types.ErrExecutionNotFound
	}
	if execution.Status != types.ExecutionStatusInProgress {
		return types.ErrOptimisticLock
	}
	execution.Status = update.Status
	execution.Result = update.Result
	execution.Error = update.Error
	execution.Message = update.Message
	endTime := update.EndTime
	execution.EndTime = &endTime
	return nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, id types.ExecutionID, seq int64, retry int32, claimer string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := claimKey(id, seq, retry)
	if _, exists := s.claims[key]; exists {
		return types.ErrAlreadyClaimed
	}
	s.claims[key] = &claimRow{claimer: claimer, claimedAt: at, lastHeartbeat: at}
	return nil
}

func (s *MemoryStore) RecordHeartbeat(ctx context.Context, id types.ExecutionID, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.newestClaimLocked(id, seq)
	if row == nil {
		return types.ErrExecutionNotFound
	}
	row.lastHeartbeat = at
	return nil
}

func (s *MemoryStore) LastHeartbeat(ctx context.Context, id types.ExecutionID, seq int64) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.newestClaimLocked(id, seq)
	if row == nil {
		return time.Time{}, types.ErrExecutionNotFound
	}
	return row.lastHeartbeat, nil
}

func (s *MemoryStore) newestClaimLocked(id types.ExecutionID, seq int64) *claimRow {
	prefix := fmt.Sprintf("%s#%d#", id, seq)
	var newest *claimRow
	for key, row := range s.claims {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if newest == nil || row.claimedAt.After(newest.claimedAt) {
			newest = row
		}
	}
	return newest
}
