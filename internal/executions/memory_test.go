package executions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

func newExecution(name string, start time.Time) *types.Execution {
	return &types.Execution{
		ID:            types.NewExecutionID("wf", name),
		WorkflowName:  "wf",
		ExecutionName: name,
		Status:        types.ExecutionStatusInProgress,
		StartTime:     start,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	execution := newExecution("run-1", time.Now().UTC())
	if err := store.CreateExecution(ctx, execution); err != nil {
		t.Fatalf("CreateExecution error = %v", err)
	}

	if err := store.CreateExecution(ctx, execution); !errors.Is(err, types.ErrExecutionAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrExecutionAlreadyExists", err)
	}

	got, err := store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("GetExecution error = %v", err)
	}
	if got.ExecutionName != "run-1" || got.Status != types.ExecutionStatusInProgress {
		t.Errorf("GetExecution = %+v", got)
	}

	if _, err := store.GetExecution(ctx, "wf/missing"); !errors.Is(err, types.ErrExecutionNotFound) {
		t.Errorf("missing get error = %v, want ErrExecutionNotFound", err)
	}
}

func TestMemoryStore_CompleteExecutionOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	execution := newExecution("run-1", time.Now().UTC())
	if err := store.CreateExecution(ctx, execution); err != nil {
		t.Fatalf("CreateExecution error = %v", err)
	}

	update := TerminalUpdate{
		Status:  types.ExecutionStatusSucceeded,
		Result:  []byte(`42`),
		EndTime: time.Now().UTC(),
	}
	if err := store.CompleteExecution(ctx, execution.ID, update); err != nil {
		t.Fatalf("CompleteExecution error = %v", err)
	}

	// A second terminal transition loses the optimistic check.
	err := store.CompleteExecution(ctx, execution.ID, TerminalUpdate{Status: types.ExecutionStatusFailed})
	if !errors.Is(err, types.ErrOptimisticLock) {
		t.Errorf("second complete error = %v, want ErrOptimisticLock", err)
	}

	got, err := store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("GetExecution error = %v", err)
	}
	if got.Status != types.ExecutionStatusSucceeded {
		t.Errorf("Status = %s, want SUCCEEDED", got.Status)
	}
	if string(got.Result) != `42` {
		t.Errorf("Result = %s, want 42", got.Result)
	}
	if got.EndTime == nil {
		t.Error("EndTime not set")
	}
}

func TestMemoryStore_ListExecutions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"batch-1", "batch-2", "other-1"} {
		e := newExecution(name, base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution error = %v", err)
		}
	}
	if err := store.CompleteExecution(ctx, "wf/batch-2", TerminalUpdate{
		Status:  types.ExecutionStatusFailed,
		EndTime: base.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CompleteExecution error = %v", err)
	}

	tests := []struct {
		name  string
		query ListQuery
		want  []string
	}{
		{"all sorted by start time", ListQuery{}, []string{"batch-1", "batch-2", "other-1"}},
		{"by prefix", ListQuery{NamePrefix: "batch-"}, []string{"batch-1", "batch-2"}},
		{"by status", ListQuery{Status: types.ExecutionStatusFailed}, []string{"batch-2"}},
		{"started after", ListQuery{StartedAfter: &base}, []string{"batch-2", "other-1"}},
		{"limit", ListQuery{Limit: 1}, []string{"batch-1"}},
		{"offset", ListQuery{Offset: 2}, []string{"other-1"}},
		{"offset past the end", ListQuery{Offset: 9}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := store.ListExecutions(ctx, tt.query)
			if err != nil {
				t.Fatalf("ListExecutions error = %v", err)
			}
			if len(out) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(out), len(tt.want))
			}
			for i, name := range tt.want {
				if out[i].ExecutionName != name {
					t.Errorf("out[%d] = %q, want %q", i, out[i].ExecutionName, name)
				}
			}
		})
	}
}

func TestMemoryStore_ClaimTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")
	now := time.Now().UTC()

	if err := store.ClaimTask(ctx, id, 0, 0, "worker-a", now); err != nil {
		t.Fatalf("ClaimTask error = %v", err)
	}
	if err := store.ClaimTask(ctx, id, 0, 0, "worker-b", now); !errors.Is(err, types.ErrAlreadyClaimed) {
		t.Errorf("second claim error = %v, want ErrAlreadyClaimed", err)
	}
	// A new attempt of the same task is a distinct claim.
	if err := store.ClaimTask(ctx, id, 0, 1, "worker-b", now.Add(time.Second)); err != nil {
		t.Errorf("retry claim error = %v", err)
	}
}

func TestMemoryStore_Heartbeats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")
	claimTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.LastHeartbeat(ctx, id, 0); !errors.Is(err, types.ErrExecutionNotFound) {
		t.Errorf("LastHeartbeat without claim error = %v, want ErrExecutionNotFound", err)
	}

	if err := store.ClaimTask(ctx, id, 0, 0, "worker-a", claimTime); err != nil {
		t.Fatalf("ClaimTask error = %v", err)
	}

	// Before any heartbeat the claim time counts.
	last, err := store.LastHeartbeat(ctx, id, 0)
	if err != nil {
		t.Fatalf("LastHeartbeat error = %v", err)
	}
	if !last.Equal(claimTime) {
		t.Errorf("LastHeartbeat = %v, want claim time %v", last, claimTime)
	}

	beat := claimTime.Add(30 * time.Second)
	if err := store.RecordHeartbeat(ctx, id, 0, beat); err != nil {
		t.Fatalf("RecordHeartbeat error = %v", err)
	}
	last, err = store.LastHeartbeat(ctx, id, 0)
	if err != nil {
		t.Fatalf("LastHeartbeat error = %v", err)
	}
	if !last.Equal(beat) {
		t.Errorf("LastHeartbeat = %v, want %v", last, beat)
	}

	// A newer attempt shadows the old claim's heartbeat.
	retryTime := claimTime.Add(time.Minute)
	if err := store.ClaimTask(ctx, id, 0, 1, "worker-b", retryTime); err != nil {
		t.Fatalf("ClaimTask error = %v", err)
	}
	last, err = store.LastHeartbeat(ctx, id, 0)
	if err != nil {
		t.Fatalf("LastHeartbeat error = %v", err)
	}
	if !last.Equal(retryTime) {
		t.Errorf("LastHeartbeat = %v, want newest claim time %v", last, retryTime)
	}
}
