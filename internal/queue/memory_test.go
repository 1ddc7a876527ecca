package queue

import (
	"context"
	"testing"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

func TestMemoryExecutionQueue_SubmitPollAck(t *testing.T) {
	q := NewMemoryExecutionQueue()
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")

	err := q.Submit(ctx, id, []*types.Event{{Type: types.EventWorkflowStarted, ID: "workflow-started"}})
	if err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	lease, err := q.Poll(ctx, time.Second)
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if lease == nil {
		t.Fatal("Poll returned nil lease")
	}
	if lease.Task.ExecutionID != id {
		t.Errorf("ExecutionID = %q, want %q", lease.Task.ExecutionID, id)
	}
	if len(lease.Task.Events) != 1 {
		t.Errorf("len(Events) = %d, want 1", len(lease.Task.Events))
	}

	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("Ack error = %v", err)
	}

	// Nothing left.
	lease, err = q.Poll(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if lease != nil {
		t.Error("Poll after Ack returned a lease, want nil")
	}
}

func TestMemoryExecutionQueue_SingleInFlightPerExecution(t *testing.T) {
	q := NewMemoryExecutionQueue()
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")

	if err := q.Submit(ctx, id, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 0}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	lease, err := q.Poll(ctx, time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Poll = (%v, %v)", lease, err)
	}

	// Events submitted while a task is in flight must wait for the ack.
	if err := q.Submit(ctx, id, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 1}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	second, err := q.Poll(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if second != nil {
		t.Fatal("second task delivered while first is in flight")
	}

	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("Ack error = %v", err)
	}
	second, err = q.Poll(ctx, time.Second)
	if err != nil || second == nil {
		t.Fatalf("Poll after Ack = (%v, %v)", second, err)
	}
	if second.Task.Events[0].Seq != 1 {
		t.Errorf("redelivered Seq = %d, want 1", second.Task.Events[0].Seq)
	}
}

func TestMemoryExecutionQueue_NackRedelivers(t *testing.T) {
	q := NewMemoryExecutionQueue()
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")

	if err := q.Submit(ctx, id, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 0}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	lease, err := q.Poll(ctx, time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Poll = (%v, %v)", lease, err)
	}

	// New events land behind the nacked batch.
	if err := q.Submit(ctx, id, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 1}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	if err := q.Nack(ctx, lease); err != nil {
		t.Fatalf("Nack error = %v", err)
	}

	redelivered, err := q.Poll(ctx, time.Second)
	if err != nil || redelivered == nil {
		t.Fatalf("Poll = (%v, %v)", redelivered, err)
	}
	if len(redelivered.Task.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(redelivered.Task.Events))
	}
	if redelivered.Task.Events[0].Seq != 0 || redelivered.Task.Events[1].Seq != 1 {
		t.Errorf("event order = [%d, %d], want [0, 1]",
			redelivered.Task.Events[0].Seq, redelivered.Task.Events[1].Seq)
	}
}

func TestMemoryExecutionQueue_FIFOAcrossExecutions(t *testing.T) {
	q := NewMemoryExecutionQueue()
	ctx := context.Background()

	first := types.NewExecutionID("wf", "first")
	second := types.NewExecutionID("wf", "second")
	if err := q.Submit(ctx, first, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 0}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	if err := q.Submit(ctx, second, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 0}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	lease, _ := q.Poll(ctx, time.Second)
	if lease == nil || lease.Task.ExecutionID != first {
		t.Fatalf("first poll = %+v, want execution %q", lease, first)
	}
	lease, _ = q.Poll(ctx, time.Second)
	if lease == nil || lease.Task.ExecutionID != second {
		t.Fatalf("second poll = %+v, want execution %q", lease, second)
	}
}

func TestMemoryRequestQueue(t *testing.T) {
	q := NewMemoryRequestQueue()
	ctx := context.Background()

	reqs := []*Request{
		{Kind: RequestKindTask, Name: "a", Seq: 0, ScheduledTime: time.Now()},
		{Kind: RequestKindTransaction, Name: "b", Seq: 1, ScheduledTime: time.Now()},
	}
	for _, req := range reqs {
		if err := q.Add(ctx, req); err != nil {
			t.Fatalf("Add error = %v", err)
		}
	}

	for i, want := range reqs {
		got, err := q.Poll(ctx, time.Second)
		if err != nil {
			t.Fatalf("Poll error = %v", err)
		}
		if got == nil || got.Name != want.Name {
			t.Errorf("poll %d = %+v, want name %q", i, got, want.Name)
		}
	}

	empty, err := q.Poll(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if empty != nil {
		t.Error("Poll on empty queue returned a request")
	}

	m := q.Metrics()
	if m.TasksSubmitted.Load() != 2 || m.TasksDispatched.Load() != 2 {
		t.Errorf("metrics = (%d submitted, %d dispatched), want (2, 2)",
			m.TasksSubmitted.Load(), m.TasksDispatched.Load())
	}
}
