package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/orbitflow/engine/internal/types"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisExecutionQueue_SubmitPollAck(t *testing.T) {
	q := NewRedisExecutionQueue(newTestRedis(t), "test", 0)
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")

	events := []*types.Event{
		{Type: types.EventWorkflowStarted, ID: "workflow-started", Timestamp: time.Now().UTC()},
		{Type: types.EventTaskSucceeded, Seq: 0, Result: []byte(`"ok"`)},
	}
	if err := q.Submit(ctx, id, events); err != nil {
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
	if len(lease.Task.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(lease.Task.Events))
	}
	if lease.Task.Events[1].Type != types.EventTaskSucceeded {
		t.Errorf("Events[1].Type = %s, want TaskSucceeded", lease.Task.Events[1].Type)
	}

	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("Ack error = %v", err)
	}
}

func TestRedisExecutionQueue_AckRequeuesBacklog(t *testing.T) {
	q := NewRedisExecutionQueue(newTestRedis(t), "test", 0)
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")

	if err := q.Submit(ctx, id, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 0}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	lease, err := q.Poll(ctx, time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Poll = (%v, %v)", lease, err)
	}

	// Arrives while the first task is in flight; the queued set keeps the
	// execution off the ready list until the ack.
	if err := q.Submit(ctx, id, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 1}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("Ack error = %v", err)
	}

	next, err := q.Poll(ctx, time.Second)
	if err != nil || next == nil {
		t.Fatalf("Poll after Ack = (%v, %v)", next, err)
	}
	if len(next.Task.Events) != 1 || next.Task.Events[0].Seq != 1 {
		t.Errorf("redelivered events = %+v, want the seq-1 batch", next.Task.Events)
	}
}

func TestRedisExecutionQueue_NackRestoresEvents(t *testing.T) {
	q := NewRedisExecutionQueue(newTestRedis(t), "test", 0)
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")

	if err := q.Submit(ctx, id, []*types.Event{
		{Type: types.EventTaskSucceeded, Seq: 0},
		{Type: types.EventTaskSucceeded, Seq: 1},
	}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	lease, err := q.Poll(ctx, time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Poll = (%v, %v)", lease, err)
	}
	if err := q.Nack(ctx, lease); err != nil {
		t.Fatalf("Nack error = %v", err)
	}

	redelivered, err := q.Poll(ctx, time.Second)
	if err != nil || redelivered == nil {
		t.Fatalf("Poll after Nack = (%v, %v)", redelivered, err)
	}
	if len(redelivered.Task.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(redelivered.Task.Events))
	}
	if redelivered.Task.Events[0].Seq != 0 || redelivered.Task.Events[1].Seq != 1 {
		t.Errorf("event order = [%d, %d], want [0, 1]",
			redelivered.Task.Events[0].Seq, redelivered.Task.Events[1].Seq)
	}
}

func TestRedisExecutionQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q := NewRedisExecutionQueue(newTestRedis(t), "test", 30*time.Millisecond)
	ctx := context.Background()
	id := types.NewExecutionID("wf", "run-1")

	if err := q.Submit(ctx, id, []*types.Event{
		{Type: types.EventTaskSucceeded, Seq: 0},
		{Type: types.EventTaskSucceeded, Seq: 1},
	}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	lease, err := q.Poll(ctx, time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Poll = (%v, %v)", lease, err)
	}

	// The consumer dies without acking. Once the lease expires the task goes
	// back on the ready list with its batch intact.
	time.Sleep(60 * time.Millisecond)

	redelivered, err := q.Poll(ctx, time.Second)
	if err != nil || redelivered == nil {
		t.Fatalf("Poll after expiry = (%v, %v)", redelivered, err)
	}
	if redelivered.Task.ExecutionID != id {
		t.Errorf("ExecutionID = %q, want %q", redelivered.Task.ExecutionID, id)
	}
	if len(redelivered.Task.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(redelivered.Task.Events))
	}
	if redelivered.Task.Events[0].Seq != 0 || redelivered.Task.Events[1].Seq != 1 {
		t.Errorf("event order = [%d, %d], want [0, 1]",
			redelivered.Task.Events[0].Seq, redelivered.Task.Events[1].Seq)
	}

	if err := q.Ack(ctx, redelivered); err != nil {
		t.Fatalf("Ack error = %v", err)
	}

	// An acked lease is final; nothing comes back after another expiry window.
	time.Sleep(60 * time.Millisecond)
	again, err := q.Poll(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll after Ack error = %v", err)
	}
	if again != nil {
		t.Errorf("task redelivered after Ack: %+v", again.Task)
	}

	// The execution can be queued again afterwards.
	if err := q.Submit(ctx, id, []*types.Event{{Type: types.EventTaskSucceeded, Seq: 2}}); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	next, err := q.Poll(ctx, time.Second)
	if err != nil || next == nil {
		t.Fatalf("Poll after resubmit = (%v, %v)", next, err)
	}
	if len(next.Task.Events) != 1 || next.Task.Events[0].Seq != 2 {
		t.Errorf("events = %+v, want the seq-2 batch", next.Task.Events)
	}
}

func TestRedisRequestQueue_RoundTrip(t *testing.T) {
	q := NewRedisRequestQueue(newTestRedis(t), "test")
	ctx := context.Background()

	req := &Request{
		Kind:          RequestKindTask,
		ExecutionID:   types.NewExecutionID("wf", "run-1"),
		Seq:           3,
		Name:          "charge",
		Input:         []byte(`{"amount":100}`),
		Timeout:       time.Minute,
		ScheduledTime: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := q.Add(ctx, req); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	got, err := q.Poll(ctx, time.Second)
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if got == nil {
		t.Fatal("Poll returned nil request")
	}
	if got.Name != req.Name || got.Seq != req.Seq || got.Kind != req.Kind {
		t.Errorf("polled request = %+v, want %+v", got, req)
	}
	if got.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want 1m", got.Timeout)
	}
}
