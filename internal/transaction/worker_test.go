package transaction

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/orbitflow/engine/internal/entity"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/registry"
	"github.com/orbitflow/engine/internal/types"
)

func testWorker(t *testing.T, reg *registry.Registry) (*Worker, *queue.MemoryRequestQueue, *queue.MemoryExecutionQueue) {
	t.Helper()
	ex, _, _ := testExecutor(t, reg, entity.NewMemoryStore())
	requests := queue.NewMemoryRequestQueue()
	results := queue.NewMemoryExecutionQueue()
	w := NewWorker(ex, requests, results, WorkerConfig{
		Concurrency: 1,
		PollTimeout: 20 * time.Millisecond,
		PollsPerSec: 1000,
		Logger:      slog.New(slog.DiscardHandler),
	})
	return w, requests, results
}

// nextResult waits for the next result batch on the execution queue.
func nextResult(t *testing.T, results *queue.MemoryExecutionQueue) *types.Event {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lease, err := results.Poll(ctx, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Poll error = %v", err)
		}
		if lease == nil {
			continue
		}
		if err := results.Ack(ctx, lease); err != nil {
			t.Fatalf("Ack error = %v", err)
		}
		if len(lease.Task.Events) != 1 {
			t.Fatalf("batch = %+v, want one event", lease.Task.Events)
		}
		return lease.Task.Events[0]
	}
	t.Fatal("no result event arrived")
	return nil
}

func TestWorker_ReportsTransactionResult(t *testing.T) {
	reg := registry.New()
	if err := reg.RegisterTransaction("increment", func(ctx context.Context, store registry.TxStore, _ json.RawMessage) (any, error) {
		raw, err := store.EntityGet(ctx, "counter")
		if err != nil {
			return nil, err
		}
		var counter int64
		if raw != nil {
			if err := json.Unmarshal(raw, &counter); err != nil {
				return nil, err
			}
		}
		counter++
		value, _ := json.Marshal(counter)
		store.EntitySet("counter", value)
		return counter, nil
	}); err != nil {
		t.Fatalf("RegisterTransaction error = %v", err)
	}

	w, requests, results := testWorker(t, reg)
	ctx := context.Background()

	if err := requests.Add(ctx, &queue.Request{
		Kind:          queue.RequestKindTransaction,
		ExecutionID:   txSource,
		Seq:           4,
		Name:          "increment",
		ScheduledTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer w.Stop(ctx)

	event := nextResult(t, results)
	if event.Type != types.EventTransactionRequestSucceeded {
		t.Fatalf("event = %+v, want TransactionRequestSucceeded", event)
	}
	if event.Seq != 4 {
		t.Errorf("Seq = %d, want 4", event.Seq)
	}
	if string(event.Result) != "1" {
		t.Errorf("Result = %s, want 1", event.Result)
	}
}

func TestWorker_ReportsUnknownTransactionFailure(t *testing.T) {
	w, requests, results := testWorker(t, registry.New())
	ctx := context.Background()

	if err := requests.Add(ctx, &queue.Request{
		Kind:          queue.RequestKindTransaction,
		ExecutionID:   txSource,
		Seq:           2,
		Name:          "nope",
		ScheduledTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer w.Stop(ctx)

	event := nextResult(t, results)
	if event.Type != types.EventTransactionRequestFailed || event.Seq != 2 {
		t.Fatalf("event = %+v, want TransactionRequestFailed seq 2", event)
	}
	if event.Error != ErrorNotFound {
		t.Errorf("Error = %q, want %q", event.Error, ErrorNotFound)
	}
}

func TestWorker_RequeuesMisroutedRequest(t *testing.T) {
	reg := registry.New()
	if err := reg.RegisterTransaction("noop", func(context.Context, registry.TxStore, json.RawMessage) (any, error) {
		return "done", nil
	}); err != nil {
		t.Fatalf("RegisterTransaction error = %v", err)
	}

	w, requests, results := testWorker(t, reg)
	ctx := context.Background()

	// A task request that somehow ended up on the transaction queue must not
	// be consumed and discarded.
	if err := requests.Add(ctx, &queue.Request{
		Kind:          queue.RequestKindTask,
		ExecutionID:   txSource,
		Seq:           0,
		Name:          "charge",
		ScheduledTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := requests.Add(ctx, &queue.Request{
		Kind:          queue.RequestKindTransaction,
		ExecutionID:   txSource,
		Seq:           1,
		Name:          "noop",
		ScheduledTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}

	event := nextResult(t, results)
	if event.Type != types.EventTransactionRequestSucceeded || event.Seq != 1 {
		t.Fatalf("event = %+v, want TransactionRequestSucceeded seq 1", event)
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop error = %v", err)
	}

	// The foreign request is still queued for a task worker to pick up.
	survivor, err := requests.Poll(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if survivor == nil || survivor.Kind != queue.RequestKindTask || survivor.Name != "charge" {
		t.Errorf("surviving request = %+v, want the charge task request", survivor)
	}
}
