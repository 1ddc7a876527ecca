package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/orbitflow/engine/internal/bucket"
	"github.com/orbitflow/engine/internal/commands"
	"github.com/orbitflow/engine/internal/entity"
	"github.com/orbitflow/engine/internal/executions"
	"github.com/orbitflow/engine/internal/executor"
	"github.com/orbitflow/engine/internal/history"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/registry"
	"github.com/orbitflow/engine/internal/router"
	"github.com/orbitflow/engine/internal/search"
	"github.com/orbitflow/engine/internal/timer"
	"github.com/orbitflow/engine/internal/types"
	"github.com/orbitflow/engine/pkg/client"
)

// harness wires the orchestrator with in-memory collaborators. The timer
// service stays unstarted so schedules are observable rows and tests inject
// completions by hand; the orchestrator loop is bypassed in favor of
// draining the queue synchronously.
type harness struct {
	orch       *Orchestrator
	client     *client.Client
	execQueue  *queue.MemoryExecutionQueue
	requests   *queue.MemoryRequestQueue
	histories  *history.MemoryStore
	executions *executions.MemoryStore
	timerStore *timer.MemoryStore
}

func newHarness(t *testing.T, reg *registry.Registry) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	execQueue := queue.NewMemoryExecutionQueue()
	requests := queue.NewMemoryRequestQueue()
	histories := history.NewMemoryStore()
	execStore := executions.NewMemoryStore()
	timerStore := timer.NewMemoryStore()
	timers := timer.NewService(timerStore, execQueue, execStore, timer.Config{Logger: logger})
	rtr := router.NewRouter(execQueue, execStore, logger)
	bus := router.NewBus(router.BusConfig{Logger: logger})

	cl := client.New(client.Deps{
		Executions: execStore,
		Histories:  histories,
		ExecQueue:  execQueue,
		Router:     rtr,
		Bus:        bus,
		Logger:     logger,
	})

	cmds := commands.NewExecutor(commands.Deps{
		Tasks:        requests,
		Transactions: queue.NewMemoryRequestQueue(),
		ExecQueue:    execQueue,
		Timers:       timers,
		Router:       rtr,
		Bus:          bus,
		Entities:     entity.NewMemoryStore(),
		Buckets:      bucket.NewMemoryStore(),
		Search:       search.NewService(execStore),
		Starter:      cl,
		Logger:       logger,
	})

	orch := New(Deps{
		Registry:   reg,
		Histories:  histories,
		Journal:    history.NewMemoryJournal(),
		Executions: execStore,
		ExecQueue:  execQueue,
		Commands:   cmds,
		Timers:     timers,
	}, Config{Logger: logger})

	return &harness{
		orch:       orch,
		client:     cl,
		execQueue:  execQueue,
		requests:   requests,
		histories:  histories,
		executions: execStore,
		timerStore: timerStore,
	}
}

// drain processes queued workflow tasks until the queue stays empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		lease, err := h.execQueue.Poll(ctx, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("Poll error = %v", err)
		}
		if lease == nil {
			return
		}
		if err := h.orch.ProcessTask(ctx, lease.Task); err != nil {
			t.Fatalf("ProcessTask error = %v", err)
		}
		if err := h.execQueue.Ack(ctx, lease); err != nil {
			t.Fatalf("Ack error = %v", err)
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) start(t *testing.T, workflow, name string, input json.RawMessage) types.ExecutionID {
	t.Helper()
	res, err := h.client.StartExecution(context.Background(), workflow, input, client.StartOptions{ExecutionName: name})
	if err != nil {
		t.Fatalf("StartExecution error = %v", err)
	}
	return res.ExecutionID
}

func (h *harness) submit(t *testing.T, id types.ExecutionID, events ...*types.Event) {
	t.Helper()
	if err := h.execQueue.Submit(context.Background(), id, events); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
}

func (h *harness) execution(t *testing.T, id types.ExecutionID) *types.Execution {
	t.Helper()
	execution, err := h.executions.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution error = %v", err)
	}
	return execution
}

func (h *harness) events(t *testing.T, id types.ExecutionID) []*types.Event {
	t.Helper()
	events, err := h.histories.GetEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEvents error = %v", err)
	}
	return events
}

func countType(events []*types.Event, et types.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == et {
			n++
		}
	}
	return n
}

func greeterRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.RegisterWorkflow("greeter", registry.Workflow{
		Fn: func(ctx *executor.Context, input json.RawMessage) (any, error) {
			var out string
			if err := ctx.Task("greet", input).Get(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}
	return reg
}

func TestProcessTask_TaskLifecycle(t *testing.T) {
	h := newHarness(t, greeterRegistry(t))
	id := h.start(t, "greeter", "run-1", json.RawMessage(`"world"`))

	h.drain(t)

	// The first run scheduled the task and dispatched a worker request.
	req, err := h.requests.Poll(context.Background(), time.Second)
	if err != nil || req == nil {
		t.Fatalf("request Poll = (%+v, %v)", req, err)
	}
	if req.Name != "greet" || req.Seq != 0 || req.ExecutionID != id {
		t.Errorf("request = %+v, want greet seq 0 for %s", req, id)
	}

	events := h.events(t, id)
	if countType(events, types.EventWorkflowStarted) != 1 {
		t.Error("history is missing WorkflowStarted")
	}
	if countType(events, types.EventTaskScheduled) != 1 {
		t.Error("history is missing TaskScheduled")
	}
	if h.execution(t, id).Status != types.ExecutionStatusInProgress {
		t.Errorf("Status = %s, want IN_PROGRESS while the task runs", h.execution(t, id).Status)
	}

	// The worker reports success; the next run reaches the terminal state.
	h.submit(t, id, &types.Event{
		Type:      types.EventTaskSucceeded,
		Timestamp: time.Now().UTC(),
		Seq:       0,
		Result:    json.RawMessage(`"hello world"`),
	})
	h.drain(t)

	execution := h.execution(t, id)
	if execution.Status != types.ExecutionStatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", execution.Status)
	}
	if string(execution.Result) != `"hello world"` {
		t.Errorf("Result = %s, want \"hello world\"", execution.Result)
	}
	events = h.events(t, id)
	if countType(events, types.EventWorkflowSucceeded) != 1 {
		t.Fatal("history is missing the terminal event")
	}

	// Late events for the finished execution are dropped on the floor.
	before := len(events)
	h.submit(t, id, &types.Event{
		Type:      types.EventTaskSucceeded,
		Timestamp: time.Now().UTC(),
		Seq:       0,
		Result:    json.RawMessage(`"again"`),
	})
	h.drain(t)
	if got := len(h.events(t, id)); got != before {
		t.Errorf("history grew from %d to %d after a late event", before, got)
	}
	if countType(h.events(t, id), types.EventWorkflowSucceeded) != 1 {
		t.Error("more than one terminal event")
	}
}

func TestProcessTask_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, greeterRegistry(t))
	id := h.start(t, "greeter", "run-1", json.RawMessage(`"world"`))
	h.drain(t)

	if req, _ := h.requests.Poll(context.Background(), time.Second); req == nil {
		t.Fatal("first run dispatched no task request")
	}

	// An at-least-once start redelivers the seed event.
	if _, err := h.client.StartExecution(context.Background(), "greeter", json.RawMessage(`"world"`),
		client.StartOptions{ExecutionName: "run-1"}); err != nil {
		t.Fatalf("second StartExecution error = %v", err)
	}
	h.drain(t)

	events := h.events(t, id)
	if got := countType(events, types.EventWorkflowStarted); got != 1 {
		t.Errorf("WorkflowStarted count = %d, want 1", got)
	}
	if got := countType(events, types.EventTaskScheduled); got != 1 {
		t.Errorf("TaskScheduled count = %d, want 1", got)
	}
	// No second dispatch: the replayed schedule matched the recorded one.
	if req, _ := h.requests.Poll(context.Background(), 20*time.Millisecond); req != nil {
		t.Errorf("redelivery dispatched a duplicate request: %+v", req)
	}
}

func TestProcessTask_WorkflowNotRegistered(t *testing.T) {
	h := newHarness(t, registry.New())
	id := h.start(t, "ghost", "run-1", nil)

	h.drain(t)

	execution := h.execution(t, id)
	if execution.Status != types.ExecutionStatusFailed {
		t.Fatalf("Status = %s, want FAILED", execution.Status)
	}
	if execution.Error != types.ErrorWorkflowNotFound {
		t.Errorf("Error = %q, want %q", execution.Error, types.ErrorWorkflowNotFound)
	}
	if countType(h.events(t, id), types.EventWorkflowFailed) != 1 {
		t.Error("history is missing the WorkflowFailed terminal event")
	}
}

func TestProcessTask_TimerScheduledAndCleared(t *testing.T) {
	reg := registry.New()
	err := reg.RegisterWorkflow("waiter", registry.Workflow{
		Fn: func(ctx *executor.Context, _ json.RawMessage) (any, error) {
			if err := ctx.Sleep(time.Hour).Get(nil); err != nil {
				return nil, err
			}
			return "woke", nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}
	h := newHarness(t, reg)
	id := h.start(t, "waiter", "run-1", nil)

	h.drain(t)

	scheduleID := timer.EventScheduleID(id, "timer", 0)
	sched, err := h.timerStore.GetSchedule(context.Background(), scheduleID)
	if err != nil {
		t.Fatalf("GetSchedule error = %v", err)
	}
	if until := time.Until(sched.FireTime); until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("FireTime is %v away, want about an hour", until)
	}

	h.submit(t, id, &types.Event{
		Type:      types.EventTimerCompleted,
		Timestamp: time.Now().UTC(),
		Seq:       0,
	})
	h.drain(t)

	if h.execution(t, id).Status != types.ExecutionStatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", h.execution(t, id).Status)
	}
	// Terminal executions keep no schedules around.
	if _, err := h.timerStore.GetSchedule(context.Background(), scheduleID); !errors.Is(err, timer.ErrScheduleNotFound) {
		t.Errorf("schedule survived the terminal state, err = %v", err)
	}
}

func TestProcessTask_SyntheticTimerCompletion(t *testing.T) {
	reg := registry.New()
	err := reg.RegisterWorkflow("elapsed", registry.Workflow{
		Fn: func(ctx *executor.Context, _ json.RawMessage) (any, error) {
			// Fires at the start time itself, so it is overdue by the time
			// anybody looks.
			if err := ctx.Timer(ctx.Now()).Get(nil); err != nil {
				return nil, err
			}
			return "late", nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}
	h := newHarness(t, reg)
	id := h.start(t, "elapsed", "run-1", nil)
	h.drain(t)

	if h.execution(t, id).Status != types.ExecutionStatusInProgress {
		t.Fatalf("Status = %s, want IN_PROGRESS before the timer resolves", h.execution(t, id).Status)
	}

	// The timer service never fired (it is not running). Redelivering the
	// seed forces a run that backfills the overdue completion.
	if _, err := h.client.StartExecution(context.Background(), "elapsed", nil,
		client.StartOptions{ExecutionName: "run-1"}); err != nil {
		t.Fatalf("second StartExecution error = %v", err)
	}
	h.drain(t)

	if h.execution(t, id).Status != types.ExecutionStatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED via synthetic completion", h.execution(t, id).Status)
	}
	if countType(h.events(t, id), types.EventTimerCompleted) != 1 {
		t.Error("expected exactly one TimerCompleted event")
	}
}

func TestProcessTask_ChildWorkflow(t *testing.T) {
	reg := registry.New()
	err := reg.RegisterWorkflow("child", registry.Workflow{
		Fn: func(ctx *executor.Context, input json.RawMessage) (any, error) {
			var n int
			if err := json.Unmarshal(input, &n); err != nil {
				return nil, err
			}
			return n * 2, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}
	err = reg.RegisterWorkflow("parent", registry.Workflow{
		Fn: func(ctx *executor.Context, _ json.RawMessage) (any, error) {
			var doubled int
			if err := ctx.Child("child", 21).Get(&doubled); err != nil {
				return nil, err
			}
			return doubled, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}

	h := newHarness(t, reg)
	id := h.start(t, "parent", "run-1", nil)

	// One drain carries the whole exchange: parent schedules the child, the
	// child runs to completion, its result flows back, the parent finishes.
	h.drain(t)

	childID := types.NewExecutionID("child", types.ChildExecutionName(id, 0))
	child := h.execution(t, childID)
	if child.Status != types.ExecutionStatusSucceeded {
		t.Fatalf("child Status = %s, want SUCCEEDED", child.Status)
	}
	if child.Parent == nil || child.Parent.ExecutionID != id || child.Parent.Seq != 0 {
		t.Errorf("child Parent = %+v, want {%s, 0}", child.Parent, id)
	}

	parent := h.execution(t, id)
	if parent.Status != types.ExecutionStatusSucceeded {
		t.Fatalf("parent Status = %s, want SUCCEEDED", parent.Status)
	}
	if string(parent.Result) != "42" {
		t.Errorf("parent Result = %s, want 42", parent.Result)
	}
	if countType(h.events(t, id), types.EventChildWorkflowSucceeded) != 1 {
		t.Error("parent history is missing ChildWorkflowSucceeded")
	}
}

func TestProcessTask_ChildTimeoutArmsAndFires(t *testing.T) {
	reg := registry.New()
	err := reg.RegisterWorkflow("slow-child", registry.Workflow{
		Fn: func(ctx *executor.Context, _ json.RawMessage) (any, error) {
			if err := ctx.ExpectSignal("never", 0).Get(nil); err != nil {
				return nil, err
			}
			return "unreachable", nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}
	err = reg.RegisterWorkflow("parent", registry.Workflow{
		Fn: func(ctx *executor.Context, _ json.RawMessage) (any, error) {
			if err := ctx.Child("slow-child", nil, executor.WithChildTimeout(100*time.Millisecond)).Get(nil); err != nil {
				return nil, err
			}
			return "unreachable", nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}

	h := newHarness(t, reg)
	id := h.start(t, "parent", "run-1", nil)
	h.drain(t)

	childID := types.NewExecutionID("slow-child", types.ChildExecutionName(id, 0))
	child := h.execution(t, childID)
	if child.Status != types.ExecutionStatusInProgress {
		t.Fatalf("child Status = %s, want IN_PROGRESS while waiting", child.Status)
	}

	// The child's first run armed a timeout from the per-start deadline.
	sched, err := h.timerStore.GetSchedule(context.Background(), string(childID)+"#wf-timeout")
	if err != nil {
		t.Fatalf("GetSchedule error = %v", err)
	}
	if sched.Event.Type != types.EventWorkflowTimedOut {
		t.Errorf("schedule event = %+v, want WorkflowTimedOut", sched.Event)
	}
	if until := time.Until(sched.FireTime); until > time.Second {
		t.Errorf("FireTime is %v away, want about 100ms", until)
	}

	// The timer service (not running here) would deliver this when it fires.
	h.submit(t, childID, &types.Event{
		Type:      types.EventWorkflowTimedOut,
		Timestamp: time.Now().UTC(),
		ID:        "wf-timeout",
	})
	h.drain(t)

	if got := h.execution(t, childID).Status; got != types.ExecutionStatusTimedOut {
		t.Fatalf("child Status = %s, want TIMED_OUT", got)
	}
	parent := h.execution(t, id)
	if parent.Status != types.ExecutionStatusFailed {
		t.Fatalf("parent Status = %s, want FAILED", parent.Status)
	}
	if parent.Error != types.ErrorTimeout {
		t.Errorf("parent Error = %q, want %q", parent.Error, types.ErrorTimeout)
	}
	if countType(h.events(t, id), types.EventChildWorkflowFailed) != 1 {
		t.Error("parent history is missing ChildWorkflowFailed")
	}
}

func TestProcessTask_ChildFailurePropagates(t *testing.T) {
	reg := registry.New()
	err := reg.RegisterWorkflow("broken-child", registry.Workflow{
		Fn: func(ctx *executor.Context, _ json.RawMessage) (any, error) {
			return nil, executor.NewError("OutOfStock", "no inventory left")
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}
	err = reg.RegisterWorkflow("parent", registry.Workflow{
		Fn: func(ctx *executor.Context, _ json.RawMessage) (any, error) {
			if err := ctx.Child("broken-child", nil).Get(nil); err != nil {
				return nil, err
			}
			return "unreachable", nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow error = %v", err)
	}

	h := newHarness(t, reg)
	id := h.start(t, "parent", "run-1", nil)
	h.drain(t)

	parent := h.execution(t, id)
	if parent.Status != types.ExecutionStatusFailed {
		t.Fatalf("parent Status = %s, want FAILED", parent.Status)
	}
	if parent.Error != "OutOfStock" {
		t.Errorf("parent Error = %q, want the child's error identity", parent.Error)
	}
}
