// Package orchestrator drives executions forward: it leases workflow tasks
// from the execution queue, replays the workflow against its history, runs
// the resulting commands and persists the new events, until the execution
// reaches a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbitflow/engine/internal/commands"
	"github.com/orbitflow/engine/internal/executions"
	"github.com/orbitflow/engine/internal/executor"
	"github.com/orbitflow/engine/internal/history"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/registry"
	"github.com/orbitflow/engine/internal/timer"
	"github.com/orbitflow/engine/internal/types"
)

// Config holds the configuration for the orchestrator.
type Config struct {
	Concurrency int
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		PollTimeout: 5 * time.Second,
	}
}

// Orchestrator is the workflow task processing loop.
type Orchestrator struct {
	registry   *registry.Registry
	histories  history.Store
	journal    history.Journal
	executions executions.Store
	execQueue  queue.ExecutionQueue
	commands   *commands.Executor
	timers     *timer.Service
	config     Config
	logger     *slog.Logger

	running bool
	stopCh  chan struct{}
	mu      sync.Mutex
	group   *errgroup.Group
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Histories  history.Store
	Journal    history.Journal
	Executions executions.Store
	ExecQueue  queue.ExecutionQueue
	Commands   *commands.Executor
	Timers     *timer.Service
}

func New(deps Deps, config Config) *Orchestrator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 5 * time.Second
	}
	return &Orchestrator{
		registry:   deps.Registry,
		histories:  deps.Histories,
		journal:    deps.Journal,
		executions: deps.Executions,
		execQueue:  deps.ExecQueue,
		commands:   deps.Commands,
		timers:     deps.Timers,
		config:     config,
		logger:     config.Logger,
	}
}

// Start launches the processing loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator is already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.group = &errgroup.Group{}
	o.mu.Unlock()

	o.logger.Info("starting orchestrator", slog.Int("concurrency", o.config.Concurrency))

	for i := 0; i < o.config.Concurrency; i++ {
		o.group.Go(func() error {
			o.runLoop(ctx)
			return nil
		})
	}
	return nil
}

// Stop stops polling and waits for in-flight tasks.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopCh)
	group := o.group
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		group.Wait() //nolint:errcheck // loops only return nil
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
	case <-ctx.Done():
		o.logger.Warn("orchestrator stop timed out")
	}
	return nil
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		default:
		}

		lease, err := o.execQueue.Poll(ctx, o.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("failed to poll execution queue", slog.String("error", err.Error()))
			continue
		}
		if lease == nil {
			continue
		}

		if err := o.ProcessTask(ctx, lease.Task); err != nil {
			o.logger.Error("workflow task failed, requeueing",
				slog.String("execution_id", string(lease.Task.ExecutionID)),
				slog.String("error", err.Error()),
			)
			if nackErr := o.execQueue.Nack(ctx, lease); nackErr != nil {
				o.logger.Error("failed to nack workflow task", slog.String("error", nackErr.Error()))
			}
			continue
		}
		if err := o.execQueue.Ack(ctx, lease); err != nil {
			o.logger.Error("failed to ack workflow task", slog.String("error", err.Error()))
		}
	}
}

// ProcessTask runs one workflow task to completion: merge the delivered
// events into history, replay the workflow, execute its commands and persist
// everything that happened. Safe to re-run on redelivery; every appended
// event has a stable identity.
func (o *Orchestrator) ProcessTask(ctx context.Context, task *queue.WorkflowTask) error {
	execution, err := o.executions.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if execution.Status.Terminal() {
		// Late events for a finished execution are dropped.
		o.logger.Debug("dropping events for terminal execution",
			slog.String("execution_id", string(execution.ID)))
		return nil
	}

	stored, err := o.histories.GetEvents(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	started := types.FindWorkflowStarted(stored)
	if started == nil {
		started = types.FindWorkflowStarted(task.Events)
	}
	if started == nil {
		return fmt.Errorf("execution %s has no WorkflowStarted event", execution.ID)
	}

	baseTime := time.Now().UTC()
	runIndex := countRuns(stored)

	// The run's working history: stored events, the delivered batch, and
	// synthetic completions for timers that elapsed while nobody fired them.
	workingHistory := types.MergeEvents(stored, task.Events)
	synthetic := syntheticTimerCompletions(workingHistory, baseTime)
	workingHistory = types.MergeEvents(workingHistory, synthetic)

	newEvents := make([]*types.Event, 0, len(task.Events)+len(synthetic)+4)
	newEvents = append(newEvents, task.Events...)
	newEvents = append(newEvents, synthetic...)
	newEvents = append(newEvents, &types.Event{
		Type:      types.EventWorkflowRunStarted,
		Timestamp: baseTime,
		ID:        fmt.Sprintf("run-%d-started", runIndex),
	})

	wf, err := o.registry.Workflow(execution.WorkflowName)
	if err != nil {
		o.logger.Warn("workflow not registered",
			slog.String("execution_id", string(execution.ID)),
			slog.String("workflow", execution.WorkflowName),
		)
		return o.finish(ctx, execution, newEvents, &executor.Outcome{
			Status:  types.ExecutionStatusFailed,
			Error:   types.ErrorWorkflowNotFound,
			Message: fmt.Sprintf("workflow %q is not registered", execution.WorkflowName),
		}, runIndex)
	}

	if runIndex == 0 {
		// A per-execution deadline stamped at start wins over the workflow's
		// registered default.
		var deadline time.Time
		switch {
		case started.TimeoutTime != nil:
			deadline = *started.TimeoutTime
		case wf.Timeout > 0:
			deadline = execution.StartTime.Add(wf.Timeout)
		}
		if !deadline.IsZero() {
			err := o.timers.ScheduleEvent(ctx, execution.ID,
				string(execution.ID)+"#wf-timeout", deadline,
				&types.Event{Type: types.EventWorkflowTimedOut, ID: "wf-timeout"})
			if err != nil {
				return fmt.Errorf("schedule workflow timeout: %w", err)
			}
		}
	}

	ex := executor.New(wf.Fn, executor.Info{
		WorkflowName:  execution.WorkflowName,
		ExecutionID:   execution.ID,
		ExecutionName: execution.ExecutionName,
		StartTime:     execution.StartTime,
		Parent:        execution.Parent,
	}, o.logger)
	result := ex.Run(started.Input, workingHistory)

	// Commands run in seq order: a SendSignal may address a child scheduled
	// earlier in the same batch.
	for _, cmd := range result.Commands {
		scheduled, err := o.commands.Execute(ctx, execution, workingHistory, cmd)
		if err != nil {
			return fmt.Errorf("execute command %s seq %d: %w", cmd.Kind, cmd.Seq, err)
		}
		workingHistory = types.MergeEvents(workingHistory, []*types.Event{scheduled})
		newEvents = append(newEvents, scheduled)
	}

	if result.Outcome != nil {
		return o.finish(ctx, execution, newEvents, result.Outcome, runIndex)
	}

	newEvents = append(newEvents, &types.Event{
		Type:      types.EventWorkflowRunCompleted,
		Timestamp: time.Now().UTC(),
		ID:        fmt.Sprintf("run-%d-completed", runIndex),
	})
	return o.persist(ctx, execution.ID, newEvents)
}

// finish persists the run's events plus the terminal event, completes the
// execution record, clears pending timers and notifies the parent.
func (o *Orchestrator) finish(ctx context.Context, execution *types.Execution, newEvents []*types.Event, outcome *executor.Outcome, runIndex int) error {
	endTime := time.Now().UTC()

	newEvents = append(newEvents, &types.Event{
		Type:      types.EventWorkflowRunCompleted,
		Timestamp: endTime,
		ID:        fmt.Sprintf("run-%d-completed", runIndex),
	})

	terminal := &types.Event{
		Timestamp: endTime,
		ID:        "workflow-terminal",
		Result:    outcome.Output,
		Error:     outcome.Error,
		Message:   outcome.Message,
	}
	switch outcome.Status {
	case types.ExecutionStatusSucceeded:
		terminal.Type = types.EventWorkflowSucceeded
	case types.ExecutionStatusTimedOut:
		terminal.Type = types.EventWorkflowTimedOut
		terminal.ID = "wf-timeout"
	default:
		terminal.Type = types.EventWorkflowFailed
	}
	newEvents = append(newEvents, terminal)

	if err := o.persist(ctx, execution.ID, newEvents); err != nil {
		return err
	}

	err := o.executions.CompleteExecution(ctx, execution.ID, executions.TerminalUpdate{
		Status:  outcome.Status,
		Result:  outcome.Output,
		Error:   outcome.Error,
		Message: outcome.Message,
		EndTime: endTime,
	})
	if err != nil && !errors.Is(err, types.ErrOptimisticLock) {
		return fmt.Errorf("complete execution: %w", err)
	}

	if err := o.timers.ClearExecution(ctx, execution.ID); err != nil {
		o.logger.Warn("failed to clear schedules for terminal execution",
			slog.String("execution_id", string(execution.ID)),
			slog.String("error", err.Error()),
		)
	}

	if execution.Parent != nil {
		if err := o.notifyParent(ctx, execution, outcome, endTime); err != nil {
			return err
		}
	}

	o.logger.Info("execution finished",
		slog.String("execution_id", string(execution.ID)),
		slog.String("status", string(outcome.Status)),
		slog.String("error", outcome.Error),
	)
	return nil
}

// notifyParent submits the child's terminal result to the parent execution.
func (o *Orchestrator) notifyParent(ctx context.Context, execution *types.Execution, outcome *executor.Outcome, at time.Time) error {
	event := &types.Event{
		Timestamp: at,
		Seq:       execution.Parent.Seq,
	}
	if outcome.Status == types.ExecutionStatusSucceeded {
		event.Type = types.EventChildWorkflowSucceeded
		event.Result = outcome.Output
	} else {
		event.Type = types.EventChildWorkflowFailed
		event.Error = outcome.Error
		event.Message = outcome.Message
	}
	if err := o.execQueue.Submit(ctx, execution.Parent.ExecutionID, []*types.Event{event}); err != nil {
		return fmt.Errorf("notify parent: %w", err)
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, id types.ExecutionID, events []*types.Event) error {
	if err := o.histories.AppendEvents(ctx, id, events); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if o.journal != nil {
		if err := o.journal.Record(ctx, id, events); err != nil {
			o.logger.Warn("failed to journal events",
				slog.String("execution_id", string(id)),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// countRuns counts completed runs, giving the index of the run about to
// start. Stable across redelivery because run-completed events are recorded
// with deterministic ids.
func countRuns(history []*types.Event) int {
	n := 0
	for _, e := range history {
		if e.Type == types.EventWorkflowRunCompleted {
			n++
		}
	}
	return n
}

// syntheticTimerCompletions completes timers that are due but were never
// fired, e.g. because the engine was down when they elapsed.
func syntheticTimerCompletions(history []*types.Event, now time.Time) []*types.Event {
	completed := make(map[int64]bool)
	for _, e := range history {
		if e.Type == types.EventTimerCompleted {
			completed[e.Seq] = true
		}
	}
	var synthetic []*types.Event
	for _, e := range history {
		if e.Type != types.EventTimerScheduled || e.UntilTime == nil {
			continue
		}
		if completed[e.Seq] || e.UntilTime.After(now) {
			continue
		}
		synthetic = append(synthetic, &types.Event{
			Type:      types.EventTimerCompleted,
			Timestamp: now,
			Seq:       e.Seq,
		})
	}
	return synthetic
}
