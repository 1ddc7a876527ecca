// Package commands turns workflow commands into side effects: worker
// dispatch, timer schedules, child starts, signal sends, event emission and
// inline data-plane requests. Each command yields exactly one scheduled
// history event; result events flow back through the execution queue.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbitflow/engine/internal/bucket"
	"github.com/orbitflow/engine/internal/entity"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/router"
	"github.com/orbitflow/engine/internal/search"
	"github.com/orbitflow/engine/internal/timer"
	"github.com/orbitflow/engine/internal/types"
)

// ErrUnknownCommand means the executor saw a command kind it cannot handle.
var ErrUnknownCommand = errors.New("unknown command kind")

// ExecutionStarter starts child workflow executions.
type ExecutionStarter interface {
	StartChildExecution(ctx context.Context, workflowName, executionName string, input json.RawMessage, timeout time.Duration, parent *types.ParentRef) error
}

// Executor performs the side effects of workflow commands.
type Executor struct {
	tasks        queue.RequestQueue
	transactions queue.RequestQueue
	execQueue    queue.ExecutionQueue
	timers       *timer.Service
	router       *router.Router
	bus          *router.Bus
	entities     entity.Store
	buckets      bucket.Store
	search       *search.Service
	starter      ExecutionStarter
	logger       *slog.Logger
}

// Deps bundles the services commands fan out to. Task and transaction
// requests go to separate queues; each worker kind consumes only its own.
type Deps struct {
	Tasks        queue.RequestQueue
	Transactions queue.RequestQueue
	ExecQueue    queue.ExecutionQueue
	Timers       *timer.Service
	Router       *router.Router
	Bus          *router.Bus
	Entities     entity.Store
	Buckets      bucket.Store
	Search       *search.Service
	Starter      ExecutionStarter
	Logger       *slog.Logger
}

func NewExecutor(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Executor{
		tasks:        deps.Tasks,
		transactions: deps.Transactions,
		execQueue:    deps.ExecQueue,
		timers:       deps.Timers,
		router:       deps.Router,
		bus:          deps.Bus,
		entities:     deps.Entities,
		buckets:      deps.Buckets,
		search:       deps.Search,
		starter:      deps.Starter,
		logger:       deps.Logger,
	}
}

// Execute performs one command for the execution and returns the scheduled
// event to persist. History is needed to resolve child-relative signal
// targets.
func (e *Executor) Execute(ctx context.Context, execution *types.Execution, history []*types.Event, cmd *types.Command) (*types.Event, error) {
	now := time.Now().UTC()
	event := &types.Event{
		Type:      cmd.ScheduledEventType(),
		Timestamp: now,
		Seq:       cmd.Seq,
	}

	switch cmd.Kind {
	case types.CommandStartTask:
		event.Name = cmd.Name
		event.Input = cmd.Input
		if cmd.Timeout > 0 {
			t := now.Add(cmd.Timeout)
			event.TimeoutTime = &t
		}
		if err := e.dispatchTask(ctx, execution, cmd, now); err != nil {
			return nil, err
		}

	case types.CommandStartTimer:
		until := cmd.UntilTime
		event.UntilTime = &until
		err := e.timers.ScheduleEvent(ctx, execution.ID,
			timer.EventScheduleID(execution.ID, "timer", cmd.Seq), until,
			&types.Event{Type: types.EventTimerCompleted, Seq: cmd.Seq})
		if err != nil {
			return nil, err
		}

	case types.CommandStartChildWorkflow:
		event.Name = cmd.Name
		event.Input = cmd.Input
		childName := types.ChildExecutionName(execution.ID, cmd.Seq)
		err := e.starter.StartChildExecution(ctx, cmd.Name, childName, cmd.Input, cmd.Timeout,
			&types.ParentRef{ExecutionID: execution.ID, Seq: cmd.Seq})
		if err != nil && !errors.Is(err, types.ErrExecutionAlreadyExists) {
			return nil, fmt.Errorf("start child workflow: %w", err)
		}

	case types.CommandSendSignal:
		target, err := resolveSignalTarget(execution.ID, history, cmd)
		if err != nil {
			return nil, err
		}
		event.SignalID = cmd.SignalID
		event.Payload = cmd.Payload
		event.Target = target
		// The send is deduplicated on (executionId, seq) so a re-executed
		// batch cannot deliver the signal twice.
		dedupID := fmt.Sprintf("%s/%d", execution.ID, cmd.Seq)
		if err := e.router.SendSignal(ctx, target, cmd.SignalID, cmd.Payload, dedupID); err != nil {
			return nil, err
		}

	case types.CommandEmitEvents:
		event.Events = cmd.Events
		e.bus.Publish(ctx, execution.ID, cmd.Events)

	case types.CommandExpectSignal:
		event.SignalID = cmd.SignalID
		if cmd.Timeout > 0 {
			t := now.Add(cmd.Timeout)
			event.TimeoutTime = &t
			err := e.timers.ScheduleEvent(ctx, execution.ID,
				timer.EventScheduleID(execution.ID, "signal-timeout", cmd.Seq), t,
				&types.Event{Type: types.EventSignalTimedOut, Seq: cmd.Seq})
			if err != nil {
				return nil, err
			}
		}

	case types.CommandStartCondition:
		if cmd.Timeout > 0 {
			t := now.Add(cmd.Timeout)
			event.TimeoutTime = &t
			err := e.timers.ScheduleEvent(ctx, execution.ID,
				timer.EventScheduleID(execution.ID, "condition-timeout", cmd.Seq), t,
				&types.Event{Type: types.EventConditionTimedOut, Seq: cmd.Seq})
			if err != nil {
				return nil, err
			}
		}

	case types.CommandInvokeTransaction:
		event.Name = cmd.Name
		event.Input = cmd.Input
		err := e.transactions.Add(ctx, &queue.Request{
			Kind:          queue.RequestKindTransaction,
			ExecutionID:   execution.ID,
			Seq:           cmd.Seq,
			WorkflowName:  execution.WorkflowName,
			Name:          cmd.Name,
			Input:         cmd.Input,
			ScheduledTime: now,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue transaction request: %w", err)
		}

	case types.CommandEntityOp:
		event.Entity = cmd.Entity
		e.reportResult(ctx, execution.ID, cmd.Seq,
			types.EventEntityRequestSucceeded, types.EventEntityRequestFailed,
			e.performEntityOp(ctx, cmd.Entity))

	case types.CommandBucketOp:
		event.Bucket = cmd.Bucket
		e.reportResult(ctx, execution.ID, cmd.Seq,
			types.EventBucketRequestSucceeded, types.EventBucketRequestFailed,
			e.performBucketOp(ctx, cmd.Bucket))

	case types.CommandSearchOp:
		event.Search = cmd.Search
		e.reportResult(ctx, execution.ID, cmd.Seq,
			types.EventSearchRequestSucceeded, types.EventSearchRequestFailed,
			e.performSearch(ctx, cmd.Search))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Kind)
	}

	return event, nil
}

func (e *Executor) dispatchTask(ctx context.Context, execution *types.Execution, cmd *types.Command, now time.Time) error {
	err := e.tasks.Add(ctx, &queue.Request{
		Kind:             queue.RequestKindTask,
		ExecutionID:      execution.ID,
		Seq:              cmd.Seq,
		WorkflowName:     execution.WorkflowName,
		Name:             cmd.Name,
		Input:            cmd.Input,
		Timeout:          cmd.Timeout,
		HeartbeatTimeout: cmd.HeartbeatTimeout,
		ScheduledTime:    now,
	})
	if err != nil {
		return fmt.Errorf("enqueue task request: %w", err)
	}
	if cmd.Timeout > 0 {
		err := e.timers.ScheduleEvent(ctx, execution.ID,
			timer.EventScheduleID(execution.ID, "task-timeout", cmd.Seq), now.Add(cmd.Timeout),
			&types.Event{
				Type:    types.EventTaskFailed,
				Seq:     cmd.Seq,
				Error:   types.ErrorTimeout,
				Message: fmt.Sprintf("task %q exceeded its timeout", cmd.Name),
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// opOutcome is the inline result of a data-plane operation.
type opOutcome struct {
	result json.RawMessage
	err    error
}

// reportResult submits the success or failure event to the execution queue.
// The scheduled event is persisted by the caller regardless, so a failed
// submit only delays the result until a retry.
func (e *Executor) reportResult(ctx context.Context, id types.ExecutionID, seq int64, okType, failType types.EventType, outcome opOutcome) {
	event := &types.Event{
		Timestamp: time.Now().UTC(),
		Seq:       seq,
	}
	if outcome.err != nil {
		event.Type = failType
		event.Error = stableErrorName(outcome.err)
		event.Message = outcome.err.Error()
	} else {
		event.Type = okType
		event.Result = outcome.result
	}
	if err := e.execQueue.Submit(ctx, id, []*types.Event{event}); err != nil {
		e.logger.Error("failed to submit request result",
			slog.String("execution_id", string(id)),
			slog.Int64("seq", seq),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) performEntityOp(ctx context.Context, op *types.EntityOperation) opOutcome {
	switch op.Op {
	case types.EntityOpGet:
		versioned, err := e.entities.Get(ctx, op.Key)
		if err != nil {
			return opOutcome{err: err}
		}
		if !versioned.Exists() {
			return opOutcome{result: json.RawMessage(`null`)}
		}
		return opOutcome{result: versioned.Value}
	case types.EntityOpSet:
		err := e.entities.Commit(ctx, []entity.Write{
			{Key: op.Key, Value: op.Value, ExpectedVersion: entity.UnconditionalWrite},
		}, nil)
		return opOutcome{err: err}
	case types.EntityOpDelete:
		err := e.entities.Commit(ctx, []entity.Write{
			{Key: op.Key, ExpectedVersion: entity.UnconditionalWrite},
		}, nil)
		return opOutcome{err: err}
	default:
		return opOutcome{err: fmt.Errorf("unknown entity op %q", op.Op)}
	}
}

func (e *Executor) performBucketOp(ctx context.Context, op *types.BucketOperation) opOutcome {
	switch op.Op {
	case types.BucketOpPut:
		return opOutcome{err: e.buckets.Put(ctx, op.Bucket, op.Key, op.Data)}
	case types.BucketOpGet:
		data, err := e.buckets.Get(ctx, op.Bucket, op.Key)
		if err != nil {
			return opOutcome{err: err}
		}
		result, err := json.Marshal(data)
		if err != nil {
			return opOutcome{err: err}
		}
		return opOutcome{result: result}
	case types.BucketOpDelete:
		return opOutcome{err: e.buckets.Delete(ctx, op.Bucket, op.Key)}
	case types.BucketOpList:
		keys, err := e.buckets.List(ctx, op.Bucket, op.Prefix)
		if err != nil {
			return opOutcome{err: err}
		}
		result, err := json.Marshal(keys)
		if err != nil {
			return opOutcome{err: err}
		}
		return opOutcome{result: result}
	default:
		return opOutcome{err: fmt.Errorf("unknown bucket op %q", op.Op)}
	}
}

func (e *Executor) performSearch(ctx context.Context, q *types.SearchQuery) opOutcome {
	matches, err := e.search.Search(ctx, *q)
	if err != nil {
		return opOutcome{err: err}
	}
	result, err := json.Marshal(matches)
	if err != nil {
		return opOutcome{err: err}
	}
	return opOutcome{result: result}
}

// resolveSignalTarget finds the execution a SendSignal addresses: either an
// explicit target, or the child spawned at the command's ChildSeq.
func resolveSignalTarget(parent types.ExecutionID, history []*types.Event, cmd *types.Command) (types.ExecutionID, error) {
	if cmd.Target != "" {
		return cmd.Target, nil
	}
	for _, e := range history {
		if e.Type == types.EventChildWorkflowScheduled && e.Seq == cmd.ChildSeq {
			return types.NewExecutionID(e.Name, types.ChildExecutionName(parent, e.Seq)), nil
		}
	}
	return "", fmt.Errorf("signal target: no child workflow scheduled at seq %d", cmd.ChildSeq)
}

// stableErrorName maps well-known store failures onto stable identifiers.
func stableErrorName(err error) string {
	switch {
	case errors.Is(err, bucket.ErrBlobNotFound):
		return "BlobNotFound"
	case errors.Is(err, entity.ErrVersionConflict):
		return "EntityConflict"
	default:
		return "RequestError"
	}
}
