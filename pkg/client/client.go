// Package client is the in-process API surface of the engine: starting and
// inspecting executions, delivering signals and events, and completing tasks
// asynchronously via sealed tokens.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbitflow/engine/internal/crypto"
	"github.com/orbitflow/engine/internal/executions"
	"github.com/orbitflow/engine/internal/history"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/router"
	"github.com/orbitflow/engine/internal/transaction"
	"github.com/orbitflow/engine/internal/types"
	"github.com/orbitflow/engine/internal/worker"
)

// ErrInvalidToken means a task completion token failed to open.
var ErrInvalidToken = errors.New("invalid task token")

// StartOptions customizes StartExecution.
type StartOptions struct {
	// ExecutionName names the execution; a fresh uuid when empty. Starting
	// the same (workflow, name, input) twice is idempotent.
	ExecutionName string
	Parent        *types.ParentRef
	// Timeout bounds the execution's total runtime. Zero defers to the
	// registered workflow's own timeout.
	Timeout time.Duration
}

// StartResult reports the outcome of StartExecution.
type StartResult struct {
	ExecutionID    types.ExecutionID
	AlreadyRunning bool
}

// Client talks to the engine's stores and queues directly.
type Client struct {
	executions   executions.Store
	histories    history.Store
	execQueue    queue.ExecutionQueue
	router       *router.Router
	bus          *router.Bus
	sealer       *crypto.Sealer
	transactions *transaction.Executor
	logger       *slog.Logger
}

// Deps bundles the client's collaborators.
type Deps struct {
	Executions   executions.Store
	Histories    history.Store
	ExecQueue    queue.ExecutionQueue
	Router       *router.Router
	Bus          *router.Bus
	Sealer       *crypto.Sealer
	Transactions *transaction.Executor
	Logger       *slog.Logger
}

func New(deps Deps) *Client {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Client{
		executions:   deps.Executions,
		histories:    deps.Histories,
		execQueue:    deps.ExecQueue,
		router:       deps.Router,
		bus:          deps.Bus,
		sealer:       deps.Sealer,
		transactions: deps.Transactions,
		logger:       deps.Logger,
	}
}

// StartExecution creates the execution record, seeds its WorkflowStarted
// event and enqueues the first workflow task. Starting an execution that
// already exists with the same input is a no-op reporting AlreadyRunning;
// the same name with different input fails with types.ErrInputMismatch.
func (c *Client) StartExecution(ctx context.Context, workflowName string, input json.RawMessage, opts StartOptions) (*StartResult, error) {
	name := opts.ExecutionName
	if name == "" {
		name = uuid.NewString()
	}
	id := types.NewExecutionID(workflowName, name)
	inputHash := types.HashInput(input)
	startTime := time.Now().UTC()

	execution := &types.Execution{
		ID:            id,
		WorkflowName:  workflowName,
		ExecutionName: name,
		Input:         input,
		InputHash:     inputHash,
		Status:        types.ExecutionStatusInProgress,
		StartTime:     startTime,
		Parent:        opts.Parent,
	}

	alreadyRunning := false
	err := c.executions.CreateExecution(ctx, execution)
	if err != nil {
		if !errors.Is(err, types.ErrExecutionAlreadyExists) {
			return nil, fmt.Errorf("create execution: %w", err)
		}
		existing, getErr := c.executions.GetExecution(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("load existing execution: %w", getErr)
		}
		if existing.InputHash != inputHash {
			return nil, fmt.Errorf("execution %s: %w", id, types.ErrInputMismatch)
		}
		alreadyRunning = true
		startTime = existing.StartTime
	}

	// The seed event's identity is stable, so submitting it again after a
	// crash (or on an idempotent restart) merges into a single history event.
	seed := &types.Event{
		Type:      types.EventWorkflowStarted,
		Timestamp: startTime,
		ID:        "workflow-started",
		Name:      workflowName,
		Input:     input,
	}
	if opts.Timeout > 0 {
		// Anchored to the recorded start time so a redelivered seed carries
		// the same deadline.
		deadline := startTime.Add(opts.Timeout)
		seed.TimeoutTime = &deadline
	}
	if err := c.execQueue.Submit(ctx, id, []*types.Event{seed}); err != nil {
		return nil, fmt.Errorf("enqueue first workflow task: %w", err)
	}

	if !alreadyRunning {
		c.logger.Info("execution started",
			slog.String("execution_id", string(id)),
			slog.String("workflow", workflowName),
		)
	}
	return &StartResult{ExecutionID: id, AlreadyRunning: alreadyRunning}, nil
}

// StartChildExecution starts a child workflow on behalf of a parent. It
// satisfies the command executor's starter dependency.
func (c *Client) StartChildExecution(ctx context.Context, workflowName, executionName string, input json.RawMessage, timeout time.Duration, parent *types.ParentRef) error {
	_, err := c.StartExecution(ctx, workflowName, input, StartOptions{
		ExecutionName: executionName,
		Parent:        parent,
		Timeout:       timeout,
	})
	return err
}

// GetExecution returns the execution record.
func (c *Client) GetExecution(ctx context.Context, id types.ExecutionID) (*types.Execution, error) {
	return c.executions.GetExecution(ctx, id)
}

// ListExecutions lists executions matching the query.
func (c *Client) ListExecutions(ctx context.Context, q executions.ListQuery) ([]*types.Execution, error) {
	return c.executions.ListExecutions(ctx, q)
}

// GetExecutionHistory returns a page of the execution's history in append
// order. A limit of 0 returns everything from offset on.
func (c *Client) GetExecutionHistory(ctx context.Context, id types.ExecutionID, offset, limit int) ([]*types.Event, error) {
	events, err := c.histories.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset >= len(events) {
		return nil, nil
	}
	events = events[offset:]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// ExportHistory returns the execution's full history as a newline-delimited
// JSON blob, one event per line in append order.
func (c *Client) ExportHistory(ctx context.Context, id types.ExecutionID) ([]byte, error) {
	events, err := c.histories.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return history.MarshalHistory(events)
}

// SendSignal delivers a signal to an execution. The id is an optional de-dup
// hint; empty means every call is a distinct delivery.
func (c *Client) SendSignal(ctx context.Context, target types.ExecutionID, signalID string, payload json.RawMessage, id string) error {
	return c.router.SendSignal(ctx, target, signalID, payload, id)
}

// EmitEvents publishes events to the engine's subscribers on behalf of an
// external producer.
func (c *Client) EmitEvents(ctx context.Context, source types.ExecutionID, events []types.EmittedEvent) {
	c.bus.Publish(ctx, source, events)
}

// SendTaskSuccess completes an asynchronous task identified by its sealed
// token.
func (c *Client) SendTaskSuccess(ctx context.Context, token string, result json.RawMessage) error {
	payload, err := c.openToken(token)
	if err != nil {
		return err
	}
	event := &types.Event{
		Type:      types.EventTaskSucceeded,
		Timestamp: time.Now().UTC(),
		Seq:       payload.Seq,
		Result:    result,
	}
	return c.execQueue.Submit(ctx, payload.ExecutionID, []*types.Event{event})
}

// SendTaskFailure fails an asynchronous task identified by its sealed token.
func (c *Client) SendTaskFailure(ctx context.Context, token string, errorName, message string) error {
	payload, err := c.openToken(token)
	if err != nil {
		return err
	}
	event := &types.Event{
		Type:      types.EventTaskFailed,
		Timestamp: time.Now().UTC(),
		Seq:       payload.Seq,
		Error:     errorName,
		Message:   message,
	}
	return c.execQueue.Submit(ctx, payload.ExecutionID, []*types.Event{event})
}

// SendTaskHeartbeat records liveness for an asynchronous task. It returns
// cancelled=true when the work is no longer wanted: the execution reached a
// terminal state, or the attempt's claim is gone (for instance after a
// heartbeat timeout retried the task), so the holder should stop.
func (c *Client) SendTaskHeartbeat(ctx context.Context, token string) (bool, error) {
	payload, err := c.openToken(token)
	if err != nil {
		return false, err
	}
	execution, err := c.executions.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		if errors.Is(err, types.ErrExecutionNotFound) {
			return true, nil
		}
		return false, err
	}
	if execution.Status != types.ExecutionStatusInProgress {
		return true, nil
	}
	err = c.executions.RecordHeartbeat(ctx, payload.ExecutionID, payload.Seq, time.Now().UTC())
	if err != nil {
		if errors.Is(err, types.ErrExecutionNotFound) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// ExecuteTransaction runs a registered transaction synchronously.
func (c *Client) ExecuteTransaction(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	return c.transactions.Execute(ctx, "", name, input)
}

func (c *Client) openToken(token string) (*worker.TokenPayload, error) {
	data, err := c.sealer.Open(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	var payload worker.TokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	return &payload, nil
}
