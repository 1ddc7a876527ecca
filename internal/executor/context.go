package executor

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/orbitflow/engine/internal/types"
)

// WorkflowFn is a workflow program. It runs on a dedicated goroutine and may
// only suspend through Future.Get; everything else it does must be
// deterministic so that replay reproduces the same request sequence.
type WorkflowFn func(ctx *Context, input json.RawMessage) (any, error)

// Context is the API surface available to workflow code.
type Context struct {
	ex *Executor
}

// Info returns static facts about the execution.
func (c *Context) Info() Info {
	return c.ex.info
}

// Now returns the deterministic clock: the timestamp of the event currently
// being processed, never the wall clock.
func (c *Context) Now() time.Time {
	return c.ex.now
}

// Logger returns a logger scoped to the execution. During replay of recorded
// history the logger is silenced so log lines are not duplicated on every
// run.
func (c *Context) Logger() *slog.Logger {
	if c.ex.replaying() {
		return slog.New(slog.DiscardHandler)
	}
	return c.ex.logger
}

// TaskOption customizes a scheduled task.
type TaskOption func(*types.Command)

// WithTaskTimeout bounds the task's total execution time.
func WithTaskTimeout(d time.Duration) TaskOption {
	return func(cmd *types.Command) { cmd.Timeout = d }
}

// WithHeartbeatTimeout requires the task to heartbeat at least this often.
func WithHeartbeatTimeout(d time.Duration) TaskOption {
	return func(cmd *types.Command) { cmd.HeartbeatTimeout = d }
}

// Task schedules a task for execution on a worker and returns a future for
// its result.
func (c *Context) Task(name string, input any, opts ...TaskOption) *Future {
	cmd := &types.Command{
		Kind:  types.CommandStartTask,
		Name:  name,
		Input: c.ex.mustMarshal(input),
	}
	for _, opt := range opts {
		opt(cmd)
	}
	return c.ex.schedule(cmd)
}

// Sleep starts a durable timer that fires after d.
func (c *Context) Sleep(d time.Duration) *Future {
	return c.Timer(c.ex.now.Add(d))
}

// Timer starts a durable timer that fires at the given absolute time.
func (c *Context) Timer(until time.Time) *Future {
	return c.ex.schedule(&types.Command{
		Kind:      types.CommandStartTimer,
		UntilTime: until.UTC(),
	})
}

// ChildOption customizes a child workflow.
type ChildOption func(*types.Command)

// WithChildTimeout bounds the child execution's total runtime.
func WithChildTimeout(d time.Duration) ChildOption {
	return func(cmd *types.Command) { cmd.Timeout = d }
}

// Child starts a child workflow execution and returns a future for its
// terminal result. The child's execution name is derived from the parent's
// name and the request's sequence number, so replay addresses the same child.
func (c *Context) Child(workflow string, input any, opts ...ChildOption) *Future {
	cmd := &types.Command{
		Kind:  types.CommandStartChildWorkflow,
		Name:  workflow,
		Input: c.ex.mustMarshal(input),
	}
	for _, opt := range opts {
		opt(cmd)
	}
	return c.ex.schedule(cmd)
}

// ExpectSignal suspends until a signal with the given id arrives, failing
// with Timeout if none arrives within the timeout. A zero timeout waits
// forever.
func (c *Context) ExpectSignal(signalID string, timeout time.Duration) *Future {
	f := c.ex.schedule(&types.Command{
		Kind:     types.CommandExpectSignal,
		SignalID: signalID,
		Timeout:  timeout,
	})
	c.ex.signalWaiters[signalID] = append(c.ex.signalWaiters[signalID], f)
	return f
}

// OnSignal registers a standing handler invoked for every delivery of the
// signal. Handlers run on the executor's goroutine while it applies events,
// with the workflow goroutine parked at a suspension point, so touching
// workflow state is safe; they must not suspend. They typically record the
// payload in workflow state observed by a Condition.
func (c *Context) OnSignal(signalID string, handler func(payload json.RawMessage)) {
	c.ex.signalHandlers[signalID] = append(c.ex.signalHandlers[signalID], handler)
}

// SignalExecution sends a signal to another execution. Delivery is
// fire-and-forget: the returned future resolves as soon as the send is
// recorded.
func (c *Context) SignalExecution(target types.ExecutionID, signalID string, payload any) *Future {
	f := c.ex.schedule(&types.Command{
		Kind:     types.CommandSendSignal,
		SignalID: signalID,
		Payload:  c.ex.mustMarshal(payload),
		Target:   target,
	})
	f.resolve(nil)
	return f
}

// SignalChild sends a signal to a child workflow previously started with
// Child. The child is addressed by its scheduling request, so the signal
// reaches the same execution on every replay.
func (c *Context) SignalChild(child *Future, signalID string, payload any) *Future {
	f := c.ex.schedule(&types.Command{
		Kind:     types.CommandSendSignal,
		SignalID: signalID,
		Payload:  c.ex.mustMarshal(payload),
		ChildSeq: child.seq,
	})
	f.resolve(nil)
	return f
}

// Emit publishes events to external subscribers. Emission is deduplicated by
// the recorded request, not redone on replay.
func (c *Context) Emit(events ...types.EmittedEvent) *Future {
	f := c.ex.schedule(&types.Command{
		Kind:   types.CommandEmitEvents,
		Events: events,
	})
	f.resolve(nil)
	return f
}

// Condition suspends until the predicate becomes true, re-evaluating it after
// every processed event. The future resolves to true, or to false when the
// timeout elapses first. A zero timeout waits forever.
func (c *Context) Condition(predicate func() bool, timeout time.Duration) *Future {
	f := c.ex.schedule(&types.Command{
		Kind:    types.CommandStartCondition,
		Timeout: timeout,
	})
	f.predicate = predicate
	c.ex.conditions = append(c.ex.conditions, f)
	if predicate() {
		f.resolve(jsonTrue)
	}
	return f
}

// Transaction runs a registered transaction function against the shared
// entity state and returns a future for its result.
func (c *Context) Transaction(name string, input any) *Future {
	return c.ex.schedule(&types.Command{
		Kind:  types.CommandInvokeTransaction,
		Name:  name,
		Input: c.ex.mustMarshal(input),
	})
}

// EntityGet reads a key from the execution's entity state. The future
// resolves to the stored value, or to null when the key is absent.
func (c *Context) EntityGet(key string) *Future {
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandEntityOp,
		Entity: &types.EntityOperation{Op: types.EntityOpGet, Key: key},
	})
}

// EntitySet writes a key in the execution's entity state.
func (c *Context) EntitySet(key string, value any) *Future {
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandEntityOp,
		Entity: &types.EntityOperation{Op: types.EntityOpSet, Key: key, Value: c.ex.mustMarshal(value)},
	})
}

// EntityDelete removes a key from the execution's entity state.
func (c *Context) EntityDelete(key string) *Future {
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandEntityOp,
		Entity: &types.EntityOperation{Op: types.EntityOpDelete, Key: key},
	})
}

// BucketPut stores a blob under bucket/key.
func (c *Context) BucketPut(bucket, key string, data []byte) *Future {
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandBucketOp,
		Bucket: &types.BucketOperation{Op: types.BucketOpPut, Bucket: bucket, Key: key, Data: data},
	})
}

// BucketGet reads a blob. The future fails with BlobNotFound when absent.
func (c *Context) BucketGet(bucket, key string) *Future {
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandBucketOp,
		Bucket: &types.BucketOperation{Op: types.BucketOpGet, Bucket: bucket, Key: key},
	})
}

// BucketDelete removes a blob.
func (c *Context) BucketDelete(bucket, key string) *Future {
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandBucketOp,
		Bucket: &types.BucketOperation{Op: types.BucketOpDelete, Bucket: bucket, Key: key},
	})
}

// BucketList resolves to the keys in the bucket matching the prefix.
func (c *Context) BucketList(bucket, prefix string) *Future {
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandBucketOp,
		Bucket: &types.BucketOperation{Op: types.BucketOpList, Bucket: bucket, Prefix: prefix},
	})
}

// SearchExecutions queries executions visible to this workflow's engine. The
// result set is recorded in history, so replay sees the same snapshot.
func (c *Context) SearchExecutions(q types.SearchQuery) *Future {
	query := q
	return c.ex.schedule(&types.Command{
		Kind:   types.CommandSearchOp,
		Search: &query,
	})
}

// All resolves once every future resolves; see Executor.All.
func (c *Context) All(futures ...*Future) *Future { return c.ex.All(futures...) }

// AllSettled resolves once every future settles; see Executor.AllSettled.
func (c *Context) AllSettled(futures ...*Future) *Future { return c.ex.AllSettled(futures...) }

// Any resolves with the first resolution; see Executor.Any.
func (c *Context) Any(futures ...*Future) *Future { return c.ex.Any(futures...) }

// Race settles with the first settlement; see Executor.Race.
func (c *Context) Race(futures ...*Future) *Future { return c.ex.Race(futures...) }
