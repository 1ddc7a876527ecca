// Package registry holds the named workflow, task and transaction functions
// a deployment serves. Registries are populated at startup and read-only
// afterwards, but are still guarded for callers that register late.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitflow/engine/internal/executor"
	"github.com/orbitflow/engine/internal/types"
)

var (
	ErrWorkflowNotRegistered    = errors.New("workflow not registered")
	ErrTaskNotRegistered        = errors.New("task not registered")
	ErrTransactionNotRegistered = errors.New("transaction not registered")
	ErrDuplicateRegistration    = errors.New("name already registered")
)

// TaskContext carries per-invocation facts into a task handler.
type TaskContext struct {
	ExecutionID types.ExecutionID
	Seq         int64
	Retry       int32
	Logger      *slog.Logger

	// Heartbeat reports liveness for tasks with a heartbeat timeout.
	Heartbeat func(ctx context.Context) error

	// Token is the sealed completion token for asynchronous tasks. A handler
	// that hands the token to an external system returns ErrAsyncTask and the
	// result is reported later through the client API.
	Token string
}

// ErrAsyncTask is returned by a task handler to signal that the task outcome
// will be reported asynchronously via its completion token.
var ErrAsyncTask = errors.New("task completes asynchronously")

// TaskHandler executes one task attempt.
type TaskHandler func(ctx context.Context, tc *TaskContext, input json.RawMessage) (any, error)

// TxStore is the view of shared state a transaction function sees: reads
// observe committed versions, writes and emissions are buffered until commit.
type TxStore interface {
	EntityGet(ctx context.Context, key string) (json.RawMessage, error)
	EntitySet(key string, value json.RawMessage)
	EntityDelete(key string)
	Emit(event types.EmittedEvent)
	Signal(target types.ExecutionID, signalID string, payload json.RawMessage)
}

// TxHandler executes one transaction attempt against a shadow store. The
// engine retries the whole function when the commit loses a version race, so
// handlers must be side-effect free apart from the store.
type TxHandler func(ctx context.Context, store TxStore, input json.RawMessage) (any, error)

// Workflow couples a workflow function with its execution defaults.
type Workflow struct {
	Fn Fn
	// Timeout bounds every execution of this workflow. Zero means the engine
	// default applies.
	Timeout time.Duration
}

// Fn aliases the executor's workflow function type so that user code only
// imports this package.
type Fn = executor.WorkflowFn

// Registry maps names to workflow, task and transaction functions.
type Registry struct {
	mu           sync.RWMutex
	workflows    map[string]Workflow
	tasks        map[string]TaskHandler
	transactions map[string]TxHandler
}

func New() *Registry {
	return &Registry{
		workflows:    make(map[string]Workflow),
		tasks:        make(map[string]TaskHandler),
		transactions: make(map[string]TxHandler),
	}
}

// RegisterWorkflow adds a workflow function under the given name.
func (r *Registry) RegisterWorkflow(name string, wf Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("workflow %q: %w", name, ErrDuplicateRegistration)
	}
	r.workflows[name] = wf
	return nil
}

// RegisterTask adds a task handler under the given name.
func (r *Registry) RegisterTask(name string, h TaskHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("task %q: %w", name, ErrDuplicateRegistration)
	}
	r.tasks[name] = h
	return nil
}

// RegisterTransaction adds a transaction function under the given name.
func (r *Registry) RegisterTransaction(name string, h TxHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[name]; ok {
		return fmt.Errorf("transaction %q: %w", name, ErrDuplicateRegistration)
	}
	r.transactions[name] = h
	return nil
}

// Workflow looks up a workflow by name.
func (r *Registry) Workflow(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %q: %w", name, ErrWorkflowNotRegistered)
	}
	return wf, nil
}

// Task looks up a task handler by name.
func (r *Registry) Task(name string) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrTaskNotRegistered)
	}
	return h, nil
}

// Transaction looks up a transaction function by name.
func (r *Registry) Transaction(name string) (TxHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.transactions[name]
	if !ok {
		return nil, fmt.Errorf("transaction %q: %w", name, ErrTransactionNotRegistered)
	}
	return h, nil
}
