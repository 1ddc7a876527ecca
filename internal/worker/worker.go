// Package worker runs task handlers. A worker claims one attempt of a task,
// establishes a scoped invocation (heartbeats, sealed completion token,
// panic containment) and reports the outcome back to the calling execution's
// queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/orbitflow/engine/internal/crypto"
	"github.com/orbitflow/engine/internal/executions"
	"github.com/orbitflow/engine/internal/executor"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/registry"
	"github.com/orbitflow/engine/internal/timer"
	"github.com/orbitflow/engine/internal/types"
)

// TokenPayload is the sealed content of a task completion token.
type TokenPayload struct {
	ExecutionID types.ExecutionID `json:"executionId"`
	Seq         int64             `json:"seq"`
}

// Config holds the configuration for the task worker.
type Config struct {
	// Identity names this worker in task claims. Defaults to hostname plus a
	// random suffix.
	Identity    string
	Concurrency int
	PollTimeout time.Duration
	PollsPerSec float64
	Logger      *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		PollTimeout: 5 * time.Second,
		PollsPerSec: 100,
	}
}

// Worker consumes task requests and runs registered handlers.
type Worker struct {
	registry *registry.Registry
	requests queue.RequestQueue
	results  queue.ExecutionQueue
	claims   executions.Store
	timers   *timer.Service
	sealer   *crypto.Sealer
	config   Config
	logger   *slog.Logger
	limiter  *rate.Limiter

	running bool
	stopCh  chan struct{}
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func New(reg *registry.Registry, requests queue.RequestQueue, results queue.ExecutionQueue, claims executions.Store, timers *timer.Service, sealer *crypto.Sealer, config Config) *Worker {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Identity == "" {
		hostname, _ := os.Hostname()
		config.Identity = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 5 * time.Second
	}
	if config.PollsPerSec <= 0 {
		config.PollsPerSec = 100
	}
	return &Worker{
		registry: reg,
		requests: requests,
		results:  results,
		claims:   claims,
		timers:   timers,
		sealer:   sealer,
		config:   config,
		logger:   config.Logger.With(slog.String("worker", config.Identity)),
		limiter:  rate.NewLimiter(rate.Limit(config.PollsPerSec), 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("task worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("starting task worker", slog.Int("concurrency", w.config.Concurrency))

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx)
	}
	return nil
}

// Stop stops polling and waits for in-flight tasks.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("task worker stopped")
	case <-ctx.Done():
		w.logger.Warn("task worker stop timed out")
	}
	return nil
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		req, err := w.requests.Poll(ctx, w.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to poll task queue", slog.String("error", err.Error()))
			continue
		}
		if req == nil {
			continue
		}
		if req.Kind != queue.RequestKindTask {
			// Misrouted request; put it back for the right worker kind.
			if err := w.requests.Add(ctx, req); err != nil {
				w.logger.Error("failed to requeue misrouted request",
					slog.String("execution_id", string(req.ExecutionID)),
					slog.String("kind", string(req.Kind)),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		w.process(ctx, req)
	}
}

// process claims and runs one task attempt.
func (w *Worker) process(ctx context.Context, req *queue.Request) {
	err := w.claims.ClaimTask(ctx, req.ExecutionID, req.Seq, req.Retry, w.config.Identity, time.Now().UTC())
	if err != nil {
		if errors.Is(err, types.ErrAlreadyClaimed) {
			// Another worker owns this attempt.
			return
		}
		w.logger.Error("failed to claim task",
			slog.String("execution_id", string(req.ExecutionID)),
			slog.Int64("seq", req.Seq),
			slog.String("error", err.Error()),
		)
		return
	}

	logger := w.logger.With(
		slog.String("execution_id", string(req.ExecutionID)),
		slog.String("task", req.Name),
		slog.Int64("seq", req.Seq),
	)

	handler, err := w.registry.Task(req.Name)
	if err != nil {
		logger.Warn("task not registered")
		w.report(ctx, req, nil, executor.NewError(types.ErrorTaskNotFound,
			fmt.Sprintf("task %q is not registered", req.Name)))
		return
	}

	monitorArmed := false
	if req.HeartbeatTimeout > 0 {
		if err := w.timers.ScheduleHeartbeatMonitor(ctx, req.ExecutionID, req.Seq, req.Retry, req.HeartbeatTimeout); err != nil {
			logger.Error("failed to arm heartbeat monitor", slog.String("error", err.Error()))
		} else {
			monitorArmed = true
		}
	}
	// The monitor is released on every exit path; a leaked monitor would
	// eventually fire a spurious heartbeat timeout.
	defer func() {
		if !monitorArmed {
			return
		}
		scheduleID := timer.HeartbeatScheduleID(req.ExecutionID, req.Seq, req.Retry)
		if err := w.timers.Cancel(ctx, scheduleID); err != nil {
			logger.Warn("failed to release heartbeat monitor", slog.String("error", err.Error()))
		}
	}()

	token, err := w.sealToken(req)
	if err != nil {
		w.report(ctx, req, nil, err)
		return
	}

	tc := &registry.TaskContext{
		ExecutionID: req.ExecutionID,
		Seq:         req.Seq,
		Retry:       req.Retry,
		Logger:      logger,
		Token:       token,
		Heartbeat: func(ctx context.Context) error {
			return w.claims.RecordHeartbeat(ctx, req.ExecutionID, req.Seq, time.Now().UTC())
		},
	}

	taskCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, req.ScheduledTime.Add(req.Timeout))
		defer cancel()
	}

	out, err := w.invoke(taskCtx, handler, tc, req.Input)
	if errors.Is(err, registry.ErrAsyncTask) {
		logger.Debug("task completes asynchronously")
		return
	}
	w.report(ctx, req, out, err)
}

// invoke runs the handler with panic containment.
func (w *Worker) invoke(ctx context.Context, handler registry.TaskHandler, tc *registry.TaskContext, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = executor.NewError("Panic", fmt.Sprint(r))
		}
	}()
	return handler(ctx, tc, input)
}

// report submits the task outcome to the calling execution's queue.
func (w *Worker) report(ctx context.Context, req *queue.Request, out any, taskErr error) {
	event := &types.Event{
		Timestamp: time.Now().UTC(),
		Seq:       req.Seq,
	}
	if taskErr != nil {
		event.Type = types.EventTaskFailed
		event.Error, event.Message = errorName(taskErr), taskErr.Error()
	} else {
		result, err := marshalResult(out)
		if err != nil {
			event.Type = types.EventTaskFailed
			event.Error, event.Message = "MarshalError", err.Error()
		} else {
			event.Type = types.EventTaskSucceeded
			event.Result = result
		}
	}

	if err := w.results.Submit(ctx, req.ExecutionID, []*types.Event{event}); err != nil {
		w.logger.Error("failed to report task result",
			slog.String("execution_id", string(req.ExecutionID)),
			slog.Int64("seq", req.Seq),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) sealToken(req *queue.Request) (string, error) {
	if w.sealer == nil {
		return "", nil
	}
	payload, err := json.Marshal(TokenPayload{ExecutionID: req.ExecutionID, Seq: req.Seq})
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	token, err := w.sealer.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("seal token: %w", err)
	}
	return token, nil
}

func marshalResult(out any) (json.RawMessage, error) {
	if out == nil {
		return nil, nil
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(out)
}

func errorName(err error) string {
	var werr *executor.Error
	if errors.As(err, &werr) {
		return werr.Name
	}
	return fmt.Sprintf("%T", err)
}
