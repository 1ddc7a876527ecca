package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orbitflow/engine/internal/executor"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/types"
)

// WorkerConfig holds the configuration for the transaction worker.
type WorkerConfig struct {
	Concurrency int
	PollTimeout time.Duration
	PollsPerSec float64
	Logger      *slog.Logger
}

// DefaultWorkerConfig returns the default configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 4,
		PollTimeout: 5 * time.Second,
		PollsPerSec: 100,
	}
}

// Worker consumes transaction requests from the dispatch queue, runs them
// through the executor and reports the result event back to the calling
// execution's queue.
type Worker struct {
	executor *Executor
	requests queue.RequestQueue
	results  queue.ExecutionQueue
	config   WorkerConfig
	logger   *slog.Logger
	limiter  *rate.Limiter

	running bool
	stopCh  chan struct{}
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func NewWorker(ex *Executor, requests queue.RequestQueue, results queue.ExecutionQueue, config WorkerConfig) *Worker {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 5 * time.Second
	}
	if config.PollsPerSec <= 0 {
		config.PollsPerSec = 100
	}
	return &Worker{
		executor: ex,
		requests: requests,
		results:  results,
		config:   config,
		logger:   config.Logger,
		limiter:  rate.NewLimiter(rate.Limit(config.PollsPerSec), 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("transaction worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("starting transaction worker", slog.Int("concurrency", w.config.Concurrency))

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx)
	}
	return nil
}

// Stop stops polling and waits for in-flight transactions.
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
		w.logger.Info("transaction worker stopped")
	case <-ctx.Done():
		w.logger.Warn("transaction worker stop timed out")
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
			w.logger.Error("failed to poll transaction queue", slog.String("error", err.Error()))
			continue
		}
		if req == nil {
			continue
		}
		if req.Kind != queue.RequestKindTransaction {
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

func (w *Worker) process(ctx context.Context, req *queue.Request) {
	result, err := w.executor.Execute(ctx, req.ExecutionID, req.Name, req.Input)

	event := &types.Event{
		Timestamp: time.Now().UTC(),
		Seq:       req.Seq,
	}
	if err != nil {
		event.Type = types.EventTransactionRequestFailed
		event.Error, event.Message = errorName(err), err.Error()
	} else {
		event.Type = types.EventTransactionRequestSucceeded
		event.Result = result
	}

	if err := w.results.Submit(ctx, req.ExecutionID, []*types.Event{event}); err != nil {
		w.logger.Error("failed to report transaction result",
			slog.String("execution_id", string(req.ExecutionID)),
			slog.Int64("seq", req.Seq),
			slog.String("error", err.Error()),
		)
	}
}

func errorName(err error) string {
	var werr *executor.Error
	if errors.As(err, &werr) {
		return werr.Name
	}
	return fmt.Sprintf("%T", err)
}
