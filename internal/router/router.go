// Package router delivers signals into execution histories and fans emitted
// events out to subscribers.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbitflow/engine/internal/executions"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/types"
)

// Router turns external signal sends into SignalReceived history events.
type Router struct {
	queue  queue.ExecutionQueue
	store  executions.Store
	logger *slog.Logger
}

func NewRouter(q queue.ExecutionQueue, store executions.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{queue: q, store: store, logger: logger}
}

// SendSignal submits a SignalReceived event to the target execution. The id
// is a de-dup hint: two sends with the same id collapse onto one history
// event. An empty id gets a fresh uuid, making the delivery unique.
// Deliveries to terminal executions are dropped.
func (r *Router) SendSignal(ctx context.Context, target types.ExecutionID, signalID string, payload json.RawMessage, id string) error {
	execution, err := r.store.GetExecution(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve signal target: %w", err)
	}
	if execution.Status.Terminal() {
		r.logger.Debug("dropping signal for terminal execution",
			slog.String("execution_id", string(target)),
			slog.String("signal_id", signalID),
		)
		return nil
	}

	if id == "" {
		id = uuid.NewString()
	}
	event := &types.Event{
		Type:      types.EventSignalReceived,
		Timestamp: time.Now().UTC(),
		ID:        id,
		SignalID:  signalID,
		Payload:   payload,
	}
	if err := r.queue.Submit(ctx, target, []*types.Event{event}); err != nil {
		return fmt.Errorf("submit signal: %w", err)
	}

	r.logger.Info("signal delivered",
		slog.String("execution_id", string(target)),
		slog.String("signal_id", signalID),
	)
	return nil
}
