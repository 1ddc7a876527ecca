// Package transaction runs registered transaction functions against the
// entity store with optimistic concurrency: each attempt executes in a
// shadow environment, and the commit is a conditional multi-write that
// fails the attempt when any observed version moved.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbitflow/engine/internal/entity"
	"github.com/orbitflow/engine/internal/executor"
	"github.com/orbitflow/engine/internal/registry"
	"github.com/orbitflow/engine/internal/retry"
	"github.com/orbitflow/engine/internal/router"
	"github.com/orbitflow/engine/internal/types"
)

// Stable error identifiers recorded on failed transaction requests.
const (
	ErrorConflict = "TransactionConflict"
	ErrorNotFound = "TransactionNotFound"
)

const maxAttempts = 100

// SignalSender delivers post-commit signals queued by a transaction.
type SignalSender interface {
	SendSignal(ctx context.Context, target types.ExecutionID, signalID string, payload json.RawMessage, id string) error
}

// Config holds the configuration for the transaction executor.
type Config struct {
	// Policy paces conflict retries. MaximumAttempts is ignored; the attempt
	// cap is fixed at 100.
	Policy *retry.Policy
	Logger *slog.Logger
}

// Executor runs transactions by name.
type Executor struct {
	registry *registry.Registry
	entities entity.Store
	bus      *router.Bus
	signals  SignalSender
	policy   *retry.Policy
	logger   *slog.Logger
}

func NewExecutor(reg *registry.Registry, entities entity.Store, bus *router.Bus, signals SignalSender, config Config) *Executor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Policy == nil {
		config.Policy = retry.DefaultPolicy().
			WithInitialInterval(10 * time.Millisecond).
			WithMaximumInterval(time.Second)
	}
	return &Executor{
		registry: reg,
		entities: entities,
		bus:      bus,
		signals:  signals,
		policy:   config.Policy,
		logger:   config.Logger,
	}
}

// Execute runs the named transaction to completion. Conflicts retry with
// backoff up to the attempt cap; handler errors fail immediately. Buffered
// events and signals are released only after a successful commit.
func (e *Executor) Execute(ctx context.Context, source types.ExecutionID, name string, input json.RawMessage) (json.RawMessage, error) {
	handler, err := e.registry.Transaction(name)
	if err != nil {
		return nil, executor.NewError(ErrorNotFound, err.Error())
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		shadow := newShadowStore(ctx, e.entities)

		out, err := handler(ctx, shadow, input)
		if err != nil {
			return nil, err
		}
		if shadow.readErr != nil {
			return nil, fmt.Errorf("transaction %q read: %w", name, shadow.readErr)
		}

		result, err := marshalResult(out)
		if err != nil {
			return nil, err
		}

		writes, asserts := shadow.commitSet()
		err = e.entities.Commit(ctx, writes, asserts)
		if err == nil {
			e.release(ctx, source, shadow)
			e.logger.Debug("transaction committed",
				slog.String("transaction", name),
				slog.Int("attempt", attempt+1),
			)
			return result, nil
		}
		if !errors.Is(err, entity.ErrVersionConflict) {
			return nil, fmt.Errorf("commit transaction %q: %w", name, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.policy.NextRetryDelay(int32(attempt + 1))):
		}
	}

	e.logger.Warn("transaction exhausted its attempts", slog.String("transaction", name))
	return nil, executor.NewError(ErrorConflict,
		fmt.Sprintf("transaction %q did not commit within %d attempts", name, maxAttempts))
}

// release delivers post-commit emissions and signals. Failures here are
// logged, not surfaced: the commit already happened.
func (e *Executor) release(ctx context.Context, source types.ExecutionID, shadow *shadowStore) {
	if len(shadow.events) > 0 && e.bus != nil {
		e.bus.Publish(ctx, source, shadow.events)
	}
	for _, sig := range shadow.signals {
		if e.signals == nil {
			break
		}
		if err := e.signals.SendSignal(ctx, sig.target, sig.signalID, sig.payload, ""); err != nil {
			e.logger.Error("failed to send post-commit signal",
				slog.String("target", string(sig.target)),
				slog.String("signal_id", sig.signalID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func marshalResult(out any) (json.RawMessage, error) {
	if out == nil {
		return nil, nil
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction result: %w", err)
	}
	return data, nil
}
