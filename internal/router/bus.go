package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orbitflow/engine/internal/retry"
	"github.com/orbitflow/engine/internal/types"
)

// Delivery is one emitted event as seen by subscribers.
type Delivery struct {
	Source types.ExecutionID  `json:"source"`
	Event  types.EmittedEvent `json:"event"`
}

// Subscription selects emitted events and handles them. A zero Name matches
// every event; Predicate, when set, filters further.
type Subscription struct {
	Name      string
	Predicate func(Delivery) bool
	Handler   func(ctx context.Context, d Delivery) error
}

// DeadLetterSink receives deliveries a subscriber kept rejecting.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, d Delivery, err error)
}

// logSink is the default dead-letter sink.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) DeadLetter(_ context.Context, d Delivery, err error) {
	s.logger.Error("dead-lettered emitted event",
		slog.String("source", string(d.Source)),
		slog.String("event_name", d.Event.Name),
		slog.String("error", err.Error()),
	)
}

// Bus fans emitted events out to subscriptions with bounded retries, and
// optionally mirrors them to a redis pub/sub channel for off-process
// consumers.
type Bus struct {
	mu         sync.RWMutex
	subs       []Subscription
	policy     *retry.Policy
	deadLetter DeadLetterSink
	redis      redis.UniversalClient
	channel    string
	logger     *slog.Logger
}

// BusConfig holds the configuration for the event bus.
type BusConfig struct {
	// Redis, when set, mirrors every delivery to Channel via PUBLISH.
	Redis   redis.UniversalClient
	Channel string
	// Policy paces per-subscriber redelivery. Nil uses the default policy.
	Policy     *retry.Policy
	DeadLetter DeadLetterSink
	Logger     *slog.Logger
}

func NewBus(config BusConfig) *Bus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Policy == nil {
		config.Policy = retry.DefaultPolicy()
	}
	if config.DeadLetter == nil {
		config.DeadLetter = logSink{logger: config.Logger}
	}
	if config.Channel == "" {
		config.Channel = "orbitflow:events"
	}
	return &Bus{
		policy:     config.Policy,
		deadLetter: config.DeadLetter,
		redis:      config.Redis,
		channel:    config.Channel,
		logger:     config.Logger,
	}
}

// Subscribe registers a subscription. Safe to call while publishing.
func (b *Bus) Subscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Publish fans the events out to all matching subscriptions. Each subscriber
// is retried per the bus policy; exhausted deliveries go to the dead-letter
// sink. Publish never fails the caller: emission already happened as far as
// the workflow is concerned.
func (b *Bus) Publish(ctx context.Context, source types.ExecutionID, events []types.EmittedEvent) {
	b.mu.RLock()
	subs := make([]Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, event := range events {
		d := Delivery{Source: source, Event: event}
		b.mirror(ctx, d)
		for _, sub := range subs {
			if sub.Name != "" && sub.Name != event.Name {
				continue
			}
			if sub.Predicate != nil && !sub.Predicate(d) {
				continue
			}
			b.deliver(ctx, sub, d)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub Subscription, d Delivery) {
	var err error
	for attempt := int32(0); ; attempt++ {
		err = sub.Handler(ctx, d)
		if err == nil {
			return
		}
		if !b.policy.ShouldRetry(attempt+1, "") {
			break
		}
		select {
		case <-ctx.Done():
			b.deadLetter.DeadLetter(ctx, d, ctx.Err())
			return
		case <-time.After(b.policy.NextRetryDelay(attempt + 1)):
		}
	}
	b.deadLetter.DeadLetter(ctx, d, err)
}

func (b *Bus) mirror(ctx context.Context, d Delivery) {
	if b.redis == nil {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		b.logger.Error("failed to marshal delivery", slog.String("error", err.Error()))
		return
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn("failed to mirror delivery to redis",
			slog.String("channel", b.channel),
			slog.String("error", err.Error()),
		)
	}
}
