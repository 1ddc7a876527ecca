package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orbitflow/engine/internal/types"
)

// Lua scripts keep the backlog, ready list, queued set and lease bookkeeping
// consistent under concurrent producers and consumers.
var (
	submitScript = redis.NewScript(`
		local id = ARGV[1]
		for i = 2, #ARGV do
			redis.call('RPUSH', KEYS[1], ARGV[i])
		end
		if redis.call('SADD', KEYS[3], id) == 1 then
			redis.call('LPUSH', KEYS[2], id)
		end
		return 1
	`)

	// pollScript first returns expired leases to the ready list, then claims
	// the next ready execution: its backlog moves to an in-flight list and the
	// lease is recorded with its expiry, so a consumer that dies before Ack
	// loses the lease instead of the execution.
	pollScript = redis.NewScript(`
		local expired = redis.call('ZRANGEBYSCORE', KEYS[2], 0, ARGV[1])
		for _, id in ipairs(expired) do
			local inflight = ARGV[4] .. id
			local held = redis.call('LRANGE', inflight, 0, -1)
			for i = #held, 1, -1 do
				redis.call('LPUSH', ARGV[3] .. id, held[i])
			end
			redis.call('DEL', inflight)
			redis.call('ZREM', KEYS[2], id)
			redis.call('LPUSH', KEYS[1], id)
		end
		local id = redis.call('RPOP', KEYS[1])
		if not id then
			return false
		end
		local events = redis.call('LRANGE', ARGV[3] .. id, 0, -1)
		redis.call('DEL', ARGV[3] .. id)
		local inflight = ARGV[4] .. id
		for _, e in ipairs(events) do
			redis.call('RPUSH', inflight, e)
		end
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		local reply = {id}
		for _, e in ipairs(events) do
			reply[#reply + 1] = e
		end
		return reply
	`)

	ackScript = redis.NewScript(`
		redis.call('DEL', KEYS[5])
		redis.call('ZREM', KEYS[4], ARGV[1])
		if redis.call('LLEN', KEYS[1]) > 0 then
			redis.call('LPUSH', KEYS[2], ARGV[1])
		else
			redis.call('SREM', KEYS[3], ARGV[1])
		end
		return 1
	`)

	nackScript = redis.NewScript(`
		local held = redis.call('LRANGE', KEYS[4], 0, -1)
		for i = #held, 1, -1 do
			redis.call('LPUSH', KEYS[1], held[i])
		end
		redis.call('DEL', KEYS[4])
		redis.call('ZREM', KEYS[3], ARGV[1])
		redis.call('LPUSH', KEYS[2], ARGV[1])
		return 1
	`)
)

// DefaultLeaseTimeout bounds how long a polled workflow task may stay
// unacknowledged before another consumer can reclaim it.
const DefaultLeaseTimeout = 30 * time.Second

// leasePollInterval paces the blocking-Poll emulation loop.
const leasePollInterval = 50 * time.Millisecond

// RedisExecutionQueue is a Redis-backed execution queue. Per-execution
// backlogs are lists, the ready list orders executions FIFO, a queued set
// guards the single-in-flight-per-execution invariant, and a leased zset
// tracks in-flight tasks by expiry so a crashed consumer's work is
// redelivered after the lease times out.
type RedisExecutionQueue struct {
	client       *redis.Client
	name         string
	leaseTimeout time.Duration
	metrics      *Metrics
}

// NewRedisExecutionQueue builds the queue. A zero leaseTimeout uses
// DefaultLeaseTimeout.
func NewRedisExecutionQueue(client *redis.Client, name string, leaseTimeout time.Duration) *RedisExecutionQueue {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	return &RedisExecutionQueue{
		client:       client,
		name:         name,
		leaseTimeout: leaseTimeout,
		metrics:      NewMetrics(),
	}
}

func (q *RedisExecutionQueue) Metrics() *Metrics { return q.metrics }

func (q *RedisExecutionQueue) eventsKey(id types.ExecutionID) string {
	return q.eventsPrefix() + string(id)
}

func (q *RedisExecutionQueue) eventsPrefix() string {
	return fmt.Sprintf("execq:%s:events:", q.name)
}

func (q *RedisExecutionQueue) inflightKey(id types.ExecutionID) string {
	return q.inflightPrefix() + string(id)
}

func (q *RedisExecutionQueue) inflightPrefix() string {
	return fmt.Sprintf("execq:%s:inflight:", q.name)
}

func (q *RedisExecutionQueue) readyKey() string {
	return fmt.Sprintf("execq:%s:ready", q.name)
}

func (q *RedisExecutionQueue) queuedKey() string {
	return fmt.Sprintf("execq:%s:queued", q.name)
}

func (q *RedisExecutionQueue) leasedKey() string {
	return fmt.Sprintf("execq:%s:leased", q.name)
}

func (q *RedisExecutionQueue) Submit(ctx context.Context, id types.ExecutionID, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	argv := make([]any, 0, len(events)+1)
	argv = append(argv, string(id))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		argv = append(argv, data)
	}
	keys := []string{q.eventsKey(id), q.readyKey(), q.queuedKey()}
	if err := submitScript.Run(ctx, q.client, keys, argv...).Err(); err != nil {
		return fmt.Errorf("failed to submit workflow task: %w", err)
	}
	q.metrics.TaskSubmitted()
	return nil
}

func (q *RedisExecutionQueue) Poll(ctx context.Context, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)
	for {
		lease, err := q.tryPoll(ctx)
		if err != nil || lease != nil {
			return lease, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := leasePollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryPoll makes one reclaim-and-claim attempt. A nil lease with a nil error
// means nothing was ready.
func (q *RedisExecutionQueue) tryPoll(ctx context.Context) (*Lease, error) {
	now := time.Now()
	keys := []string{q.readyKey(), q.leasedKey()}
	argv := []any{
		now.UnixMilli(),
		now.Add(q.leaseTimeout).UnixMilli(),
		q.eventsPrefix(),
		q.inflightPrefix(),
	}
	raw, err := pollScript.Run(ctx, q.client, keys, argv...).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to poll ready list: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	id := types.ExecutionID(raw[0])

	events := make([]*types.Event, 0, len(raw)-1)
	for _, data := range raw[1:] {
		var e types.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &e)
	}

	q.metrics.TaskDispatched()
	return &Lease{Task: &WorkflowTask{ExecutionID: id, Events: events}}, nil
}

func (q *RedisExecutionQueue) Ack(ctx context.Context, lease *Lease) error {
	id := lease.Task.ExecutionID
	keys := []string{q.eventsKey(id), q.readyKey(), q.queuedKey(), q.leasedKey(), q.inflightKey(id)}
	if err := ackScript.Run(ctx, q.client, keys, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to ack workflow task: %w", err)
	}
	return nil
}

func (q *RedisExecutionQueue) Nack(ctx context.Context, lease *Lease) error {
	id := lease.Task.ExecutionID
	keys := []string{q.eventsKey(id), q.readyKey(), q.leasedKey(), q.inflightKey(id)}
	if err := nackScript.Run(ctx, q.client, keys, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to nack workflow task: %w", err)
	}
	return nil
}

// RedisRequestQueue is a Redis-backed request queue.
type RedisRequestQueue struct {
	client   *redis.Client
	queueKey string
	metrics  *Metrics
}

func NewRedisRequestQueue(client *redis.Client, name string) *RedisRequestQueue {
	return &RedisRequestQueue{
		client:   client,
		queueKey: fmt.Sprintf("reqq:%s", name),
		metrics:  NewMetrics(),
	}
}

func (q *RedisRequestQueue) Metrics() *Metrics { return q.metrics }

func (q *RedisRequestQueue) Add(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := q.client.RPush(ctx, q.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}
	q.metrics.TaskSubmitted()
	return nil
}

func (q *RedisRequestQueue) Poll(ctx context.Context, timeout time.Duration) (*Request, error) {
	results, err := q.client.BLPop(ctx, timeout, q.queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to poll request queue: %w", err)
	}
	if len(results) < 2 {
		return nil, nil
	}
	var req Request
	if err := json.Unmarshal([]byte(results[1]), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	q.metrics.TaskDispatched()
	q.metrics.RecordLatency(time.Since(req.ScheduledTime))
	return &req, nil
}
