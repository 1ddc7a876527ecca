package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitflow/engine/internal/types"
)

// PostgresStore persists schedules in the timer_schedules table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	var eventJSON []byte
	if sched.Event != nil {
		var err error
		eventJSON, err = json.Marshal(sched.Event)
		if err != nil {
			return fmt.Errorf("marshal schedule event: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO timer_schedules (
			id, execution_id, fire_time, kind, status, version, created_at,
			event, seq, retry, heartbeat_timeout_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			fire_time = EXCLUDED.fire_time,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			event = EXCLUDED.event,
			heartbeat_timeout_ms = EXCLUDED.heartbeat_timeout_ms`,
		sched.ID, string(sched.ExecutionID), sched.FireTime, string(sched.Kind),
		sched.Status, sched.Version, sched.CreatedAt,
		eventJSON, sched.Seq, sched.Retry, sched.HeartbeatTimeout.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, fire_time, kind, status, version, created_at,
		       event, seq, retry, heartbeat_timeout_ms
		FROM timer_schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE timer_schedules
		SET fire_time = $1, status = $2, version = $3
		WHERE id = $4 AND version = $5`,
		sched.FireTime, sched.Status, sched.Version, sched.ID, sched.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM timer_schedules WHERE id = $1)`, sched.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check schedule: %w", err)
		}
		if !exists {
			return ErrScheduleNotFound
		}
		return ErrScheduleConflict
	}
	return nil
}

func (s *PostgresStore) GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, fire_time, kind, status, version, created_at,
		       event, seq, retry, heartbeat_timeout_ms
		FROM timer_schedules
		WHERE status = $1 AND fire_time <= $2
		ORDER BY fire_time
		LIMIT $3`,
		SchedulePending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var due []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sched)
	}
	return due, rows.Err()
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM timer_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteByExecution(ctx context.Context, id types.ExecutionID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM timer_schedules WHERE execution_id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete schedules: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched       Schedule
		executionID string
		kind        string
		eventJSON   []byte
		heartbeatMS int64
	)
	err := row.Scan(
		&sched.ID, &executionID, &sched.FireTime, &kind, &sched.Status,
		&sched.Version, &sched.CreatedAt, &eventJSON, &sched.Seq, &sched.Retry,
		&heartbeatMS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.ExecutionID = types.ExecutionID(executionID)
	sched.Kind = ScheduleKind(kind)
	sched.HeartbeatTimeout = time.Duration(heartbeatMS) * time.Millisecond
	if len(eventJSON) > 0 {
		var event types.Event
		if err := json.Unmarshal(eventJSON, &event); err != nil {
			return nil, fmt.Errorf("unmarshal schedule event: %w", err)
		}
		sched.Event = &event
	}
	return &sched, nil
}
