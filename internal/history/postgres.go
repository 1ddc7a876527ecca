package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitflow/engine/internal/types"
)

// PostgresStore implements Store using PostgreSQL. Events are stored one row
// per event with the event JSON as payload; identity is enforced with a
// unique (execution_id, event_id) constraint so retried appends are
// idempotent.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AppendEvents(ctx context.Context, id types.ExecutionID, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(append_seq), 0)
		FROM history_events
		WHERE execution_id = $1
	`, string(id)).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to read append position: %w", err)
	}

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.EventID(), err)
		}

		seq++
		_, err = tx.Exec(ctx, `
			INSERT INTO history_events (execution_id, event_id, append_seq, event_type, timestamp, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, string(id), event.EventID(), seq, string(event.Type), event.Timestamp, data)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// Event already appended by a retried request.
				seq--
				continue
			}
			return fmt.Errorf("failed to insert event %s: %w", event.EventID(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, id types.ExecutionID) ([]*types.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload
		FROM history_events
		WHERE execution_id = $1
		ORDER BY append_seq ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var e types.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) GetEventCount(ctx context.Context, id types.ExecutionID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM history_events WHERE execution_id = $1
	`, string(id)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// PostgresJournal implements Journal using PostgreSQL.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

func (j *PostgresJournal) Record(ctx context.Context, id types.ExecutionID, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal journal event: %w", err)
		}
		sortKey := fmt.Sprintf("%s#%s", event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"), event.EventID())
		_, err = j.pool.Exec(ctx, `
			INSERT INTO event_journal (execution_id, sort_key, payload)
			VALUES ($1, $2, $3)
			ON CONFLICT (execution_id, sort_key) DO NOTHING
		`, string(id), sortKey, data)
		if err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}
	}
	return nil
}

func (j *PostgresJournal) List(ctx context.Context, id types.ExecutionID, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := j.pool.Query(ctx, `
		SELECT payload
		FROM event_journal
		WHERE execution_id = $1
		ORDER BY sort_key ASC
		LIMIT $2
	`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		var e types.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
