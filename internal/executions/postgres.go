package executions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitflow/engine/internal/types"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *types.Execution) error {
	var parentID *string
	var parentSeq *int64
	if e.Parent != nil {
		pid := string(e.Parent.ExecutionID)
		parentID = &pid
		parentSeq = &e.Parent.Seq
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, workflow_name, execution_name, input, input_hash,
			status, start_time, parent_execution_id, parent_seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(e.ID), e.WorkflowName, e.ExecutionName, e.Input, e.InputHash,
		string(e.Status), e.StartTime, parentID, parentSeq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return types.ErrExecutionAlreadyExists
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id types.ExecutionID) (*types.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_name, execution_name, input, input_hash, status,
		       start_time, end_time, result, error, message,
		       parent_execution_id, parent_seq
		FROM executions
		WHERE id = $1
	`, string(id))
	return scanExecution(row)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, q ListQuery) ([]*types.Execution, error) {
	query := `
		SELECT id, workflow_name, execution_name, input, input_hash, status,
		       start_time, end_time, result, error, message,
		       parent_execution_id, parent_seq
		FROM executions
		WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.WorkflowName != "" {
		query += " AND workflow_name = " + arg(q.WorkflowName)
	}
	if q.Status != "" {
		query += " AND status = " + arg(string(q.Status))
	}
	if q.NamePrefix != "" {
		query += " AND execution_name LIKE " + arg(q.NamePrefix+"%")
	}
	if q.StartedAfter != nil {
		query += " AND start_time > " + arg(*q.StartedAfter)
	}
	query += " ORDER BY start_time ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*types.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompleteExecution(ctx context.Context, id types.ExecutionID, update TerminalUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $1, result = $2, error = $3, message = $4, end_time = $5
		WHERE id = $6 AND status = $7
	`, string(update.Status), update.Result, update.Error, update.Message,
		update.EndTime, string(id), string(types.ExecutionStatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check execution: %w", err)
		}
		if !exists {
			return types.ErrExecutionNotFound
		}
		return types.ErrOptimisticLock
	}
	return nil
}

func (s *PostgresStore) ClaimTask(ctx context.Context, id types.ExecutionID, seq int64, retry int32, claimer string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_claims (execution_id, seq, retry, claimer, claimed_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, string(id), seq, retry, claimer, at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return types.ErrAlreadyClaimed
		}
		return fmt.Errorf("failed to claim task: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, id types.ExecutionID, seq int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_claims
		SET last_heartbeat = $1
		WHERE execution_id = $2 AND seq = $3
		  AND retry = (SELECT MAX(retry) FROM task_claims WHERE execution_id = $2 AND seq = $3)
	`, at, string(id), seq)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrExecutionNotFound
	}
	return nil
}

func (s *PostgresStore) LastHeartbeat(ctx context.Context, id types.ExecutionID, seq int64) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_heartbeat
		FROM task_claims
		WHERE execution_id = $1 AND seq = $2
		ORDER BY retry DESC
		LIMIT 1
	`, string(id), seq).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, types.ErrExecutionNotFound
		}
		return time.Time{}, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	return at, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*types.Execution, error) {
	var (
		e         types.Execution
		id        string
		status    string
		endTime   *time.Time
		parentID  *string
		parentSeq *int64
	)
	err := row.Scan(&id, &e.WorkflowName, &e.ExecutionName, &e.Input, &e.InputHash,
		&status, &e.StartTime, &endTime, &e.Result, &e.Error, &e.Message,
		&parentID, &parentSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	e.ID = types.ExecutionID(id)
	e.Status = types.ExecutionStatus(status)
	e.EndTime = endTime
	if parentID != nil && parentSeq != nil {
		e.Parent = &types.ParentRef{ExecutionID: types.ExecutionID(*parentID), Seq: *parentSeq}
	}
	return &e, nil
}
