// Command migrate applies the engine's postgres schema. Every statement is
// idempotent, so re-running is safe.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id                  TEXT PRIMARY KEY,
		workflow_name       TEXT NOT NULL,
		execution_name      TEXT NOT NULL,
		input               BYTEA,
		input_hash          TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		start_time          TIMESTAMPTZ NOT NULL,
		end_time            TIMESTAMPTZ,
		result              BYTEA,
		error               TEXT NOT NULL DEFAULT '',
		message             TEXT NOT NULL DEFAULT '',
		parent_execution_id TEXT,
		parent_seq          BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_workflow
		ON executions (workflow_name, status, start_time)`,

	`CREATE TABLE IF NOT EXISTS history_events (
		execution_id TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		append_seq   BIGINT NOT NULL,
		event_type   TEXT NOT NULL,
		timestamp    TIMESTAMPTZ NOT NULL,
		payload      JSONB NOT NULL,
		PRIMARY KEY (execution_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_events_order
		ON history_events (execution_id, append_seq)`,

	`CREATE TABLE IF NOT EXISTS event_journal (
		execution_id TEXT NOT NULL,
		sort_key     TEXT NOT NULL,
		payload      JSONB NOT NULL,
		PRIMARY KEY (execution_id, sort_key)
	)`,

	`CREATE TABLE IF NOT EXISTS task_claims (
		execution_id   TEXT NOT NULL,
		seq            BIGINT NOT NULL,
		retry          INTEGER NOT NULL,
		claimer        TEXT NOT NULL,
		claimed_at     TIMESTAMPTZ NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (execution_id, seq, retry)
	)`,

	`CREATE TABLE IF NOT EXISTS timer_schedules (
		id                   TEXT PRIMARY KEY,
		execution_id         TEXT NOT NULL,
		fire_time            TIMESTAMPTZ NOT NULL,
		kind                 TEXT NOT NULL,
		status               INTEGER NOT NULL,
		version              BIGINT NOT NULL DEFAULT 0,
		created_at           TIMESTAMPTZ NOT NULL,
		event                JSONB,
		seq                  BIGINT NOT NULL DEFAULT 0,
		retry                INTEGER NOT NULL DEFAULT 0,
		heartbeat_timeout_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_timer_schedules_due
		ON timer_schedules (status, fire_time)`,
	`CREATE INDEX IF NOT EXISTS idx_timer_schedules_execution
		ON timer_schedules (execution_id)`,

	`CREATE TABLE IF NOT EXISTS entities (
		key        TEXT PRIMARY KEY,
		value      JSONB,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS blobs (
		bucket     TEXT NOT NULL,
		key        TEXT NOT NULL,
		data       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (bucket, key)
	)`,
}

func main() {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable or --database-url flag is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			log.Fatalf("Migration failed: %v\nstatement: %s", err, stmt)
		}
	}
	log.Printf("Schema up to date (%d statements applied)", len(statements))
}
