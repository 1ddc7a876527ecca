package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entities in the entities table. Deleted keys keep
// their row as a tombstone (NULL value) so the version counter is monotonic
// for the key's whole lifetime.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Versioned, error) {
	var (
		value   []byte
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, version FROM entities WHERE key = $1`, key,
	).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Versioned{Version: 0}, nil
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return &Versioned{Value: json.RawMessage(value), Version: version}, nil
}

func (s *PostgresStore) Commit(ctx context.Context, writes []Write, asserts []Assert) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range asserts {
		version, err := lockVersion(ctx, tx, a.Key)
		if err != nil {
			return err
		}
		if version != a.Version {
			return ErrVersionConflict
		}
	}
	for _, w := range writes {
		version, err := lockVersion(ctx, tx, w.Key)
		if err != nil {
			return err
		}
		if w.ExpectedVersion != UnconditionalWrite && version != w.ExpectedVersion {
			return ErrVersionConflict
		}
	}

	for _, w := range writes {
		var value any
		if w.Value != nil {
			value = []byte(w.Value)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO entities (key, value, version, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (key) DO UPDATE SET
				value = EXCLUDED.value,
				version = entities.version + 1,
				updated_at = now()`,
			w.Key, value,
		)
		if err != nil {
			return fmt.Errorf("write entity %q: %w", w.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit entities: %w", err)
	}
	return nil
}

// lockVersion reads a key's current version under a row lock, or 0 when the
// key has never been written.
func lockVersion(ctx context.Context, tx pgx.Tx, key string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM entities WHERE key = $1 FOR UPDATE`, key,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("lock entity %q: %w", key, err)
	}
	return version, nil
}
