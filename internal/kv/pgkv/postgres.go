// Package pgkv implements kv.Store on PostgreSQL, for deployments where
// several hosts share one reminder state.
package pgkv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"calremind/internal/kv"
)

// schemaDDL is idempotent and applied on every Open.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS calremind_kv (
    key TEXT PRIMARY KEY,
    value BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`

// Store is a kv.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ kv.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and ensures the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("pgkv: dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM calremind_kv WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgkv: get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO calremind_kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("pgkv: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM calremind_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("pgkv: delete %s: %w", key, err)
	}
	return nil
}

// Update serializes on a transaction-scoped advisory lock for the key, so
// two writers racing on a key that does not exist yet still queue.
func (s *Store) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgkv: begin %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockName(key)); err != nil {
		return fmt.Errorf("pgkv: lock %s: %w", key, err)
	}

	var current []byte
	err = tx.QueryRow(ctx,
		`SELECT value FROM calremind_kv WHERE key = $1 FOR UPDATE`, key,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("pgkv: get %s: %w", key, err)
	}

	next, err := fn(current)
	if errors.Is(err, kv.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	if next == nil {
		_, err = tx.Exec(ctx, `DELETE FROM calremind_kv WHERE key = $1`, key)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO calremind_kv (key, value, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			key, next,
		)
	}
	if err != nil {
		return fmt.Errorf("pgkv: update %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

// Lock holds a session advisory lock on a dedicated pooled connection
// until release.
func (s *Store) Lock(ctx context.Context, name string) (func(), error) {
	if err := kv.ValidateKey(name); err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgkv: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, lockName(name)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgkv: lock %s: %w", name, err)
	}

	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, lockName(name)); err != nil {
			// Dropping the session releases its advisory locks.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

func lockName(name string) string { return "calremind:" + name }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
