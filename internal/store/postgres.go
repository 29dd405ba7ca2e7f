// Package store provides typed access to the relational metadata store.
// All coordination between workers goes through explicit SQL transactions;
// the only skip-locked read is the pending-run claim in runs.go.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS actors (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL,
			default_timeout_secs INTEGER NOT NULL DEFAULT 3600,
			default_memory_mbytes INTEGER NOT NULL DEFAULT 1024,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (owner_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			status TEXT NOT NULL,
			status_message TEXT,
			exit_code INTEGER,
			claimed_by TEXT,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			timeout_secs INTEGER NOT NULL,
			memory_mbytes INTEGER NOT NULL,
			dataset_id TEXT NOT NULL,
			key_value_store_id TEXT NOT NULL,
			request_queue_id TEXT NOT NULL,
			stats JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_actor ON runs(actor_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_principal ON runs(principal_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pending ON runs(created_at) WHERE status IN ('READY', 'RUNNING')`,
		`CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			item_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (owner_id, name)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_datasets_default ON datasets(owner_id) WHERE is_default`,
		`CREATE TABLE IF NOT EXISTS key_value_stores (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (owner_id, name)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kv_stores_default ON key_value_stores(owner_id) WHERE is_default`,
		`CREATE TABLE IF NOT EXISTS request_queues (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			total_request_count BIGINT NOT NULL DEFAULT 0,
			handled_request_count BIGINT NOT NULL DEFAULT 0,
			pending_request_count BIGINT NOT NULL DEFAULT 0,
			had_multiple_clients BOOLEAN NOT NULL DEFAULT FALSE,
			order_counter BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (owner_id, name)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_request_queues_default ON request_queues(owner_id) WHERE is_default`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			queue_id TEXT NOT NULL REFERENCES request_queues(id) ON DELETE CASCADE,
			unique_key TEXT NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'GET',
			payload TEXT,
			headers JSONB,
			user_data JSONB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			no_retry BOOLEAN NOT NULL DEFAULT FALSE,
			error_messages JSONB,
			handled_at TIMESTAMPTZ,
			order_no BIGINT NOT NULL,
			locked_until TIMESTAMPTZ,
			locked_by TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (queue_id, unique_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_pending ON requests(queue_id, order_no) WHERE handled_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			token_hash TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
