// Package postgres implements the repository interfaces on PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS judgments (
			query              TEXT PRIMARY KEY,
			relevant_chunk_ids TEXT[] NOT NULL DEFAULT '{}',
			best_chunk_id      TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS evaluation_runs (
			id              UUID PRIMARY KEY,
			query           TEXT NOT NULL,
			search_type     TEXT NOT NULL,
			degraded_reason TEXT NOT NULL DEFAULT '',
			k               INT NOT NULL,
			hit_rate        INT NOT NULL DEFAULT 0,
			mrr             DOUBLE PRECISION NOT NULL DEFAULT 0,
			precision_at_k  DOUBLE PRECISION NOT NULL DEFAULT 0,
			precision_at_1  INT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,
			curated_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_evaluation_runs_query ON evaluation_runs (query, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_evaluation_runs_search_type ON evaluation_runs (search_type);

		CREATE TABLE IF NOT EXISTS evaluation_run_chunks (
			run_id       UUID NOT NULL REFERENCES evaluation_runs(id) ON DELETE CASCADE,
			rank         INT NOT NULL,
			chunk_id     TEXT NOT NULL,
			document_id  TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL DEFAULT '',
			source       TEXT NOT NULL DEFAULT '',
			page         INT,
			recall_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			rerank_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, rank)
		);
	`
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
