package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/taxrag/taxrag/internal/repository"
)

// JudgmentRepo implements repository.JudgmentRepository
type JudgmentRepo struct {
	db *DB
}

// NewJudgmentRepo creates a new judgment repository
func NewJudgmentRepo(db *DB) *JudgmentRepo {
	return &JudgmentRepo{db: db}
}

// Upsert writes a judgment, replacing any previous version for the query.
// created_at of an existing row is preserved so edit history stays honest.
func (r *JudgmentRepo) Upsert(ctx context.Context, j *repository.Judgment) error {
	query := `
		INSERT INTO judgments (query, relevant_chunk_ids, best_chunk_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (query) DO UPDATE
		SET relevant_chunk_ids = EXCLUDED.relevant_chunk_ids,
		    best_chunk_id = EXCLUDED.best_chunk_id,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		j.Query, j.RelevantChunkIDs, j.BestChunkID, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert judgment: %w", err)
	}
	return nil
}

// Get retrieves the judgment for a query
func (r *JudgmentRepo) Get(ctx context.Context, queryText string) (*repository.Judgment, error) {
	query := `
		SELECT query, relevant_chunk_ids, best_chunk_id, created_at, updated_at
		FROM judgments
		WHERE query = $1
	`
	var j repository.Judgment
	err := r.db.Pool.QueryRow(ctx, query, queryText).Scan(
		&j.Query, &j.RelevantChunkIDs, &j.BestChunkID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get judgment: %w", err)
	}
	return &j, nil
}

// List retrieves all judgments ordered by query text
func (r *JudgmentRepo) List(ctx context.Context) ([]*repository.Judgment, error) {
	query := `
		SELECT query, relevant_chunk_ids, best_chunk_id, created_at, updated_at
		FROM judgments
		ORDER BY query
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list judgments: %w", err)
	}
	defer rows.Close()

	var judgments []*repository.Judgment
	for rows.Next() {
		var j repository.Judgment
		if err := rows.Scan(&j.Query, &j.RelevantChunkIDs, &j.BestChunkID, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan judgment: %w", err)
		}
		judgments = append(judgments, &j)
	}
	return judgments, rows.Err()
}

// Ensure JudgmentRepo implements the interface
var _ repository.JudgmentRepository = (*JudgmentRepo)(nil)
