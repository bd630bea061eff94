package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taxrag/taxrag/internal/metrics"
	"github.com/taxrag/taxrag/internal/repository"
)

// EvaluationRunRepo implements repository.EvaluationRunRepository
type EvaluationRunRepo struct {
	db *DB
}

// NewEvaluationRunRepo creates a new evaluation run repository
func NewEvaluationRunRepo(db *DB) *EvaluationRunRepo {
	return &EvaluationRunRepo{db: db}
}

// Create persists a run together with its chunk snapshot in one transaction.
func (r *EvaluationRunRepo) Create(ctx context.Context, run *repository.EvaluationRun) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO evaluation_runs (id, query, search_type, degraded_reason, k, hit_rate, mrr, precision_at_k, precision_at_1, created_at, curated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(ctx, query,
		run.ID, run.Query, run.SearchType, run.DegradedReason, run.K,
		run.Metrics.HitRate, run.Metrics.MRR, run.Metrics.PrecisionAtK, run.Metrics.PrecisionAt1,
		run.CreatedAt, run.CuratedAt)
	if err != nil {
		return fmt.Errorf("failed to create evaluation run: %w", err)
	}

	// Bulk insert the snapshot rows
	batch := &pgx.Batch{}
	chunkQuery := `
		INSERT INTO evaluation_run_chunks (run_id, rank, chunk_id, document_id, content, source, page, recall_score, rerank_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, c := range run.Chunks {
		batch.Queue(chunkQuery, run.ID, c.Rank, c.ChunkID, c.DocumentID, c.Content, c.Source, c.Page, c.RecallScore, c.RerankScore)
	}
	results := tx.SendBatch(ctx, batch)
	for range run.Chunks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert run chunk: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a run with its chunk snapshot
func (r *EvaluationRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.EvaluationRun, error) {
	query := `
		SELECT id, query, search_type, degraded_reason, k, hit_rate, mrr, precision_at_k, precision_at_1, created_at, curated_at
		FROM evaluation_runs
		WHERE id = $1
	`
	run, err := r.scanRun(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadChunks(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// LatestByQuery retrieves the most recent run for a query
func (r *EvaluationRunRepo) LatestByQuery(ctx context.Context, queryText string) (*repository.EvaluationRun, error) {
	query := `
		SELECT id, query, search_type, degraded_reason, k, hit_rate, mrr, precision_at_k, precision_at_1, created_at, curated_at
		FROM evaluation_runs
		WHERE query = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	run, err := r.scanRun(r.db.Pool.QueryRow(ctx, query, queryText))
	if err != nil {
		return nil, err
	}
	if err := r.loadChunks(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// List retrieves runs matching the filter, newest first, without snapshots
func (r *EvaluationRunRepo) List(ctx context.Context, filter repository.RunFilter) ([]*repository.EvaluationRun, error) {
	query := `
		SELECT id, query, search_type, degraded_reason, k, hit_rate, mrr, precision_at_k, precision_at_1, created_at, curated_at
		FROM evaluation_runs
		WHERE 1=1
	`
	var args []any
	addArg := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if filter.Query != "" {
		addArg("query =", filter.Query)
	}
	if filter.SearchType != "" {
		addArg("search_type =", filter.SearchType)
	}
	if filter.HitRate != nil {
		addArg("hit_rate =", *filter.HitRate)
	}
	if filter.MinMRR != nil {
		addArg("mrr >=", *filter.MinMRR)
	}
	if filter.MaxMRR != nil {
		addArg("mrr <=", *filter.MaxMRR)
	}
	if filter.MinPrecision != nil {
		addArg("precision_at_k >=", *filter.MinPrecision)
	}
	if filter.MaxPrecision != nil {
		addArg("precision_at_k <=", *filter.MaxPrecision)
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluation runs: %w", err)
	}
	defer rows.Close()

	var runs []*repository.EvaluationRun
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateMetrics replaces the metrics of a run and stamps the curation time.
// The snapshot rows are deliberately untouched.
func (r *EvaluationRunRepo) UpdateMetrics(ctx context.Context, id uuid.UUID, m metrics.MetricSet, curatedAt time.Time) error {
	query := `
		UPDATE evaluation_runs
		SET hit_rate = $2, mrr = $3, precision_at_k = $4, precision_at_1 = $5, curated_at = $6
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, m.HitRate, m.MRR, m.PrecisionAtK, m.PrecisionAt1, curatedAt)
	if err != nil {
		return fmt.Errorf("failed to update run metrics: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Summary aggregates metrics grouped by search type
func (r *EvaluationRunRepo) Summary(ctx context.Context) ([]*repository.SearchTypeSummary, error) {
	query := `
		SELECT search_type, COUNT(*),
		       AVG(hit_rate::float8), AVG(mrr), AVG(precision_at_k), AVG(precision_at_1::float8)
		FROM evaluation_runs
		GROUP BY search_type
		ORDER BY AVG(hit_rate::float8) DESC, AVG(precision_at_1::float8) DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize runs: %w", err)
	}
	defer rows.Close()

	var summaries []*repository.SearchTypeSummary
	for rows.Next() {
		var s repository.SearchTypeSummary
		if err := rows.Scan(&s.SearchType, &s.Runs, &s.AvgHitRate, &s.AvgMRR, &s.AvgPrecisionAtK, &s.AvgPrecisionAt1); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

func (r *EvaluationRunRepo) scanRun(row pgx.Row) (*repository.EvaluationRun, error) {
	var run repository.EvaluationRun
	err := row.Scan(
		&run.ID, &run.Query, &run.SearchType, &run.DegradedReason, &run.K,
		&run.Metrics.HitRate, &run.Metrics.MRR, &run.Metrics.PrecisionAtK, &run.Metrics.PrecisionAt1,
		&run.CreatedAt, &run.CuratedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan evaluation run: %w", err)
	}
	return &run, nil
}

func (r *EvaluationRunRepo) loadChunks(ctx context.Context, run *repository.EvaluationRun) error {
	query := `
		SELECT rank, chunk_id, document_id, content, source, page, recall_score, rerank_score
		FROM evaluation_run_chunks
		WHERE run_id = $1
		ORDER BY rank
	`
	rows, err := r.db.Pool.Query(ctx, query, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load run chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c repository.RunChunk
		if err := rows.Scan(&c.Rank, &c.ChunkID, &c.DocumentID, &c.Content, &c.Source, &c.Page, &c.RecallScore, &c.RerankScore); err != nil {
			return fmt.Errorf("failed to scan run chunk: %w", err)
		}
		run.Chunks = append(run.Chunks, c)
	}
	return rows.Err()
}

// Ensure EvaluationRunRepo implements the interface
var _ repository.EvaluationRunRepository = (*EvaluationRunRepo)(nil)
