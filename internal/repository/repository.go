// Package repository defines the persistence models and interfaces for
// judgments and evaluation runs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taxrag/taxrag/internal/metrics"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Judgment is the curated ground truth for one query. There is at most one
// judgment per query text; writes replace any previous version.
type Judgment struct {
	Query            string    `json:"query"`
	RelevantChunkIDs []string  `json:"relevant_chunk_ids"`
	BestChunkID      string    `json:"best_chunk_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RunChunk is one ranked chunk captured in an evaluation run snapshot.
type RunChunk struct {
	Rank        int     `json:"rank"`
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Content     string  `json:"content"`
	Source      string  `json:"source,omitempty"`
	Page        *int    `json:"page,omitempty"`
	RecallScore float64 `json:"recall_score"`
	RerankScore float64 `json:"rerank_score"`
}

// EvaluationRun is an immutable record of one retrieval outcome together
// with the metrics computed against the judgment in force at the time.
// After creation only Metrics and CuratedAt may change, and only through
// UpdateMetrics; the ranked snapshot is never rewritten.
type EvaluationRun struct {
	ID             uuid.UUID         `json:"id"`
	Query          string            `json:"query"`
	SearchType     string            `json:"search_type"`
	DegradedReason string            `json:"degraded_reason,omitempty"`
	K              int               `json:"k"`
	Metrics        metrics.MetricSet `json:"metrics"`
	Chunks         []RunChunk        `json:"chunks"`
	CreatedAt      time.Time         `json:"created_at"`
	CuratedAt      *time.Time        `json:"curated_at,omitempty"`
}

// RankedChunkIDs returns the chunk ids of the snapshot in rank order.
func (r *EvaluationRun) RankedChunkIDs() []string {
	ids := make([]string, len(r.Chunks))
	for i, c := range r.Chunks {
		ids[i] = c.ChunkID
	}
	return ids
}

// RunFilter narrows a run listing. Nil pointer fields are unset.
type RunFilter struct {
	Query        string
	SearchType   string
	HitRate      *int
	MinMRR       *float64
	MaxMRR       *float64
	MinPrecision *float64
	MaxPrecision *float64
	Limit        int
	Offset       int
}

// SearchTypeSummary aggregates run metrics for one search type.
type SearchTypeSummary struct {
	SearchType      string  `json:"search_type"`
	Runs            int     `json:"runs"`
	AvgHitRate      float64 `json:"avg_hit_rate"`
	AvgMRR          float64 `json:"avg_mrr"`
	AvgPrecisionAtK float64 `json:"avg_precision_at_k"`
	AvgPrecisionAt1 float64 `json:"avg_precision_at_1"`
}

// JudgmentRepository stores curated judgments keyed by query text.
type JudgmentRepository interface {
	// Upsert writes the judgment, replacing any existing judgment for the
	// same query. CreatedAt of an existing row is preserved.
	Upsert(ctx context.Context, j *Judgment) error

	// Get returns the judgment for the query, or ErrNotFound.
	Get(ctx context.Context, query string) (*Judgment, error)

	// List returns all judgments ordered by query text.
	List(ctx context.Context) ([]*Judgment, error)
}

// EvaluationRunRepository stores evaluation runs append-only.
type EvaluationRunRepository interface {
	// Create persists a new run with its chunk snapshot.
	Create(ctx context.Context, run *EvaluationRun) error

	// GetByID returns the run including its snapshot, or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*EvaluationRun, error)

	// LatestByQuery returns the most recently created run for the query,
	// or ErrNotFound when the query has never been evaluated.
	LatestByQuery(ctx context.Context, query string) (*EvaluationRun, error)

	// List returns runs matching the filter, newest first, without chunk
	// snapshots.
	List(ctx context.Context, filter RunFilter) ([]*EvaluationRun, error)

	// UpdateMetrics replaces the metrics of an existing run and stamps the
	// curation time. The ranked snapshot is left untouched.
	UpdateMetrics(ctx context.Context, id uuid.UUID, m metrics.MetricSet, curatedAt time.Time) error

	// Summary aggregates metrics grouped by search type, ordered by average
	// hit rate then average precision-at-1, descending.
	Summary(ctx context.Context) ([]*SearchTypeSummary, error)
}
