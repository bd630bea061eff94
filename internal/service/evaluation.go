// Package service orchestrates retrieval, judgment curation, and metric
// recomputation.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taxrag/taxrag/internal/exchange"
	"github.com/taxrag/taxrag/internal/metrics"
	"github.com/taxrag/taxrag/internal/repository"
	"github.com/taxrag/taxrag/internal/retrieval"
)

// ErrInvalidJudgment is returned when a judgment fails validation.
var ErrInvalidJudgment = errors.New("invalid judgment")

// ErrInvalidRequest is returned for malformed evaluation requests.
var ErrInvalidRequest = errors.New("invalid request")

// EvaluationService runs retrievals, records evaluation runs, and keeps run
// metrics consistent with the judgments in force.
type EvaluationService struct {
	retriever retrieval.Retriever
	judgments repository.JudgmentRepository
	runs      repository.EvaluationRunRepository
	logger    *slog.Logger

	defaultK      int
	recallBreadth int

	// locks serializes judgment writes per query so concurrent edits of the
	// same query cannot interleave upsert and recompute.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEvaluationService creates a new evaluation service
func NewEvaluationService(retriever retrieval.Retriever, judgments repository.JudgmentRepository, runs repository.EvaluationRunRepository, defaultK, recallBreadth int, logger *slog.Logger) *EvaluationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluationService{
		retriever:     retriever,
		judgments:     judgments,
		runs:          runs,
		logger:        logger,
		defaultK:      defaultK,
		recallBreadth: recallBreadth,
		locks:         make(map[string]*sync.Mutex),
	}
}

func (s *EvaluationService) queryLock(query string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[query]
	if !ok {
		l = &sync.Mutex{}
		s.locks[query] = l
	}
	return l
}

// Retrieve runs a retrieval without recording an evaluation run. Zero k and
// n fall back to the configured defaults.
func (s *EvaluationService) Retrieve(ctx context.Context, query string, searchType retrieval.SearchType, k, n int) (*retrieval.RankedResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	if k <= 0 {
		k = s.defaultK
	}
	if n <= 0 {
		n = s.recallBreadth
	}
	switch searchType {
	case retrieval.SearchTypeVectorOnly:
		return s.retriever.RetrieveVectorOnly(ctx, query, k)
	case retrieval.SearchTypeReranked, "":
		return s.retriever.Retrieve(ctx, query, k, n)
	default:
		return nil, fmt.Errorf("%w: unknown search type %q", ErrInvalidRequest, searchType)
	}
}

// Evaluate runs a retrieval, scores it against the current judgment for the
// query, and records the outcome as an immutable evaluation run. When no
// judgment exists yet the run is stored with zero metrics and no curation
// time; a later judgment edit fills the metrics in.
func (s *EvaluationService) Evaluate(ctx context.Context, query string, searchType retrieval.SearchType, k int) (*repository.EvaluationRun, error) {
	if searchType == "" {
		searchType = retrieval.SearchTypeReranked
	}
	if k <= 0 {
		k = s.defaultK
	}

	result, err := s.Retrieve(ctx, query, searchType, k, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &repository.EvaluationRun{
		ID:             uuid.New(),
		Query:          query,
		SearchType:     string(result.SearchType),
		DegradedReason: string(result.Degraded),
		K:              k,
		CreatedAt:      now,
	}
	for i, c := range result.Chunks {
		run.Chunks = append(run.Chunks, repository.RunChunk{
			Rank:        i + 1,
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			Content:     c.Content,
			Source:      c.Source,
			Page:        c.Page,
			RecallScore: c.RecallScore,
			RerankScore: c.RerankScore,
		})
	}

	// Serialize against judgment writes for the same query so a concurrent
	// upsert cannot land between reading the judgment and storing the run,
	// which would leave the run scored against a judgment that no longer
	// exists. The lock is taken only after retrieval so no network call
	// runs under it.
	lock := s.queryLock(query)
	lock.Lock()
	defer lock.Unlock()

	judgment, err := s.judgments.Get(ctx, query)
	switch {
	case err == nil:
		m, cerr := metrics.Compute(result.ChunkIDs(), judgment.RelevantChunkIDs, judgment.BestChunkID, k)
		if cerr != nil {
			return nil, cerr
		}
		run.Metrics = m
		run.CuratedAt = &now
	case errors.Is(err, repository.ErrNotFound):
		// No judgment yet; metrics stay zero until one is curated.
	default:
		return nil, err
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("evaluation run recorded",
		"run_id", run.ID,
		"query", query,
		"search_type", run.SearchType,
		"degraded_reason", run.DegradedReason,
		"curated", run.CuratedAt != nil)
	return run, nil
}

// UpsertJudgment validates and stores a judgment, then synchronously
// recomputes the metrics of the latest evaluation run for the query. The
// returned run is nil when the query has never been evaluated.
func (s *EvaluationService) UpsertJudgment(ctx context.Context, j *repository.Judgment) (*repository.Judgment, *repository.EvaluationRun, error) {
	if err := validateJudgment(j); err != nil {
		return nil, nil, err
	}

	lock := s.queryLock(j.Query)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	stored := &repository.Judgment{
		Query:            j.Query,
		RelevantChunkIDs: dedupe(j.RelevantChunkIDs),
		BestChunkID:      j.BestChunkID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing, err := s.judgments.Get(ctx, j.Query); err == nil {
		stored.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}

	if err := s.judgments.Upsert(ctx, stored); err != nil {
		return nil, nil, err
	}

	run, err := s.recomputeLatest(ctx, stored, now)
	if err != nil {
		return nil, nil, err
	}
	return stored, run, nil
}

// recomputeLatest rescores the most recent run for the judgment's query.
// Returns nil when the query has never been evaluated. Caller must hold
// the query lock.
func (s *EvaluationService) recomputeLatest(ctx context.Context, j *repository.Judgment, now time.Time) (*repository.EvaluationRun, error) {
	run, err := s.runs.LatestByQuery(ctx, j.Query)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Info("judgment saved, no run to recompute", "query", j.Query)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m, err := metrics.Compute(run.RankedChunkIDs(), j.RelevantChunkIDs, j.BestChunkID, run.K)
	if err != nil {
		return nil, err
	}
	if err := s.runs.UpdateMetrics(ctx, run.ID, m, now); err != nil {
		return nil, err
	}
	run.Metrics = m
	run.CuratedAt = &now

	s.logger.Info("judgment saved and run recomputed",
		"query", j.Query,
		"run_id", run.ID,
		"hit_rate", m.HitRate,
		"mrr", m.MRR)
	return run, nil
}

func validateJudgment(j *repository.Judgment) error {
	if j == nil || j.Query == "" {
		return fmt.Errorf("%w: empty query", ErrInvalidJudgment)
	}
	for _, id := range j.RelevantChunkIDs {
		if id == "" {
			return fmt.Errorf("%w: empty chunk id in relevant set", ErrInvalidJudgment)
		}
	}
	if j.BestChunkID != "" {
		found := false
		for _, id := range j.RelevantChunkIDs {
			if id == j.BestChunkID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: best_chunk_id %q not in relevant set", ErrInvalidJudgment, j.BestChunkID)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GetJudgment returns the judgment for a query.
func (s *EvaluationService) GetJudgment(ctx context.Context, query string) (*repository.Judgment, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	return s.judgments.Get(ctx, query)
}

// ListJudgments returns all judgments ordered by query text.
func (s *EvaluationService) ListJudgments(ctx context.Context) ([]*repository.Judgment, error) {
	return s.judgments.List(ctx)
}

// GetRun returns an evaluation run with its chunk snapshot.
func (s *EvaluationService) GetRun(ctx context.Context, id uuid.UUID) (*repository.EvaluationRun, error) {
	return s.runs.GetByID(ctx, id)
}

// ListRuns returns evaluation runs matching the filter.
func (s *EvaluationService) ListRuns(ctx context.Context, filter repository.RunFilter) ([]*repository.EvaluationRun, error) {
	return s.runs.List(ctx, filter)
}

// Summary returns run metrics aggregated by search type.
func (s *EvaluationService) Summary(ctx context.Context) ([]*repository.SearchTypeSummary, error) {
	return s.runs.Summary(ctx)
}

// ExportJudgments writes the judgment dataset as XML. A non-empty queries
// slice restricts the export to those queries.
func (s *EvaluationService) ExportJudgments(ctx context.Context, w io.Writer, queries []string) error {
	judgments, err := s.judgments.List(ctx)
	if err != nil {
		return err
	}
	if len(queries) > 0 {
		wanted := make(map[string]struct{}, len(queries))
		for _, q := range queries {
			wanted[q] = struct{}{}
		}
		filtered := judgments[:0]
		for _, j := range judgments {
			if _, ok := wanted[j.Query]; ok {
				filtered = append(filtered, j)
			}
		}
		judgments = filtered
	}
	return exchange.Encode(w, judgments)
}

// ImportResult reports the outcome of a dataset import.
type ImportResult struct {
	Imported  int                 `json:"imported"`
	Conflicts []exchange.Conflict `json:"conflicts,omitempty"`
}

// ImportJudgments reads an XML judgment dataset, stores each valid record
// with its original timestamps, and recomputes run metrics per query.
// Invalid records are reported as conflicts; valid ones still land.
func (s *EvaluationService) ImportJudgments(ctx context.Context, r io.Reader) (*ImportResult, error) {
	judgments, conflicts, err := exchange.Decode(r)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Conflicts: conflicts}
	for _, j := range judgments {
		if err := s.importOne(ctx, j); err != nil {
			result.Conflicts = append(result.Conflicts, exchange.Conflict{
				Query:  j.Query,
				Reason: err.Error(),
			})
			continue
		}
		result.Imported++
	}
	return result, nil
}

func (s *EvaluationService) importOne(ctx context.Context, j *repository.Judgment) error {
	lock := s.queryLock(j.Query)
	lock.Lock()
	defer lock.Unlock()

	if err := s.judgments.Upsert(ctx, j); err != nil {
		return err
	}
	_, err := s.recomputeLatest(ctx, j, time.Now().UTC())
	return err
}

// ExportRunsCSV writes an audit CSV of runs matching the filter.
func (s *EvaluationService) ExportRunsCSV(ctx context.Context, w io.Writer, filter repository.RunFilter) error {
	runs, err := s.runs.List(ctx, filter)
	if err != nil {
		return err
	}
	return exchange.WriteRunsCSV(w, runs)
}
