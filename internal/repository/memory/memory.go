// Package memory provides in-memory repository implementations backed by
// maps. They mirror the PostgreSQL semantics, including replace-on-write
// judgments and append-only runs, and are used in tests and for running
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taxrag/taxrag/internal/metrics"
	"github.com/taxrag/taxrag/internal/repository"
)

// JudgmentRepo is an in-memory repository.JudgmentRepository
type JudgmentRepo struct {
	mu        sync.RWMutex
	judgments map[string]*repository.Judgment
}

// NewJudgmentRepo creates a new in-memory judgment repository
func NewJudgmentRepo() *JudgmentRepo {
	return &JudgmentRepo{judgments: make(map[string]*repository.Judgment)}
}

func (r *JudgmentRepo) Upsert(_ context.Context, j *repository.Judgment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *j
	stored.RelevantChunkIDs = append([]string(nil), j.RelevantChunkIDs...)
	if existing, ok := r.judgments[j.Query]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	r.judgments[j.Query] = &stored
	return nil
}

func (r *JudgmentRepo) Get(_ context.Context, query string) (*repository.Judgment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.judgments[query]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *j
	out.RelevantChunkIDs = append([]string(nil), j.RelevantChunkIDs...)
	return &out, nil
}

func (r *JudgmentRepo) List(_ context.Context) ([]*repository.Judgment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*repository.Judgment, 0, len(r.judgments))
	for _, j := range r.judgments {
		copied := *j
		copied.RelevantChunkIDs = append([]string(nil), j.RelevantChunkIDs...)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Query < out[k].Query })
	return out, nil
}

var _ repository.JudgmentRepository = (*JudgmentRepo)(nil)

// EvaluationRunRepo is an in-memory repository.EvaluationRunRepository
type EvaluationRunRepo struct {
	mu   sync.RWMutex
	runs []*repository.EvaluationRun
}

// NewEvaluationRunRepo creates a new in-memory evaluation run repository
func NewEvaluationRunRepo() *EvaluationRunRepo {
	return &EvaluationRunRepo{}
}

func (r *EvaluationRunRepo) Create(_ context.Context, run *repository.EvaluationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = append(r.runs, copyRun(run))
	return nil
}

func (r *EvaluationRunRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.EvaluationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, run := range r.runs {
		if run.ID == id {
			return copyRun(run), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *EvaluationRunRepo) LatestByQuery(_ context.Context, query string) (*repository.EvaluationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *repository.EvaluationRun
	for _, run := range r.runs {
		if run.Query != query {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return copyRun(latest), nil
}

func (r *EvaluationRunRepo) List(_ context.Context, filter repository.RunFilter) ([]*repository.EvaluationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*repository.EvaluationRun
	for _, run := range r.runs {
		if !matches(run, filter) {
			continue
		}
		copied := copyRun(run)
		copied.Chunks = nil
		matched = append(matched, copied)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (r *EvaluationRunRepo) UpdateMetrics(_ context.Context, id uuid.UUID, m metrics.MetricSet, curatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, run := range r.runs {
		if run.ID == id {
			run.Metrics = m
			t := curatedAt
			run.CuratedAt = &t
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *EvaluationRunRepo) Summary(_ context.Context) ([]*repository.SearchTypeSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := make(map[string]*repository.SearchTypeSummary)
	for _, run := range r.runs {
		s, ok := byType[run.SearchType]
		if !ok {
			s = &repository.SearchTypeSummary{SearchType: run.SearchType}
			byType[run.SearchType] = s
		}
		s.Runs++
		s.AvgHitRate += float64(run.Metrics.HitRate)
		s.AvgMRR += run.Metrics.MRR
		s.AvgPrecisionAtK += run.Metrics.PrecisionAtK
		s.AvgPrecisionAt1 += float64(run.Metrics.PrecisionAt1)
	}

	out := make([]*repository.SearchTypeSummary, 0, len(byType))
	for _, s := range byType {
		n := float64(s.Runs)
		s.AvgHitRate /= n
		s.AvgMRR /= n
		s.AvgPrecisionAtK /= n
		s.AvgPrecisionAt1 /= n
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].AvgHitRate != out[k].AvgHitRate {
			return out[i].AvgHitRate > out[k].AvgHitRate
		}
		return out[i].AvgPrecisionAt1 > out[k].AvgPrecisionAt1
	})
	return out, nil
}

func matches(run *repository.EvaluationRun, f repository.RunFilter) bool {
	if f.Query != "" && run.Query != f.Query {
		return false
	}
	if f.SearchType != "" && run.SearchType != f.SearchType {
		return false
	}
	if f.HitRate != nil && run.Metrics.HitRate != *f.HitRate {
		return false
	}
	if f.MinMRR != nil && run.Metrics.MRR < *f.MinMRR {
		return false
	}
	if f.MaxMRR != nil && run.Metrics.MRR > *f.MaxMRR {
		return false
	}
	if f.MinPrecision != nil && run.Metrics.PrecisionAtK < *f.MinPrecision {
		return false
	}
	if f.MaxPrecision != nil && run.Metrics.PrecisionAtK > *f.MaxPrecision {
		return false
	}
	return true
}

func copyRun(run *repository.EvaluationRun) *repository.EvaluationRun {
	copied := *run
	copied.Chunks = append([]repository.RunChunk(nil), run.Chunks...)
	if run.CuratedAt != nil {
		t := *run.CuratedAt
		copied.CuratedAt = &t
	}
	return &copied
}

var _ repository.EvaluationRunRepository = (*EvaluationRunRepo)(nil)
