package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/taxrag/taxrag/internal/repository"
	"github.com/taxrag/taxrag/internal/repository/memory"
	"github.com/taxrag/taxrag/internal/retrieval"
)

type stubRetriever struct {
	result *retrieval.RankedResult
	err    error
}

func (s *stubRetriever) Retrieve(_ context.Context, query string, k, n int) (*retrieval.RankedResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := *s.result
	out.Query = query
	if len(out.Chunks) > k {
		out.Chunks = out.Chunks[:k]
	}
	return &out, nil
}

func (s *stubRetriever) RetrieveVectorOnly(ctx context.Context, query string, k int) (*retrieval.RankedResult, error) {
	r, err := s.Retrieve(ctx, query, k, k)
	if err != nil {
		return nil, err
	}
	r.SearchType = retrieval.SearchTypeVectorOnly
	return r, nil
}

func rankedResult(ids ...string) *retrieval.RankedResult {
	r := &retrieval.RankedResult{SearchType: retrieval.SearchTypeReranked}
	for i, id := range ids {
		r.Chunks = append(r.Chunks, retrieval.RankedChunk{
			ChunkID:     id,
			Content:     "content of " + id,
			RecallScore: 1.0 - float64(i)*0.1,
			RerankScore: 0.9 - float64(i)*0.1,
		})
	}
	return r
}

func newTestService(ret retrieval.Retriever) (*EvaluationService, *memory.EvaluationRunRepo) {
	runs := memory.NewEvaluationRunRepo()
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	svc := NewEvaluationService(ret, memory.NewJudgmentRepo(), runs, 3, 20, logger)
	return svc, runs
}

func TestEvaluateWithoutJudgment(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA", "chunkB", "chunkC")})

	run, err := svc.Evaluate(context.Background(), "some query", retrieval.SearchTypeReranked, 3)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if run.CuratedAt != nil {
		t.Error("expected nil CuratedAt without a judgment")
	}
	if run.Metrics.HitRate != 0 || run.Metrics.MRR != 0 {
		t.Errorf("expected zero metrics, got %+v", run.Metrics)
	}
	if len(run.Chunks) != 3 || run.Chunks[0].Rank != 1 || run.Chunks[0].ChunkID != "chunkA" {
		t.Errorf("unexpected snapshot: %+v", run.Chunks)
	}
}

func TestEvaluateWithJudgment(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA", "chunkB", "chunkC")})
	ctx := context.Background()

	_, _, err := svc.UpsertJudgment(ctx, &repository.Judgment{
		Query:            "some query",
		RelevantChunkIDs: []string{"chunkB"},
		BestChunkID:      "chunkB",
	})
	if err != nil {
		t.Fatalf("UpsertJudgment() error = %v", err)
	}

	run, err := svc.Evaluate(ctx, "some query", retrieval.SearchTypeReranked, 3)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if run.CuratedAt == nil {
		t.Fatal("expected CuratedAt to be set")
	}
	if run.Metrics.HitRate != 1 {
		t.Errorf("HitRate = %d, want 1", run.Metrics.HitRate)
	}
	if math.Abs(run.Metrics.MRR-0.5) > 1e-9 {
		t.Errorf("MRR = %f, want 0.5", run.Metrics.MRR)
	}
	if run.Metrics.PrecisionAt1 != 0 {
		t.Errorf("PrecisionAt1 = %d, want 0", run.Metrics.PrecisionAt1)
	}
}

func TestEvaluateRetrieverError(t *testing.T) {
	wantErr := errors.New("embedding backend down")
	svc, _ := newTestService(&stubRetriever{err: wantErr})

	if _, err := svc.Evaluate(context.Background(), "q", retrieval.SearchTypeReranked, 3); !errors.Is(err, wantErr) {
		t.Fatalf("Evaluate() error = %v, want %v", err, wantErr)
	}
}

func TestUpsertJudgmentValidation(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA")})
	ctx := context.Background()

	cases := []struct {
		name string
		j    *repository.Judgment
	}{
		{"empty query", &repository.Judgment{Query: ""}},
		{"empty chunk id", &repository.Judgment{Query: "q", RelevantChunkIDs: []string{""}}},
		{"best not in relevant", &repository.Judgment{Query: "q", RelevantChunkIDs: []string{"chunkA"}, BestChunkID: "chunkZ"}},
	}
	for _, tc := range cases {
		if _, _, err := svc.UpsertJudgment(ctx, tc.j); !errors.Is(err, ErrInvalidJudgment) {
			t.Errorf("%s: error = %v, want ErrInvalidJudgment", tc.name, err)
		}
	}
}

func TestUpsertJudgmentRecomputesLatestRun(t *testing.T) {
	svc, runs := newTestService(&stubRetriever{result: rankedResult("chunkA", "chunkB", "chunkC")})
	ctx := context.Background()

	created, err := svc.Evaluate(ctx, "some query", retrieval.SearchTypeReranked, 3)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if created.Metrics.HitRate != 0 {
		t.Fatalf("expected zero metrics before curation, got %+v", created.Metrics)
	}

	_, recomputed, err := svc.UpsertJudgment(ctx, &repository.Judgment{
		Query:            "some query",
		RelevantChunkIDs: []string{"chunkA", "chunkC"},
		BestChunkID:      "chunkC",
	})
	if err != nil {
		t.Fatalf("UpsertJudgment() error = %v", err)
	}
	if recomputed == nil {
		t.Fatal("expected a recomputed run")
	}
	if recomputed.ID != created.ID {
		t.Errorf("recomputed run ID = %v, want %v", recomputed.ID, created.ID)
	}
	if recomputed.Metrics.HitRate != 1 || recomputed.Metrics.PrecisionAt1 != 1 {
		t.Errorf("unexpected metrics: %+v", recomputed.Metrics)
	}
	if math.Abs(recomputed.Metrics.MRR-1.0/3.0) > 1e-9 {
		t.Errorf("MRR = %f, want 1/3", recomputed.Metrics.MRR)
	}

	// The stored snapshot must be untouched by recomputation.
	stored, err := runs.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(stored.Chunks) != 3 || stored.Chunks[1].ChunkID != "chunkB" {
		t.Errorf("snapshot changed: %+v", stored.Chunks)
	}
	if stored.CuratedAt == nil {
		t.Error("expected CuratedAt to be stamped")
	}
}

func TestUpsertJudgmentLastWriteWins(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA", "chunkB")})
	ctx := context.Background()

	first, _, err := svc.UpsertJudgment(ctx, &repository.Judgment{
		Query:            "q",
		RelevantChunkIDs: []string{"chunkA"},
	})
	if err != nil {
		t.Fatalf("UpsertJudgment() error = %v", err)
	}

	second, _, err := svc.UpsertJudgment(ctx, &repository.Judgment{
		Query:            "q",
		RelevantChunkIDs: []string{"chunkB"},
		BestChunkID:      "chunkB",
	})
	if err != nil {
		t.Fatalf("UpsertJudgment() error = %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on edit: %v vs %v", second.CreatedAt, first.CreatedAt)
	}

	got, err := svc.GetJudgment(ctx, "q")
	if err != nil {
		t.Fatalf("GetJudgment() error = %v", err)
	}
	if len(got.RelevantChunkIDs) != 1 || got.RelevantChunkIDs[0] != "chunkB" {
		t.Errorf("expected replacement semantics, got %+v", got.RelevantChunkIDs)
	}
}

func TestUpsertJudgmentDedupesRelevantSet(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA")})

	stored, _, err := svc.UpsertJudgment(context.Background(), &repository.Judgment{
		Query:            "q",
		RelevantChunkIDs: []string{"chunkA", "chunkB", "chunkA"},
	})
	if err != nil {
		t.Fatalf("UpsertJudgment() error = %v", err)
	}
	if len(stored.RelevantChunkIDs) != 2 {
		t.Errorf("RelevantChunkIDs = %v, want deduped pair", stored.RelevantChunkIDs)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA", "chunkB")})
	ctx := context.Background()

	for _, j := range []*repository.Judgment{
		{Query: "query one", RelevantChunkIDs: []string{"chunkA"}, BestChunkID: "chunkA"},
		{Query: "query two", RelevantChunkIDs: []string{"chunkB"}},
	} {
		if _, _, err := svc.UpsertJudgment(ctx, j); err != nil {
			t.Fatalf("UpsertJudgment() error = %v", err)
		}
	}

	var first bytes.Buffer
	if err := svc.ExportJudgments(ctx, &first, nil); err != nil {
		t.Fatalf("ExportJudgments() error = %v", err)
	}

	// Import into a fresh service, then export again; the documents must
	// match byte for byte.
	fresh, _ := newTestService(&stubRetriever{result: rankedResult("chunkA")})
	result, err := fresh.ImportJudgments(ctx, bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatalf("ImportJudgments() error = %v", err)
	}
	if result.Imported != 2 || len(result.Conflicts) != 0 {
		t.Fatalf("import result = %+v", result)
	}

	var second bytes.Buffer
	if err := fresh.ExportJudgments(ctx, &second, nil); err != nil {
		t.Fatalf("ExportJudgments() error = %v", err)
	}
	if first.String() != second.String() {
		t.Errorf("round trip mismatch:\n%s\nvs\n%s", first.String(), second.String())
	}
}

func TestExportJudgmentsSubset(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA")})
	ctx := context.Background()

	for _, q := range []string{"query one", "query two"} {
		if _, _, err := svc.UpsertJudgment(ctx, &repository.Judgment{Query: q, RelevantChunkIDs: []string{"chunkA"}}); err != nil {
			t.Fatalf("UpsertJudgment() error = %v", err)
		}
	}

	var buf bytes.Buffer
	if err := svc.ExportJudgments(ctx, &buf, []string{"query two"}); err != nil {
		t.Fatalf("ExportJudgments() error = %v", err)
	}
	if strings.Contains(buf.String(), "query one") || !strings.Contains(buf.String(), "query two") {
		t.Errorf("subset export wrong:\n%s", buf.String())
	}
}

func TestImportJudgmentsPartialSuccess(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA")})

	doc := `<judgment_dataset version="1">
		<judgment>
			<query>good</query>
			<relevant_chunk_ids><chunk_id>chunkA</chunk_id></relevant_chunk_ids>
			<created_at>2026-03-14T09:30:00Z</created_at>
			<updated_at>2026-03-14T09:30:00Z</updated_at>
		</judgment>
		<judgment>
			<query></query>
			<created_at>2026-03-14T09:30:00Z</created_at>
			<updated_at>2026-03-14T09:30:00Z</updated_at>
		</judgment>
	</judgment_dataset>`

	result, err := svc.ImportJudgments(context.Background(), strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ImportJudgments() error = %v", err)
	}
	if result.Imported != 1 || len(result.Conflicts) != 1 {
		t.Fatalf("import result = %+v", result)
	}

	if _, err := svc.GetJudgment(context.Background(), "good"); err != nil {
		t.Errorf("imported judgment missing: %v", err)
	}
}

func TestNilLoggerDefaults(t *testing.T) {
	svc := NewEvaluationService(&stubRetriever{result: rankedResult("chunkA")}, memory.NewJudgmentRepo(), memory.NewEvaluationRunRepo(), 3, 20, nil)

	if _, _, err := svc.UpsertJudgment(context.Background(), &repository.Judgment{
		Query:            "q",
		RelevantChunkIDs: []string{"chunkA"},
	}); err != nil {
		t.Fatalf("UpsertJudgment() error = %v", err)
	}
	if _, err := svc.Evaluate(context.Background(), "q", retrieval.SearchTypeReranked, 3); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
}

func TestConcurrentEvaluateAndUpsert(t *testing.T) {
	svc, runs := newTestService(&stubRetriever{result: rankedResult("chunkA", "chunkB", "chunkC")})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := svc.Evaluate(ctx, "racy query", retrieval.SearchTypeReranked, 3); err != nil {
				t.Errorf("Evaluate() error = %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, _, err := svc.UpsertJudgment(ctx, &repository.Judgment{
				Query:            "racy query",
				RelevantChunkIDs: []string{"chunkA"},
				BestChunkID:      "chunkA",
			}); err != nil {
				t.Errorf("UpsertJudgment() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Every run was stored either before any judgment existed (zero metrics,
	// later recomputed) or scored against the judgment; after the dust
	// settles the latest run must reflect the judgment in force.
	latest, err := runs.LatestByQuery(ctx, "racy query")
	if err != nil {
		t.Fatalf("LatestByQuery() error = %v", err)
	}
	if latest.Metrics.HitRate != 1 || latest.Metrics.MRR != 1 || latest.Metrics.PrecisionAt1 != 1 {
		t.Errorf("latest run metrics inconsistent with judgment: %+v", latest.Metrics)
	}
}

func TestRetrieveUnknownSearchType(t *testing.T) {
	svc, _ := newTestService(&stubRetriever{result: rankedResult("chunkA")})

	if _, err := svc.Retrieve(context.Background(), "q", "fulltext", 3, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Retrieve() error = %v, want ErrInvalidRequest", err)
	}
}
