package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/taxrag/taxrag/internal/embedder"
	"github.com/taxrag/taxrag/internal/scorer"
	"github.com/taxrag/taxrag/internal/vectorstore"
)

// Retriever is the retrieval contract consumed by the evaluation service.
type Retriever interface {
	// Retrieve runs the full recall + rerank pipeline: top-n candidates by
	// vector similarity, reranked by relevance score, truncated to k.
	Retrieve(ctx context.Context, query string, k, n int) (*RankedResult, error)

	// RetrieveVectorOnly runs the recall stage alone with result size k.
	RetrieveVectorOnly(ctx context.Context, query string, k int) (*RankedResult, error)
}

// HybridRetriever orchestrates the embedding index and relevance scorer.
// Neither collaborator is trusted for ordering: recall candidates are
// re-sorted by similarity, and the final ranking is fully determined by
// (rerank score desc, recall rank asc, chunk id asc) so that repeated calls
// over identical inputs yield identical rankings.
type HybridRetriever struct {
	embedder embedder.Embedder
	index    vectorstore.Index
	scorer   scorer.Scorer
	logger   *slog.Logger
}

// NewHybridRetriever creates a retriever over the given collaborators.
func NewHybridRetriever(emb embedder.Embedder, index vectorstore.Index, sc scorer.Scorer, logger *slog.Logger) *HybridRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetriever{
		embedder: emb,
		index:    index,
		scorer:   sc,
		logger:   logger,
	}
}

// candidate pairs a recall result with its position after the deterministic
// recall sort.
type candidate struct {
	vectorstore.Candidate
	recallRank  int
	rerankScore float64
}

// Retrieve implements the two-stage pipeline. Recall failures degrade to an
// empty result rather than an error; scoring failures degrade to partial or
// recall-ordered results. Only contract violations (k < 1) return an error.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, k, n int) (*RankedResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be at least 1, got %d", k)
	}
	if n < k {
		n = k
	}

	candidates, degraded := r.recall(ctx, query, n)
	if degraded != DegradedNone {
		return &RankedResult{Query: query, SearchType: SearchTypeReranked, Degraded: degraded}, nil
	}
	if len(candidates) == 0 {
		return &RankedResult{Query: query, SearchType: SearchTypeReranked}, nil
	}

	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Content
	}

	scores, err := r.scorer.ScoreBatch(ctx, query, passages)
	if err != nil {
		// Whole batch failed: fall back to recall ordering so the caller
		// still gets a usable (if degraded) result.
		r.logger.Warn("relevance scoring failed, falling back to recall order",
			"query", query,
			"model", r.scorer.ModelName(),
			"error", err,
		)
		return r.fallbackResult(query, candidates, k), nil
	}

	scored := make([]candidate, 0, len(candidates))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(candidates) {
			continue
		}
		c := candidates[s.Index]
		c.rerankScore = s.Score
		scored = append(scored, c)
	}

	result := &RankedResult{Query: query, SearchType: SearchTypeReranked}
	if dropped := len(candidates) - len(scored); dropped > 0 {
		result.Degraded = DegradedScoring
		r.logger.Warn("relevance scoring dropped candidates",
			"query", query,
			"dropped", dropped,
			"scored", len(scored),
		)
	}

	// Rerank score descending; ties resolved by recall rank (preserving
	// recall order among equal scores), then chunk id.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].rerankScore != scored[j].rerankScore {
			return scored[i].rerankScore > scored[j].rerankScore
		}
		if scored[i].recallRank != scored[j].recallRank {
			return scored[i].recallRank < scored[j].recallRank
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})

	if len(scored) > k {
		scored = scored[:k]
	}

	result.Chunks = toRankedChunks(scored)
	return result, nil
}

// RetrieveVectorOnly runs the recall stage alone, returning the top-k
// candidates by similarity with no rerank scores.
func (r *HybridRetriever) RetrieveVectorOnly(ctx context.Context, query string, k int) (*RankedResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be at least 1, got %d", k)
	}

	candidates, degraded := r.recall(ctx, query, k)
	result := &RankedResult{Query: query, SearchType: SearchTypeVectorOnly, Degraded: degraded}
	if degraded != DegradedNone {
		return result, nil
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	result.Chunks = toRankedChunks(candidates)
	return result, nil
}

// recall embeds the query and fetches candidates from the index, sorted by
// similarity descending with chunk id as the deterministic tie-break. An
// unreachable embedder or index is reported as DegradedRecallUnavailable;
// an empty index is a valid zero-candidate outcome.
func (r *HybridRetriever) recall(ctx context.Context, query string, n int) ([]candidate, DegradedReason) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, recall unavailable", "query", query, "error", err)
		return nil, DegradedRecallUnavailable
	}

	raw, err := r.index.Search(ctx, vector, n)
	if err != nil {
		r.logger.Warn("embedding index search failed, recall unavailable", "query", query, "error", err)
		return nil, DegradedRecallUnavailable
	}

	sort.Slice(raw, func(i, j int) bool {
		if raw[i].Similarity != raw[j].Similarity {
			return raw[i].Similarity > raw[j].Similarity
		}
		return raw[i].ChunkID < raw[j].ChunkID
	})

	candidates := make([]candidate, len(raw))
	for i, c := range raw {
		candidates[i] = candidate{Candidate: c, recallRank: i}
	}
	return candidates, DegradedNone
}

// fallbackResult assembles a degraded result from recall ordering, reusing
// the similarity score as the rerank score so both fields stay populated.
func (r *HybridRetriever) fallbackResult(query string, candidates []candidate, k int) *RankedResult {
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	for i := range candidates {
		candidates[i].rerankScore = candidates[i].Similarity
	}
	return &RankedResult{
		Query:      query,
		SearchType: SearchTypeReranked,
		Degraded:   DegradedScoring,
		Chunks:     toRankedChunks(candidates),
	}
}

func toRankedChunks(candidates []candidate) []RankedChunk {
	chunks := make([]RankedChunk, len(candidates))
	for i, c := range candidates {
		chunks[i] = RankedChunk{
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			Content:     c.Content,
			Source:      c.Source,
			Page:        c.Page,
			RecallScore: c.Similarity,
			RerankScore: c.rerankScore,
		}
	}
	return chunks
}

// Ensure HybridRetriever implements Retriever
var _ Retriever = (*HybridRetriever)(nil)
