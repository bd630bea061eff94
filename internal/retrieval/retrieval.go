// Package retrieval implements two-stage hybrid retrieval: fast approximate
// recall over an embedding index followed by precise cross-encoder reranking
// of the recalled candidates.
package retrieval

// SearchType identifies which retrieval pipeline produced a result.
type SearchType string

const (
	// SearchTypeReranked is the full recall + rerank pipeline.
	SearchTypeReranked SearchType = "reranked"

	// SearchTypeVectorOnly is the recall stage alone, used to baseline the
	// reranker's contribution in evaluations.
	SearchTypeVectorOnly SearchType = "vector_only"
)

// DegradedReason tags a RankedResult that was produced on a degraded path.
// Callers branch on it deterministically instead of scraping logs.
type DegradedReason string

const (
	// DegradedNone marks a complete, non-degraded result.
	DegradedNone DegradedReason = ""

	// DegradedRecallUnavailable means the embedding index could not be
	// reached; the result is empty but valid for metric computation.
	DegradedRecallUnavailable DegradedReason = "recall_unavailable"

	// DegradedScoring means relevance scoring failed for one or more
	// candidates; the result was assembled from the candidates that could
	// be scored, or from recall ordering when the whole batch failed.
	DegradedScoring DegradedReason = "scoring_degraded"
)

// RankedChunk is one entry of a RankedResult, retaining both stage scores.
type RankedChunk struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Content     string  `json:"content"`
	Source      string  `json:"source"`
	Page        *int    `json:"page,omitempty"`
	RecallScore float64 `json:"recall_score"`
	RerankScore float64 `json:"rerank_score"`
}

// RankedResult is the ordered outcome of one retrieval call. The order is
// the ranking under evaluation; the value is immutable after creation.
type RankedResult struct {
	Query      string         `json:"query"`
	SearchType SearchType     `json:"search_type"`
	Degraded   DegradedReason `json:"degraded_reason,omitempty"`
	Chunks     []RankedChunk  `json:"chunks"`
}

// IsDegraded reports whether the result was produced on a degraded path.
func (r *RankedResult) IsDegraded() bool {
	return r.Degraded != DegradedNone
}

// ChunkIDs returns the ranked chunk ids in order.
func (r *RankedResult) ChunkIDs() []string {
	ids := make([]string, len(r.Chunks))
	for i, c := range r.Chunks {
		ids[i] = c.ChunkID
	}
	return ids
}
