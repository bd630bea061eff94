// Package scorer provides cross-encoder relevance scoring for the rerank
// stage of retrieval.
//
// Relevance scoring evaluates query-passage pairs together rather than
// independently, which is significantly more precise than vector similarity
// when the recall stage returns candidates with near-identical scores. It
// costs one extra model call per retrieval.
package scorer

import (
	"context"
)

// CandidateScore is the relevance score for one passage of a batch,
// identified by its index in the input slice. Passages whose index is absent
// from the returned slice failed to score and should be treated as dropped
// by the caller.
type CandidateScore struct {
	Index int
	Score float64
}

// Scorer defines the batch relevance-scoring contract. Higher scores mean
// more relevant; no fixed range is guaranteed across implementations.
type Scorer interface {
	// ScoreBatch scores every passage against the query. A returned error
	// means the whole batch failed (e.g. the model endpoint timed out);
	// partial failures are expressed by omitting indexes from the result.
	ScoreBatch(ctx context.Context, query string, passages []string) ([]CandidateScore, error)

	// ModelName returns the model identifier for logging.
	ModelName() string
}
