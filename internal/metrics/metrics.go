// Package metrics computes ranking-quality metrics from a ranked result and
// a human-curated relevance judgment.
//
// Compute is a pure function: identical inputs always yield an identical
// MetricSet, which is what makes recomputation-on-edit safe to repeat.
package metrics

import (
	"errors"
)

// ErrInvalidK is returned when a caller violates the k >= 1 contract. This
// is a programming error in the caller, not a runtime condition to recover
// from; every documented input shape (empty results, empty relevant sets,
// results shorter than k) computes normally.
var ErrInvalidK = errors.New("metric computation requires k >= 1")

// MetricSet holds the four retrieval quality metrics for one evaluation.
// Values are always derived, never hand-edited.
type MetricSet struct {
	// HitRate is 1 if at least one relevant chunk appears in the top-k, else 0.
	HitRate int `json:"hit_rate"`

	// MRR is the reciprocal of the 1-based rank of the first (or designated
	// best) relevant chunk; 0 if no relevant chunk is ranked.
	MRR float64 `json:"mrr"`

	// PrecisionAtK is the fraction of the returned top-k that is relevant,
	// computed over the actual returned length when fewer than k chunks
	// came back.
	PrecisionAtK float64 `json:"precision_at_k"`

	// PrecisionAt1 is 1 if the single top-ranked chunk is relevant, else 0.
	PrecisionAt1 int `json:"precision_at_1"`
}

// Compute derives a MetricSet from the ranked chunk ids, the judged relevant
// set, and the optional best-chunk designation.
//
// bestChunkID, when non-empty, pins MRR to the rank of that specific chunk
// if it appears in the ranking; when the best chunk is absent from the
// ranking entirely, MRR falls back to the first-relevant rule. An empty
// relevant set is valid and yields all zeros.
func Compute(ranked []string, relevant []string, bestChunkID string, k int) (MetricSet, error) {
	if k < 1 {
		return MetricSet{}, ErrInvalidK
	}

	if len(ranked) > k {
		ranked = ranked[:k]
	}

	relevantSet := make(map[string]struct{}, len(relevant))
	for _, id := range relevant {
		relevantSet[id] = struct{}{}
	}

	var m MetricSet
	if len(ranked) == 0 {
		return m, nil
	}

	hits := 0
	firstRelevantRank := 0
	bestRank := 0
	for i, id := range ranked {
		if _, ok := relevantSet[id]; ok {
			hits++
			if firstRelevantRank == 0 {
				firstRelevantRank = i + 1
			}
		}
		if bestChunkID != "" && id == bestChunkID {
			bestRank = i + 1
		}
	}

	if hits > 0 {
		m.HitRate = 1
	}

	switch {
	case bestRank > 0:
		m.MRR = 1.0 / float64(bestRank)
	case firstRelevantRank > 0:
		m.MRR = 1.0 / float64(firstRelevantRank)
	}

	m.PrecisionAtK = float64(hits) / float64(len(ranked))

	if _, ok := relevantSet[ranked[0]]; ok {
		m.PrecisionAt1 = 1
	}

	return m, nil
}
