// Package vectorstore provides the embedding index boundary used for the
// recall stage of retrieval.
package vectorstore

import (
	"context"
)

// Candidate is a document chunk returned by the embedding index for a query
// embedding. Chunks are ingested and owned by a separate pipeline; the
// retrieval core only ever reads them.
type Candidate struct {
	ChunkID    string
	DocumentID string
	Content    string
	Source     string
	Page       *int
	Similarity float64
}

// Index defines the approximate nearest-neighbor search contract. The
// ordering of returned candidates is not guaranteed by implementations;
// callers re-sort.
type Index interface {
	// Search returns up to n candidates nearest to the query embedding.
	Search(ctx context.Context, vector []float32, n int) ([]Candidate, error)
}
