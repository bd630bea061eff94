package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantIndex implements Index using Qdrant
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantIndex creates a new Qdrant-backed embedding index.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantIndex(ctx context.Context, url, collection string) (*QdrantIndex, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantIndex{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}

// CollectionExists checks if the configured collection exists
func (s *QdrantIndex) CollectionExists(ctx context.Context) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}

	return exists, nil
}

// Search performs similarity search against the configured collection
func (s *QdrantIndex) Search(ctx context.Context, vector []float32, n int) ([]Candidate, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(n)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	candidates := make([]Candidate, 0, len(response))
	for _, point := range response {
		candidate := Candidate{
			ChunkID:    point.Id.GetUuid(),
			Similarity: float64(point.Score),
		}

		if payload := point.Payload; payload != nil {
			if docID, ok := payload["document_id"]; ok {
				candidate.DocumentID = docID.GetStringValue()
			}
			if content, ok := payload["content"]; ok {
				candidate.Content = content.GetStringValue()
			}
			if source, ok := payload["source"]; ok {
				candidate.Source = source.GetStringValue()
			}
			if page, ok := payload["page"]; ok {
				p := int(page.GetIntegerValue())
				candidate.Page = &p
			}
		}

		candidates = append(candidates, candidate)
	}

	return candidates, nil
}

// Ensure QdrantIndex implements Index
var _ Index = (*QdrantIndex)(nil)
