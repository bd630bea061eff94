// Package embedder provides interfaces and implementations for text embedding.
package embedder

import "context"

// Embedder turns a query into an embedding vector. Retrieval embeds one
// query per request; corpus chunks are embedded by the ingestion pipeline,
// so there is no batch path here.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// ModelConfig holds configuration for a specific embedding model.
type ModelConfig struct {
	Dimension     int // Embedding dimension
	ContextLength int // Max tokens the model can process
}

// KnownModels maps embedding model names to their configurations. The corpus
// was indexed with all-minilm (all-MiniLM-L6-v2); queries must be embedded
// with the same model or similarity scores are meaningless.
var KnownModels = map[string]ModelConfig{
	"all-minilm": {
		Dimension:     384,
		ContextLength: 256,
	},
	"nomic-embed-text": {
		Dimension:     768,
		ContextLength: 8192,
	},
	"mxbai-embed-large": {
		Dimension:     1024,
		ContextLength: 512,
	},
	"text-embedding-3-small": {
		Dimension:     1536,
		ContextLength: 8191,
	},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	// Conservative defaults for unknown models
	return ModelConfig{
		Dimension:     384,
		ContextLength: 2048,
	}
}
