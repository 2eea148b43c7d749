// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"fmt"

	"github.com/knoguchi/medrag/internal/domain"
)

// Embedder defines the interface for text embedding services.
// Implementations must be deterministic within a process: the same text yields the same vector.
type Embedder interface {
	// Embed generates an embedding vector for a single text input, typically a query.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

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

// KnownModels maps embedding model names to their configurations.
var KnownModels = map[string]ModelConfig{
	"nomic-embed-text":       {Dimension: 768, ContextLength: 8192},
	"mxbai-embed-large":      {Dimension: 1024, ContextLength: 512},
	"all-minilm":             {Dimension: 384, ContextLength: 256},
	"snowflake-arctic-embed": {Dimension: 1024, ContextLength: 8192},
	"text-embedding-3-small": {Dimension: 1536, ContextLength: 8191},
	"text-embedding-ada-002": {Dimension: 1536, ContextLength: 8191},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	return ModelConfig{Dimension: 768, ContextLength: 2048}
}

// FitsContext reports whether chunks of chunkChars characters fit the model's context,
// using the rough four-characters-per-token estimate.
func FitsContext(modelName string, chunkChars int) bool {
	return chunkChars/4 <= GetModelConfig(modelName).ContextLength
}

// checkBatch verifies a backend returned one vector per input, all of one dimension.
func checkBatch(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: expected %d vectors, got %d", domain.ErrEmbeddingBackend, want, len(vectors))
	}
	dim := -1
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at index %d", domain.ErrEmbeddingBackend, i)
		}
		if dim >= 0 && len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, expected %d", domain.ErrEmbeddingBackend, i, len(v), dim)
		}
		dim = len(v)
	}
	return nil
}
