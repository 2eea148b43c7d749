package embedder

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/knoguchi/medrag/internal/domain"
)

// LangchainEmbedder adapts a langchaingo embeddings.Embedder, such as the OpenAI-compatible client.
type LangchainEmbedder struct {
	inner     embeddings.Embedder
	model     string
	dimension atomic.Int64
}

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIEmbedder builds a LangchainEmbedder backed by langchaingo's OpenAI client.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*LangchainEmbedder, error) {
	opts := []openai.Option{openai.WithEmbeddingModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	inner, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return NewLangchainEmbedder(inner, cfg.Model), nil
}

// NewLangchainEmbedder wraps inner. The dimension is learned from the first response
// unless the model is listed in KnownModels.
func NewLangchainEmbedder(inner embeddings.Embedder, model string) *LangchainEmbedder {
	e := &LangchainEmbedder{inner: inner, model: model}
	if cfg, ok := KnownModels[model]; ok {
		e.dimension.Store(int64(cfg.Dimension))
	}
	return e
}

// Embed embeds a query.
func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, domain.ClassifyBackend(fmt.Errorf("embedding query: %w", err), domain.ErrEmbeddingBackend)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", domain.ErrEmbeddingBackend)
	}
	e.dimension.CompareAndSwap(0, int64(len(v)))
	return v, nil
}

// EmbedBatch embeds documents in order.
func (e *LangchainEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vectors, err := e.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, domain.ClassifyBackend(fmt.Errorf("embedding documents: %w", err), domain.ErrEmbeddingBackend)
	}
	if err := checkBatch(vectors, len(texts)); err != nil {
		return nil, err
	}
	e.dimension.CompareAndSwap(0, int64(len(vectors[0])))
	return vectors, nil
}

// Dimension returns the known or learned dimension, zero before the first call.
func (e *LangchainEmbedder) Dimension() int { return int(e.dimension.Load()) }

// ModelName returns the embedding model name.
func (e *LangchainEmbedder) ModelName() string { return e.model }

var _ Embedder = (*LangchainEmbedder)(nil)
