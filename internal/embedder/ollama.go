package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/knoguchi/medrag/internal/domain"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// DefaultBatchConcurrency is the default number of concurrent embedding requests.
	// One keeps corpus embedding sequential.
	DefaultBatchConcurrency = 1
)

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use (default: nomic-embed-text).
	Model string

	// Dimension overrides the dimension looked up in KnownModels.
	Dimension int

	// BatchConcurrency is the number of concurrent requests for batch embedding.
	BatchConcurrency int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OllamaEmbedder implements the Embedder interface using Ollama's API.
type OllamaEmbedder struct {
	baseURL          string
	model            string
	dimension        int
	batchConcurrency int
	client           *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder creates a new Ollama embedder with the given configuration.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = GetModelConfig(model).Dimension
	}

	batchConcurrency := cfg.BatchConcurrency
	if batchConcurrency <= 0 {
		batchConcurrency = DefaultBatchConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &OllamaEmbedder{
		baseURL:          baseURL,
		model:            model,
		dimension:        dimension,
		batchConcurrency: batchConcurrency,
		client:           client,
	}
}

// Embed generates an embedding vector for a single text input.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding, err := e.embed(ctx, text)
	if err != nil {
		return nil, domain.ClassifyBackend(err, domain.ErrEmbeddingBackend)
	}
	return embedding, nil
}

func (e *OllamaEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/embeddings", e.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if len(ollamaResp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned for model %s", e.model)
	}

	embedding := make([]float32, len(ollamaResp.Embedding))
	for i, v := range ollamaResp.Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// EmbedBatch generates embedding vectors for multiple text inputs.
// At most batchConcurrency requests are in flight; the first failure fails the batch.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, e.batchConcurrency)

	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			}

			results[idx], errs[idx] = e.embed(ctx, t)
		}(i, text)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, domain.ClassifyBackend(fmt.Errorf("batch embedding failed at index %d: %w", i, err), domain.ErrEmbeddingBackend)
		}
	}
	if err := checkBatch(results, len(texts)); err != nil {
		return nil, err
	}
	return results, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

var _ Embedder = (*OllamaEmbedder)(nil)
