package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/knoguchi/medrag/internal/domain"
)

// DefaultOpenAIModel is the default chat model for the OpenAI-compatible provider.
const DefaultOpenAIModel = "gpt-3.5-turbo"

// LangchainClient implements LLM on top of any langchaingo model.
type LangchainClient struct {
	model llms.Model
}

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIClient creates a LangchainClient backed by langchaingo's OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) (*LangchainClient, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	opts := []openai.Option{openai.WithModel(model)}
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
	return NewLangchainClient(client), nil
}

// NewLangchainClient wraps a langchaingo model.
func NewLangchainClient(model llms.Model) *LangchainClient {
	return &LangchainClient{model: model}
}

// Generate runs a single-prompt completion.
func (c *LangchainClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if opts.SystemPrompt != "" {
		prompt = opts.SystemPrompt + "\n\n" + prompt
	}

	callOpts := []llms.CallOption{llms.WithTemperature(float64(opts.Temperature))}
	if opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(opts.Model))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Seed != 0 {
		callOpts = append(callOpts, llms.WithSeed(opts.Seed))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, callOpts...)
	if err != nil {
		return "", domain.ClassifyBackend(fmt.Errorf("generating completion: %w", err), domain.ErrModelInvocation)
	}
	return out, nil
}

var _ LLM = (*LangchainClient)(nil)
