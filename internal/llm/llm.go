// Package llm provides interfaces and implementations for Large Language Model clients,
// plus the prompt builders used by the retrieval pipeline.
package llm

import (
	"context"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response. Zero means no limit.
	MaxTokens int

	// Seed fixes sampling for backends that support it. Zero leaves it unset.
	Seed int
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Func adapts a function to LLM.
type Func func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

// Generate implements LLM.
func (f Func) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}
