package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyBackend(t *testing.T) {
	t.Run("Should keep nil errors nil", func(t *testing.T) {
		assert.NoError(t, ClassifyBackend(nil, ErrModelInvocation))
	})

	t.Run("Should map deadlines to backend timeout", func(t *testing.T) {
		err := ClassifyBackend(fmt.Errorf("calling ollama: %w", context.DeadlineExceeded), ErrModelInvocation)
		assert.ErrorIs(t, err, ErrBackendTimeout)
		assert.NotErrorIs(t, err, ErrModelInvocation)
	})

	t.Run("Should map network timeouts to backend timeout", func(t *testing.T) {
		err := ClassifyBackend(timeoutErr{}, ErrEmbeddingBackend)
		assert.ErrorIs(t, err, ErrBackendTimeout)
	})

	t.Run("Should wrap other failures with the given kind", func(t *testing.T) {
		err := ClassifyBackend(errors.New("connection refused"), ErrEmbeddingBackend)
		assert.ErrorIs(t, err, ErrEmbeddingBackend)
		assert.Equal(t, "embedding_backend_error", Kind(err))
	})

	t.Run("Should not double wrap", func(t *testing.T) {
		inner := fmt.Errorf("%w: boom", ErrModelInvocation)
		assert.Same(t, inner, ClassifyBackend(inner, ErrModelInvocation))
	})
}

func TestCorpusKey(t *testing.T) {
	base := CorpusParams{ChunkSize: 600, ChunkOverlap: 300, ChunkMethod: "recursive", MaxChunks: 100, EmbeddingModel: "nomic-embed-text"}
	a := CorpusKey(HashContent("doc"), base)
	assert.Equal(t, a, CorpusKey(HashContent("doc"), base))
	assert.NotEqual(t, a, CorpusKey(HashContent("other"), base))

	variants := map[string]func(*CorpusParams){
		"overlap":    func(p *CorpusParams) { p.ChunkOverlap = 200 },
		"size":       func(p *CorpusParams) { p.ChunkSize = 500 },
		"method":     func(p *CorpusParams) { p.ChunkMethod = "langchain" },
		"max chunks": func(p *CorpusParams) { p.MaxChunks = 0 },
		"model":      func(p *CorpusParams) { p.EmbeddingModel = "text-embedding-3-small" },
	}
	for name, change := range variants {
		t.Run("Should change the key with the "+name, func(t *testing.T) {
			p := base
			change(&p)
			assert.NotEqual(t, a, CorpusKey(HashContent("doc"), p))
		})
	}
}
