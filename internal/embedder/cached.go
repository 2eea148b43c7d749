package embedder

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoizes single-text embeddings (queries) in an LRU. Batches pass through,
// since corpus embeddings are cached per corpus by the pipeline.
type Cached struct {
	Embedder
	cache *lru.Cache[string, []float32]
}

// NewCached wraps inner with an LRU of the given size.
func NewCached(inner Embedder, size int) (*Cached, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Cached{Embedder: inner, cache: cache}, nil
}

// Embed returns the memoized vector for text, embedding it on a miss.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}

// Len returns the number of memoized queries.
func (c *Cached) Len() int { return c.cache.Len() }

// Purge drops every memoized vector.
func (c *Cached) Purge() { c.cache.Purge() }

var _ Embedder = (*Cached)(nil)
