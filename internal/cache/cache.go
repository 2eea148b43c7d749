// Package cache holds processed corpora (chunks and their embeddings) keyed by document
// content hash and chunking parameters.
//
// A Corpus wraps a Store and guarantees that concurrent first queries for the same key share
// one chunking pass and one embedding pass. A shared pass is detached from the cancellation
// of the caller that started it: a caller that gives up returns early while the pass goes on
// for the others. Entries are written only after a stage finishes successfully, so a failed
// embedding batch never leaves a half-processed entry behind.
package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/knoguchi/medrag/internal/domain"
)

// Store persists corpus entries. Get returns nil, nil for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (*domain.Corpus, error)
	Put(ctx context.Context, entry *domain.Corpus) error
	Delete(ctx context.Context, key string) error
	// Clear removes every entry and returns the removed keys.
	Clear(ctx context.Context) ([]string, error)
}

// BuildFunc produces a new entry on a cache miss.
type BuildFunc func(ctx context.Context) (*domain.Corpus, error)

// EmbedFunc embeds the chunks of an entry, one vector per chunk in chunk order.
type EmbedFunc func(ctx context.Context, chunks []domain.Chunk) ([][]float32, error)

// Corpus is the single-flight front of a Store.
type Corpus struct {
	store Store
	group singleflight.Group
}

// NewCorpus wraps store.
func NewCorpus(store Store) *Corpus {
	return &Corpus{store: store}
}

// Store returns the underlying store.
func (c *Corpus) Store() Store {
	return c.store
}

// Get returns the entry for key, or nil when absent.
func (c *Corpus) Get(ctx context.Context, key string) (*domain.Corpus, error) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return entry, nil
}

// GetOrBuild returns the entry for key, calling build at most once across concurrent callers
// on a miss. reused reports whether the entry came from the store.
func (c *Corpus) GetOrBuild(ctx context.Context, key string, build BuildFunc) (entry *domain.Corpus, reused bool, err error) {
	if entry, err = c.Get(ctx, key); err != nil || entry != nil {
		return entry, entry != nil, err
	}

	v, err := c.do(ctx, "chunks:"+key, func(ctx context.Context) (any, error) {
		// A concurrent flight may have stored the entry since our read.
		if existing, err := c.Get(ctx, key); err != nil || existing != nil {
			return existing, err
		}
		built, err := build(ctx)
		if err != nil {
			return nil, err
		}
		built.Key = key
		if err := c.store.Put(ctx, built); err != nil {
			return nil, fmt.Errorf("failed to write cache entry: %w", err)
		}
		return built, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*domain.Corpus), false, nil
}

// EnsureEmbeddings returns entry with embeddings for every chunk, calling embed at most once
// across concurrent callers. The stored entry is marked processed only after embed succeeds.
// reused reports whether the embeddings were already cached.
func (c *Corpus) EnsureEmbeddings(ctx context.Context, entry *domain.Corpus, embed EmbedFunc) (result *domain.Corpus, reused bool, err error) {
	if ready(entry) {
		return entry, true, nil
	}

	v, err := c.do(ctx, "embeddings:"+entry.Key, func(ctx context.Context) (any, error) {
		current, err := c.Get(ctx, entry.Key)
		if err != nil {
			return nil, err
		}
		if ready(current) {
			return current, nil
		}
		if current == nil {
			current = entry
		}

		vectors, err := embed(ctx, current.Chunks)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(current.Chunks) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d chunks",
				domain.ErrEmbeddingBackend, len(vectors), len(current.Chunks))
		}

		processed := *current
		processed.Embeddings = vectors
		processed.Processed = true
		if err := c.store.Put(ctx, &processed); err != nil {
			return nil, fmt.Errorf("failed to write cache entry: %w", err)
		}
		return &processed, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*domain.Corpus), false, nil
}

// do runs fn once per flight key across concurrent callers. fn gets a context that keeps
// ctx's values but not its cancellation; bounding the work is fn's job. Each caller
// returns when the flight finishes or its own ctx is done, whichever comes first.
func (c *Corpus) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(flightCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

// Delete removes one entry.
func (c *Corpus) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry and returns the removed keys.
func (c *Corpus) Clear(ctx context.Context) ([]string, error) {
	keys, err := c.store.Clear(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to clear cache: %w", err)
	}
	return keys, nil
}

func ready(entry *domain.Corpus) bool {
	return entry != nil && entry.Processed && len(entry.Embeddings) == len(entry.Chunks)
}
