package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/knoguchi/medrag/internal/domain"
	"github.com/knoguchi/medrag/internal/logging"
)

// forgetter is implemented by retrievers that keep per-corpus state outside the cache.
type forgetter interface {
	Forget(ctx context.Context, key string) error
}

// purger is implemented by memoizing query embedders.
type purger interface {
	Purge()
}

// Warm chunks and embeds the configured document ahead of the first query.
func (p *Pipeline) Warm(ctx context.Context) (*Result, error) {
	res := &Result{QueryID: p.newQueryID(), Timings: make(map[Stage]time.Duration)}
	ctx = logging.WithLogger(ctx, p.logger.With("query_id", res.QueryID))

	var entry *domain.Corpus
	err := p.stage(ctx, res, StageLoad, func(ctx context.Context) error {
		var err error
		entry, err = p.loadChunks(ctx, res)
		return err
	})
	if err != nil {
		return res, err
	}

	err = p.stage(ctx, res, StageEmbed, func(ctx context.Context) error {
		var err error
		res.Embeddings, err = p.loadEmbeddings(ctx, res, entry, nil)
		return err
	})
	return res, err
}

// Ready reports whether the configured document can be loaded.
func (p *Pipeline) Ready(ctx context.Context) error {
	if _, err := p.document(ctx); err != nil {
		return fmt.Errorf("document not ready: %w", err)
	}
	return nil
}

// ClearCache drops every cached corpus, the loaded documents, and any retriever or query
// embedding state derived from them. It returns the removed corpus keys.
func (p *Pipeline) ClearCache(ctx context.Context) ([]string, error) {
	keys, err := p.corpus.Clear(ctx)
	if err != nil {
		return nil, err
	}

	p.docMu.Lock()
	clear(p.docs)
	p.docMu.Unlock()

	if f, ok := p.retriever.(forgetter); ok {
		for _, key := range keys {
			if err := f.Forget(ctx, key); err != nil {
				return keys, fmt.Errorf("failed to forget corpus %s: %w", key, err)
			}
		}
	}
	if pg, ok := p.queryEmbedder.(purger); ok {
		pg.Purge()
	}

	logging.FromContext(ctx).Info("cleared corpus cache", "corpora", len(keys))
	return keys, nil
}
