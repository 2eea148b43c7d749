package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/domain"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/relevance"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

const (
	abstractA = "Drug Alpha reduces symptoms of condition Y."
	abstractB = "Drug Beta treats condition X effectively."
	abstractC = "Drug Gamma is studied for condition Z."
	docPath   = "abstracts.txt"
	query     = "What treats condition X?"
)

var threeAbstracts = abstractA + "\n\n" + abstractB + "\n\n" + abstractC

// countingSource counts document reads.
type countingSource struct {
	inner ingestion.Source
	reads atomic.Int32
}

func (s *countingSource) Read(ctx context.Context, location string) (string, error) {
	s.reads.Add(1)
	return s.inner.Read(ctx, location)
}

func (s *countingSource) ModTime(ctx context.Context, location string) (time.Time, error) {
	if v, ok := s.inner.(ingestion.Versioned); ok {
		return v.ModTime(ctx, location)
	}
	return time.Time{}, errors.New("source has no modification times")
}

// stubEmbedder maps each abstract to its own axis and everything else near abstract B.
type stubEmbedder struct {
	batchCalls atomic.Int32
	queryCalls atomic.Int32
	err        error
	block      bool
	delay      time.Duration
	model      string
}

func (e *stubEmbedder) vector(text string) []float32 {
	switch {
	case strings.Contains(text, "Alpha"):
		return []float32{1, 0, 0}
	case strings.Contains(text, "Beta"):
		return []float32{0, 1, 0}
	case strings.Contains(text, "Gamma"):
		return []float32{0, 0, 1}
	default:
		return []float32{0.2, 0.9, 0.1}
	}
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.queryCalls.Add(1)
	return e.vector(text), nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batchCalls.Add(1)
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *stubEmbedder) Dimension() int { return 3 }

func (e *stubEmbedder) ModelName() string {
	if e.model != "" {
		return e.model
	}
	return "stub"
}

var _ embedder.Embedder = (*stubEmbedder)(nil)

// stubLLM answers expansion, scoring and synthesis prompts and records them.
type stubLLM struct {
	mu              sync.Mutex
	scoreResponse   string
	answer          string
	err             error
	expansionCalls  int
	scoringCalls    int
	synthesisCalls  int
	synthesisPrompt string
	synthesisOpts   llm.GenerateOptions
}

func (m *stubLLM) Generate(_ context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.Contains(prompt, "Relevance Scores"):
		m.scoringCalls++
		return m.scoreResponse, m.err
	case strings.Contains(prompt, "Context:"):
		m.synthesisCalls++
		m.synthesisPrompt = prompt
		m.synthesisOpts = opts
		return m.answer, m.err
	default:
		m.expansionCalls++
		if m.err != nil {
			return "", m.err
		}
		return "Expanded: " + query, nil
	}
}

type fixture struct {
	pipeline *Pipeline
	source   *countingSource
	embedder *stubEmbedder
	llm      *stubLLM
	store    *cache.MemoryStore
}

func newFixture(t *testing.T, cfg Config, docs ingestion.StaticSource) *fixture {
	t.Helper()
	return newFixtureWith(t, cfg, docs, cache.NewMemoryStore(), &stubEmbedder{})
}

func newFixtureWith(t *testing.T, cfg Config, docs ingestion.Source, store *cache.MemoryStore, emb *stubEmbedder) *fixture {
	t.Helper()

	source := &countingSource{inner: docs}
	ingest, err := ingestion.NewPipeline(ingestion.PipelineConfig{
		Chunker: ingestion.ChunkerConfig{Size: 50, Overlap: 0},
	}, source, nil)
	require.NoError(t, err)

	if cfg.FilePath == "" {
		cfg.FilePath = docPath
	}
	model := &stubLLM{scoreResponse: "[8]", answer: "Drug Beta treats condition X."}

	p, err := New(cfg, ingest, emb, vectorstore.NewMemoryRetriever(), model, cache.NewCorpus(store))
	require.NoError(t, err)

	return &fixture{pipeline: p, source: source, embedder: emb, llm: model, store: store}
}

func TestRunQuery_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{TopK: 1, QueryExpansion: true}, ingestion.StaticSource{docPath: threeAbstracts})

	res, err := f.pipeline.RunQuery(context.Background(), query, nil)
	require.NoError(t, err)

	require.Len(t, res.Retrieved, 1)
	assert.Contains(t, res.Retrieved[0].Chunk.Text, abstractB)
	assert.Equal(t, 8, res.Scored[0].Score)
	assert.Equal(t, "Drug Beta treats condition X.", res.Answer)
	assert.False(t, res.NoRelevant)
	assert.Len(t, res.Embeddings, 3)
	assert.Equal(t, "Expanded: "+query, res.ExpandedQuery)

	assert.Equal(t, 1, f.llm.synthesisCalls)
	assert.Contains(t, f.llm.synthesisPrompt, "Document 1: "+abstractB)
	assert.NotContains(t, f.llm.synthesisPrompt, abstractA)
	assert.NotContains(t, f.llm.synthesisPrompt, abstractC)
	assert.NotContains(t, f.llm.synthesisPrompt, "Document 2:")

	for _, stage := range []Stage{StageLoad, StageEmbed, StageExpand, StageRetrieve, StageScore, StageFilter, StageSynthesis} {
		assert.Contains(t, res.Timings, stage)
	}
	assert.NotEmpty(t, res.Logs)
	assert.Equal(t, res.QueryID, res.Logs[0].Attrs["query_id"])
}

func TestRunQuery_GenerationOptions(t *testing.T) {
	f := newFixture(t, Config{TopK: 1, Model: "llama3", Temperature: 0.25, MaxTokens: 256}, ingestion.StaticSource{docPath: threeAbstracts})

	_, err := f.pipeline.RunQuery(context.Background(), query, nil)
	require.NoError(t, err)
	assert.Equal(t, "llama3", f.llm.synthesisOpts.Model)
	assert.InDelta(t, 0.25, f.llm.synthesisOpts.Temperature, 1e-6)
	assert.Equal(t, 256, f.llm.synthesisOpts.MaxTokens)
}

func TestRunQuery_Filter(t *testing.T) {
	t.Run("Should return the fallback answer without synthesis when nothing passes", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 3}, ingestion.StaticSource{docPath: threeAbstracts})
		f.llm.scoreResponse = "[2, 4, 1]"

		res, err := f.pipeline.RunQuery(context.Background(), query, nil)
		require.NoError(t, err)
		assert.True(t, res.NoRelevant)
		assert.Equal(t, NoRelevantAnswer, res.Answer)
		assert.Empty(t, res.Relevant)
		assert.Equal(t, 0, f.llm.synthesisCalls)
		assert.Equal(t, 1, f.llm.scoringCalls)
		assert.Equal(t, 0, f.llm.expansionCalls)
	})

	t.Run("Should keep scores at the threshold", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 3, MinRelevanceScore: 5}, ingestion.StaticSource{docPath: threeAbstracts})
		f.llm.scoreResponse = "[5, 4, 9]"

		res, err := f.pipeline.RunQuery(context.Background(), query, nil)
		require.NoError(t, err)
		require.Len(t, res.Relevant, 2)
		assert.Equal(t, 5, res.Relevant[0].Score)
		assert.Equal(t, 9, res.Relevant[1].Score)
		assert.Contains(t, f.llm.synthesisPrompt, "Document 2:")
	})

	t.Run("Should pass degraded default scores through the filter", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 2}, ingestion.StaticSource{docPath: threeAbstracts})
		f.llm.scoreResponse = "I am not sure."

		res, err := f.pipeline.RunQuery(context.Background(), query, nil)
		require.NoError(t, err)
		assert.True(t, res.Degraded)
		assert.Equal(t, relevance.MethodDefault, res.ScoreMethod)
		assert.Len(t, res.Relevant, 2)
		assert.Equal(t, 1, f.llm.synthesisCalls)
	})
}

func TestFilter(t *testing.T) {
	scored := []domain.Scored{{Score: 3}, {Score: 7}, {Score: 5}}
	assert.Equal(t, []domain.Scored{{Score: 7}, {Score: 5}}, Filter(scored, 5))
	assert.Empty(t, Filter(scored, 8))
	assert.Empty(t, Filter(nil, 5))
}

func TestRunQuery_Idempotence(t *testing.T) {
	f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})
	ctx := context.Background()

	first, err := f.pipeline.RunQuery(ctx, query, nil)
	require.NoError(t, err)
	assert.False(t, first.ChunksReused)
	assert.Equal(t, EmbeddingsComputed, first.EmbeddingsSource)

	second, err := f.pipeline.RunQuery(ctx, query, nil)
	require.NoError(t, err)
	assert.True(t, second.ChunksReused)
	assert.Equal(t, EmbeddingsCached, second.EmbeddingsSource)
	assert.Equal(t, first.Embeddings, second.Embeddings)
	assert.Equal(t, first.Answer, second.Answer)

	assert.EqualValues(t, 1, f.source.reads.Load())
	assert.EqualValues(t, 1, f.embedder.batchCalls.Load())
}

func TestRunQuery_SuppliedEmbeddings(t *testing.T) {
	t.Run("Should reuse embeddings with a matching count", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})
		supplied := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

		res, err := f.pipeline.RunQuery(context.Background(), query, supplied)
		require.NoError(t, err)
		assert.Equal(t, EmbeddingsSupplied, res.EmbeddingsSource)
		assert.Equal(t, supplied, res.Embeddings)
		assert.EqualValues(t, 0, f.embedder.batchCalls.Load())
	})

	t.Run("Should ignore embeddings with the wrong count", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})

		res, err := f.pipeline.RunQuery(context.Background(), query, [][]float32{{1, 0, 0}})
		require.NoError(t, err)
		assert.Equal(t, EmbeddingsComputed, res.EmbeddingsSource)
		assert.EqualValues(t, 1, f.embedder.batchCalls.Load())
	})
}

func TestRunQuery_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("Should reject an empty query", func(t *testing.T) {
		f := newFixture(t, Config{}, ingestion.StaticSource{docPath: threeAbstracts})
		res, err := f.pipeline.RunQuery(ctx, "   ", nil)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageValidate, stageErr.Stage)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		assert.NotNil(t, res)
	})

	t.Run("Should reject a non-positive k at retrieval", func(t *testing.T) {
		f := newFixture(t, Config{TopK: -1}, ingestion.StaticSource{docPath: threeAbstracts})
		_, err := f.pipeline.RunQuery(ctx, query, nil)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageRetrieve, stageErr.Stage)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("Should fail on a missing document and leave the cache untouched", func(t *testing.T) {
		f := newFixture(t, Config{}, ingestion.StaticSource{})
		res, err := f.pipeline.RunQuery(ctx, query, nil)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageLoad, stageErr.Stage)
		assert.ErrorIs(t, err, domain.ErrDocumentUnavailable)
		assert.Equal(t, 0, f.store.Len())
		assert.Empty(t, res.Answer)
		require.NotEmpty(t, res.Logs)
		assert.Equal(t, "query failed", res.Logs[len(res.Logs)-1].Message)
		assert.Equal(t, "document_unavailable", res.Logs[len(res.Logs)-1].Attrs["kind"])
	})

	t.Run("Should not mark the corpus processed when embedding fails", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})
		f.embedder.err = errors.New("model not loaded")

		failed, err := f.pipeline.RunQuery(ctx, query, nil)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageEmbed, stageErr.Stage)
		assert.ErrorIs(t, err, domain.ErrEmbeddingBackend)

		require.NotEmpty(t, failed.CorpusKey)
		entry, err := f.store.Get(ctx, failed.CorpusKey)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.False(t, entry.Processed)
		assert.Nil(t, entry.Embeddings)

		f.embedder.err = nil
		res, err := f.pipeline.RunQuery(ctx, query, nil)
		require.NoError(t, err)
		assert.True(t, res.ChunksReused)
		assert.Equal(t, EmbeddingsComputed, res.EmbeddingsSource)
	})

	t.Run("Should map a slow embedding call to a backend timeout", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 1, CallTimeout: 20 * time.Millisecond}, ingestion.StaticSource{docPath: threeAbstracts})
		f.embedder.block = true

		_, err := f.pipeline.RunQuery(ctx, query, nil)
		assert.ErrorIs(t, err, domain.ErrBackendTimeout)
		assert.Equal(t, "backend_timeout", domain.Kind(err))
	})

	t.Run("Should fail at expansion on a model error", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 1, QueryExpansion: true}, ingestion.StaticSource{docPath: threeAbstracts})
		f.llm.err = errors.New("connection refused")

		_, err := f.pipeline.RunQuery(ctx, query, nil)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageExpand, stageErr.Stage)
		assert.ErrorIs(t, err, domain.ErrModelInvocation)
	})
}

func TestRunQuery_ConcurrentFirstQueries(t *testing.T) {
	f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})
	f.embedder.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.RunQuery(context.Background(), query, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.embedder.batchCalls.Load())
}

func TestRunQuery_CanceledFirstQuery(t *testing.T) {
	f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})
	f.embedder.delay = 200 * time.Millisecond

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.pipeline.RunQuery(firstCtx, query, nil)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.embedder.batchCalls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		res *Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := f.pipeline.RunQuery(context.Background(), query, nil)
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-firstErr
	assert.ErrorIs(t, err, context.Canceled)

	got := <-second
	require.NoError(t, got.err)
	assert.Len(t, got.res.Embeddings, 3)
	assert.Equal(t, "Drug Beta treats condition X.", got.res.Answer)
	assert.EqualValues(t, 1, f.embedder.batchCalls.Load())
}

func TestRunQuery_EmbeddingModelChange(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	docs := ingestion.StaticSource{docPath: threeAbstracts}

	first := newFixtureWith(t, Config{TopK: 1}, docs, store, &stubEmbedder{model: "model-a"})
	a, err := first.pipeline.RunQuery(ctx, query, nil)
	require.NoError(t, err)
	assert.Equal(t, EmbeddingsComputed, a.EmbeddingsSource)

	second := newFixtureWith(t, Config{TopK: 1}, docs, store, &stubEmbedder{model: "model-b"})
	b, err := second.pipeline.RunQuery(ctx, query, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.CorpusKey, b.CorpusKey)
	assert.False(t, b.ChunksReused)
	assert.Equal(t, EmbeddingsComputed, b.EmbeddingsSource)
	assert.EqualValues(t, 1, second.embedder.batchCalls.Load())
	assert.Equal(t, 2, store.Len())

	entry, err := store.Get(ctx, b.CorpusKey)
	require.NoError(t, err)
	assert.Equal(t, "model-b", entry.EmbeddingModel)
}

// versionedSource serves one mutable document with a modification time.
type versionedSource struct {
	mu      sync.Mutex
	text    string
	modTime time.Time
}

func (s *versionedSource) set(text string, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text, s.modTime = text, modTime
}

func (s *versionedSource) Read(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, nil
}

func (s *versionedSource) ModTime(context.Context, string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modTime, nil
}

func TestRunQuery_DocumentChange(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &versionedSource{}
	src.set(threeAbstracts, stamp)
	f := newFixtureWith(t, Config{TopK: 1}, src, cache.NewMemoryStore(), &stubEmbedder{})

	first, err := f.pipeline.RunQuery(ctx, query, nil)
	require.NoError(t, err)
	again, err := f.pipeline.RunQuery(ctx, query, nil)
	require.NoError(t, err)
	assert.Equal(t, first.CorpusKey, again.CorpusKey)
	assert.EqualValues(t, 1, f.source.reads.Load())

	src.set(abstractB+"\n\n"+abstractC, stamp.Add(time.Minute))
	changed, err := f.pipeline.RunQuery(ctx, query, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.CorpusKey, changed.CorpusKey)
	assert.False(t, changed.ChunksReused)
	assert.Len(t, changed.Embeddings, 2)
	assert.EqualValues(t, 2, f.source.reads.Load())
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Should warm the cache", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})
		res, err := f.pipeline.Warm(ctx)
		require.NoError(t, err)
		assert.Len(t, res.Embeddings, 3)

		q, err := f.pipeline.RunQuery(ctx, query, nil)
		require.NoError(t, err)
		assert.Equal(t, EmbeddingsCached, q.EmbeddingsSource)
		assert.EqualValues(t, 1, f.embedder.batchCalls.Load())
	})

	t.Run("Should clear the cache and rebuild on the next query", func(t *testing.T) {
		f := newFixture(t, Config{TopK: 1}, ingestion.StaticSource{docPath: threeAbstracts})
		first, err := f.pipeline.RunQuery(ctx, query, nil)
		require.NoError(t, err)

		keys, err := f.pipeline.ClearCache(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{first.CorpusKey}, keys)

		_, err = f.pipeline.RunQuery(ctx, query, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 2, f.source.reads.Load())
		assert.EqualValues(t, 2, f.embedder.batchCalls.Load())
	})

	t.Run("Should report readiness", func(t *testing.T) {
		f := newFixture(t, Config{}, ingestion.StaticSource{})
		assert.ErrorIs(t, f.pipeline.Ready(ctx), domain.ErrDocumentUnavailable)
	})
}

func TestNew_Validation(t *testing.T) {
	ingest, err := ingestion.NewPipeline(ingestion.PipelineConfig{Chunker: ingestion.ChunkerConfig{Size: 10, Overlap: 2}}, ingestion.StaticSource{}, nil)
	require.NoError(t, err)

	_, err = New(Config{}, ingest, &stubEmbedder{}, vectorstore.NewMemoryRetriever(), &stubLLM{}, cache.NewCorpus(cache.NewMemoryStore()))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	_, err = New(Config{FilePath: "x", MinRelevanceScore: 11}, ingest, &stubEmbedder{}, vectorstore.NewMemoryRetriever(), &stubLLM{}, cache.NewCorpus(cache.NewMemoryStore()))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}
