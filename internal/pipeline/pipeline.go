// Package pipeline answers queries over one biomedical corpus: it chunks and embeds the
// configured document once, then for every query expands it, retrieves the nearest chunks,
// has the language model score them, drops the irrelevant ones and synthesizes an answer
// from what is left.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/domain"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/logging"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/relevance"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// NoRelevantAnswer is returned without a synthesis call when no chunk passes the filter.
const NoRelevantAnswer = "No relevant documents found for the given query."

// Defaults for Config fields left at zero.
const (
	DefaultTopK              = 5
	DefaultMinRelevanceScore = 5
	DefaultCallTimeout       = 120 * time.Second
	DefaultEmbedBatchSize    = 32
)

// Config holds per-pipeline query settings.
type Config struct {
	// FilePath is the document location handed to the ingestion source.
	FilePath string

	// TopK is the number of chunks retrieved per query.
	TopK int

	// MinRelevanceScore is the lowest score a chunk may have and still reach synthesis.
	MinRelevanceScore int

	// QueryExpansion enables the EXPAND_QUERY model call.
	QueryExpansion bool

	// CallTimeout bounds every model and embedding call. Negative disables the bound.
	CallTimeout time.Duration

	// EmbedBatchSize is the number of chunks per embedding call.
	EmbedBatchSize int

	// Model, Temperature and MaxTokens are passed to expansion and synthesis calls.
	Model       string
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
	if c.MinRelevanceScore == 0 {
		c.MinRelevanceScore = DefaultMinRelevanceScore
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = DefaultEmbedBatchSize
	}
	return c
}

// Result is the outcome of one query, including the diagnostics gathered on the way.
// On failure only the fields of the completed stages are set.
type Result struct {
	QueryID       string
	Query         string
	ExpandedQuery string
	CorpusKey     string

	// Embeddings are the chunk vectors used for retrieval, for callers that keep their own copy.
	Embeddings [][]float32

	Retrieved []domain.Retrieved
	Scored    []domain.Scored
	Relevant  []domain.Scored

	Answer     string
	NoRelevant bool

	ScoreMethod relevance.Method
	Degraded    bool

	ChunksReused     bool
	EmbeddingsSource string

	Timings map[Stage]time.Duration
	Total   time.Duration
	Logs    []logging.Entry
}

// Embeddings sources reported in Result.EmbeddingsSource.
const (
	EmbeddingsSupplied = "supplied"
	EmbeddingsCached   = "cached"
	EmbeddingsComputed = "computed"
)

// Pipeline runs queries against one configured document.
type Pipeline struct {
	config        Config
	ingest        *ingestion.Pipeline
	embedder      embedder.Embedder
	queryEmbedder embedder.Embedder
	retriever     vectorstore.Retriever
	scorer        relevance.Scorer
	llmClient     llm.LLM
	corpus        *cache.Corpus

	logger     *slog.Logger
	logLevel   slog.Leveler
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	newQueryID func() string

	docMu sync.Mutex
	docs  map[string]loadedDocument
}

type loadedDocument struct {
	doc     domain.Document
	modTime time.Time
}

// Option is a functional option for configuring Pipeline.
type Option func(*Pipeline)

// WithScorer replaces the default LLM scorer.
func WithScorer(s relevance.Scorer) Option {
	return func(p *Pipeline) {
		p.scorer = s
	}
}

// WithQueryEmbedder embeds queries with e instead of the corpus embedder, typically a
// memoizing wrapper around it.
func WithQueryEmbedder(e embedder.Embedder) Option {
	return func(p *Pipeline) {
		p.queryEmbedder = e
	}
}

// WithLogger sets the base logger. Query logs are also captured into Result.Logs.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithCaptureLevel sets the lowest level captured into Result.Logs (default Info).
func WithCaptureLevel(level slog.Leveler) Option {
	return func(p *Pipeline) {
		p.logLevel = level
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// New creates a pipeline. The scorer defaults to an LLMScorer over llmClient.
func New(
	config Config,
	ingest *ingestion.Pipeline,
	emb embedder.Embedder,
	retriever vectorstore.Retriever,
	llmClient llm.LLM,
	corpus *cache.Corpus,
	opts ...Option,
) (*Pipeline, error) {
	config = config.withDefaults()
	if config.FilePath == "" {
		return nil, fmt.Errorf("%w: file path is required", domain.ErrInvalidConfiguration)
	}
	if config.MinRelevanceScore < relevance.MinScore || config.MinRelevanceScore > relevance.MaxScore {
		return nil, fmt.Errorf("%w: min relevance score must be in [%d,%d], got %d",
			domain.ErrInvalidConfiguration, relevance.MinScore, relevance.MaxScore, config.MinRelevanceScore)
	}

	p := &Pipeline{
		config:        config,
		ingest:        ingest,
		embedder:      emb,
		queryEmbedder: emb,
		retriever:     retriever,
		llmClient:     llmClient,
		corpus:        corpus,
		logger:        slog.Default(),
		logLevel:      slog.LevelInfo,
		tracer:        otel.Tracer("medrag.pipeline"),
		newQueryID:    uuid.NewString,
		docs:          make(map[string]loadedDocument),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.scorer == nil {
		p.scorer = relevance.NewLLMScorer(llmClient, relevance.WithModel(config.Model))
	}

	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// RunQuery answers query. cached may carry chunk embeddings from an earlier Result; they
// are reused verbatim when their count matches the chunk count.
//
// The returned Result is non-nil even on failure so callers can surface Result.Logs.
// Failures are *StageError values wrapping a domain error kind.
func (p *Pipeline) RunQuery(ctx context.Context, query string, cached [][]float32) (*Result, error) {
	start := time.Now()
	res := &Result{
		QueryID: p.newQueryID(),
		Query:   query,
		Timings: make(map[Stage]time.Duration),
	}

	logger, buf := logging.Capture(p.logger, p.logLevel)
	logger = logger.With("query_id", res.QueryID)
	ctx = logging.WithLogger(ctx, logger)

	ctx, span := p.tracer.Start(ctx, "medrag.pipeline.run_query", trace.WithAttributes(
		attribute.String("query_id", res.QueryID),
		attribute.Int("top_k", p.config.TopK),
	))
	defer span.End()

	logger.Info("query started", "query", query)
	err := p.run(ctx, res, query, cached)
	res.Total = time.Since(start)

	if err != nil {
		stage := StageFailed
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		logger.Error("query failed",
			"stage", string(stage),
			"kind", domain.Kind(err),
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.ObserveQuery(domain.Kind(err))
		res.Logs = buf.Entries()
		return res, err
	}

	outcome := "answered"
	if res.NoRelevant {
		outcome = "no_relevant"
	}
	logger.Info("query finished",
		"outcome", outcome,
		"relevant", len(res.Relevant),
		"duration_ms", res.Total.Milliseconds(),
	)
	p.metrics.ObserveQuery(outcome)
	res.Logs = buf.Entries()
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, res *Result, query string, cached [][]float32) error {
	if strings.TrimSpace(query) == "" {
		return &StageError{Stage: StageValidate, Err: fmt.Errorf("%w: query is empty", domain.ErrInvalidArgument)}
	}

	var entry *domain.Corpus
	err := p.stage(ctx, res, StageLoad, func(ctx context.Context) error {
		var err error
		entry, err = p.loadChunks(ctx, res)
		return err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, StageEmbed, func(ctx context.Context) error {
		var err error
		res.Embeddings, err = p.loadEmbeddings(ctx, res, entry, cached)
		return err
	})
	if err != nil {
		return err
	}

	res.ExpandedQuery = query
	if p.config.QueryExpansion {
		err = p.stage(ctx, res, StageExpand, func(ctx context.Context) error {
			expanded, err := p.expand(ctx, query)
			if err != nil {
				return err
			}
			res.ExpandedQuery = expanded
			return nil
		})
		if err != nil {
			return err
		}
	}

	err = p.stage(ctx, res, StageRetrieve, func(ctx context.Context) error {
		var err error
		res.Retrieved, err = p.retrieve(ctx, res.ExpandedQuery, domain.Pool{
			Key:        entry.Key,
			Chunks:     entry.Chunks,
			Embeddings: res.Embeddings,
		})
		return err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, StageScore, func(ctx context.Context) error {
		var err error
		res.Scored, err = p.score(ctx, res, query)
		return err
	})
	if err != nil {
		return err
	}

	_ = p.stage(ctx, res, StageFilter, func(ctx context.Context) error {
		res.Relevant = Filter(res.Scored, p.config.MinRelevanceScore)
		p.metrics.ObserveScores(res.Degraded, len(res.Relevant))
		logging.FromContext(ctx).Info("filtered chunks",
			"kept", len(res.Relevant),
			"dropped", len(res.Scored)-len(res.Relevant),
			"min_score", p.config.MinRelevanceScore,
		)
		return nil
	})

	if len(res.Relevant) == 0 {
		res.NoRelevant = true
		res.Answer = NoRelevantAnswer
		return nil
	}

	return p.stage(ctx, res, StageSynthesis, func(ctx context.Context) error {
		var err error
		res.Answer, err = p.synthesize(ctx, query, res.Relevant)
		return err
	})
}

// stage runs fn inside a span, records its duration and wraps any failure in a StageError.
func (p *Pipeline) stage(ctx context.Context, res *Result, stage Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "medrag.pipeline."+strings.ToLower(string(stage)))
	defer span.End()

	start := time.Now()
	err := fn(logging.WithLogger(ctx, logging.FromContext(ctx).With("stage", string(stage))))
	elapsed := time.Since(start)
	res.Timings[stage] = elapsed
	p.metrics.ObserveStage(string(stage), elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// call runs fn under CallTimeout and classifies its failure as kind or ErrBackendTimeout.
// Cancellation by the caller is returned unchanged.
func (p *Pipeline) call(ctx context.Context, kind error, fn func(context.Context) error) error {
	callCtx := ctx
	if p.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return domain.ClassifyBackend(err, kind)
}

// document returns the loaded document, reloading it when the source reports a newer
// modification time than the memoized copy.
func (p *Pipeline) document(ctx context.Context) (domain.Document, error) {
	path := p.config.FilePath
	modTime, versioned := p.ingest.ModTime(ctx, path)

	p.docMu.Lock()
	loaded, ok := p.docs[path]
	p.docMu.Unlock()
	if ok && (!versioned || loaded.modTime.Equal(modTime)) {
		return loaded.doc, nil
	}
	if ok {
		logging.FromContext(ctx).Info("document changed, reloading", "path", path, "modified", modTime)
	}

	doc, err := p.ingest.Load(ctx, path)
	if err != nil {
		return domain.Document{}, err
	}

	p.docMu.Lock()
	p.docs[path] = loadedDocument{doc: doc, modTime: modTime}
	p.docMu.Unlock()
	return doc, nil
}

func (p *Pipeline) loadChunks(ctx context.Context, res *Result) (*domain.Corpus, error) {
	logger := logging.FromContext(ctx)

	doc, err := p.document(ctx)
	if err != nil {
		return nil, err
	}

	params := p.ingest.CorpusParams(p.embedder.ModelName())
	key := domain.CorpusKey(doc.Hash, params)
	res.CorpusKey = key

	entry, reused, err := p.corpus.GetOrBuild(ctx, key, func(ctx context.Context) (*domain.Corpus, error) {
		result, err := p.ingest.Process(ctx, doc)
		if err != nil {
			return nil, err
		}
		logger.Info("chunked document",
			"path", doc.Path,
			"chunks", result.Stats.ChunkCount,
			"dropped", result.Stats.DroppedChunks,
			"avg_chunk_length", result.Stats.AvgChunkLength,
		)
		return &domain.Corpus{
			DocumentHash: doc.Hash,
			CorpusParams: params,
			Chunks:       result.Chunks,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	res.ChunksReused = reused
	p.metrics.ObserveCache("chunks", hitOrMiss(reused))
	if reused {
		logger.Info("reusing cached chunks", "chunks", len(entry.Chunks))
	}
	return entry, nil
}

func (p *Pipeline) loadEmbeddings(ctx context.Context, res *Result, entry *domain.Corpus, cached [][]float32) ([][]float32, error) {
	logger := logging.FromContext(ctx)

	if len(cached) > 0 {
		if len(cached) == len(entry.Chunks) {
			res.EmbeddingsSource = EmbeddingsSupplied
			p.metrics.ObserveCache("embeddings", EmbeddingsSupplied)
			logger.Info("reusing supplied embeddings", "count", len(cached))
			return cached, nil
		}
		logger.Warn("ignoring supplied embeddings with wrong count",
			"supplied", len(cached),
			"chunks", len(entry.Chunks),
		)
	}

	processed, reused, err := p.corpus.EnsureEmbeddings(ctx, entry, p.embedChunks)
	if err != nil {
		return nil, err
	}

	res.EmbeddingsSource = EmbeddingsComputed
	if reused {
		res.EmbeddingsSource = EmbeddingsCached
		logger.Info("reusing cached embeddings", "count", len(processed.Embeddings))
	}
	p.metrics.ObserveCache("embeddings", hitOrMiss(reused))
	return processed.Embeddings, nil
}

func (p *Pipeline) embedChunks(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.config.EmbedBatchSize {
		end := min(start+p.config.EmbedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		err := p.call(ctx, domain.ErrEmbeddingBackend, func(ctx context.Context) error {
			batch, err := p.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return err
			}
			vectors = append(vectors, batch...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("embedding chunks %d-%d: %w", start, end-1, err)
		}
	}

	logging.FromContext(ctx).Info("embedded chunks",
		"count", len(vectors),
		"model", p.embedder.ModelName(),
	)
	return vectors, nil
}

func (p *Pipeline) expand(ctx context.Context, query string) (string, error) {
	var expanded string
	err := p.call(ctx, domain.ErrModelInvocation, func(ctx context.Context) error {
		var err error
		expanded, err = p.llmClient.Generate(ctx, llm.ExpansionPrompt(query), p.generateOptions())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("expanding query: %w", err)
	}

	expanded = strings.TrimSpace(expanded)
	if expanded == "" {
		logging.FromContext(ctx).Warn("query expansion returned nothing, using the original query")
		return query, nil
	}
	logging.FromContext(ctx).Info("expanded query", "expanded_query", expanded)
	return expanded, nil
}

func (p *Pipeline) retrieve(ctx context.Context, query string, pool domain.Pool) ([]domain.Retrieved, error) {
	var vector []float32
	err := p.call(ctx, domain.ErrEmbeddingBackend, func(ctx context.Context) error {
		var err error
		vector, err = p.queryEmbedder.Embed(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	retrieved, err := p.retriever.Retrieve(ctx, vector, pool, p.config.TopK)
	if err != nil {
		return nil, err
	}

	indices := make([]int, len(retrieved))
	for i, r := range retrieved {
		indices[i] = r.Chunk.Index
	}
	logging.FromContext(ctx).Info("retrieved chunks", "count", len(retrieved), "indices", indices)
	return retrieved, nil
}

func (p *Pipeline) score(ctx context.Context, res *Result, query string) ([]domain.Scored, error) {
	texts := make([]string, len(res.Retrieved))
	for i, r := range res.Retrieved {
		texts[i] = r.Chunk.Text
	}

	var scores relevance.Scores
	err := p.call(ctx, domain.ErrModelInvocation, func(ctx context.Context) error {
		var err error
		scores, err = p.scorer.Score(ctx, query, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(scores.Values) != len(texts) {
		return nil, fmt.Errorf("%w: scorer returned %d scores for %d candidates",
			domain.ErrModelInvocation, len(scores.Values), len(texts))
	}

	res.ScoreMethod = scores.Method
	res.Degraded = scores.Degraded

	scored := make([]domain.Scored, len(texts))
	for i, r := range res.Retrieved {
		scored[i] = domain.Scored{Retrieved: r, Score: scores.Values[i]}
	}
	logging.FromContext(ctx).Info("scored chunks", "scores", scores.Values, "method", string(scores.Method))
	return scored, nil
}

func (p *Pipeline) synthesize(ctx context.Context, query string, relevant []domain.Scored) (string, error) {
	texts := make([]string, len(relevant))
	for i, s := range relevant {
		texts[i] = s.Chunk.Text
	}

	var answer string
	err := p.call(ctx, domain.ErrModelInvocation, func(ctx context.Context) error {
		var err error
		answer, err = p.llmClient.Generate(ctx, llm.AnswerPrompt(query, texts), p.generateOptions())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("synthesizing answer: %w", err)
	}

	logging.FromContext(ctx).Info("synthesized answer", "context_documents", len(texts))
	return strings.TrimSpace(answer), nil
}

func (p *Pipeline) generateOptions() llm.GenerateOptions {
	return llm.GenerateOptions{
		Model:       p.config.Model,
		Temperature: float32(p.config.Temperature),
		MaxTokens:   p.config.MaxTokens,
	}
}

// Filter keeps scored chunks with Score >= minScore, preserving order.
func Filter(scored []domain.Scored, minScore int) []domain.Scored {
	kept := make([]domain.Scored, 0, len(scored))
	for _, s := range scored {
		if s.Score >= minScore {
			kept = append(kept, s)
		}
	}
	return kept
}

func hitOrMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
