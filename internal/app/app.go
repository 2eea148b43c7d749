// Package app assembles the query pipeline and its backends from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/cache"
	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/memory"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/pipeline"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// App holds the wired pipeline and the shared services around it.
type App struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics
	Auth     *auth.Authenticator
	JWT      *auth.JWTManager
	Sessions *memory.Store

	closers []func() error
}

// Build connects every configured backend and returns the assembled App.
// On error, backends opened so far are closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	ingest, err := ingestion.NewPipeline(ingestion.PipelineConfig{
		Chunker: ingestion.ChunkerConfig{
			Method:  cfg.ChunkMethod,
			Size:    cfg.ChunkSize,
			Overlap: cfg.ChunkOverlap,
		},
		MaxChunks: cfg.MaxChunks,
	}, ingestion.NewAFSSource(), ingestion.DefaultCleaner())
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion pipeline: %w", err)
	}

	llmClient, err := newLLM(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("initialized LLM", "provider", cfg.LLMProvider, "model", cfg.ActiveModel())

	emb, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("initialized embedder", "provider", cfg.Embedder, "model", emb.ModelName())

	queryEmb, err := embedder.NewCached(emb, cfg.QueryEmbedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding cache: %w", err)
	}

	store, err := a.newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("initialized corpus cache", "backend", cfg.CacheBackend)

	retriever, err := a.newRetriever(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("initialized retriever", "backend", cfg.Retriever)

	a.Pipeline, err = pipeline.New(pipeline.Config{
		FilePath:          cfg.FilePath,
		TopK:              cfg.RetrieveTopK,
		MinRelevanceScore: cfg.MinRelevanceScore,
		QueryExpansion:    cfg.QueryExpansion,
		CallTimeout:       cfg.CallTimeout,
		Model:             cfg.ActiveModel(),
		Temperature:       cfg.Temperature,
	}, ingest, emb, retriever, llmClient, cache.NewCorpus(store),
		pipeline.WithQueryEmbedder(queryEmb),
		pipeline.WithLogger(logger),
		pipeline.WithCaptureLevel(slog.LevelInfo),
		pipeline.WithMetrics(a.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		a.JWT = auth.NewJWTManager(jwtCfg)
	}
	a.Auth = auth.NewAuthenticator(cfg.APIKeys, cfg.AdminAPIKey, a.JWT)
	if !a.Auth.Enabled() {
		logger.Warn("authentication disabled: set API_KEYS, ADMIN_API_KEY or JWT_SECRET")
	}

	a.Sessions = memory.NewStore(cfg.SessionMaxMessages, cfg.SessionTTL)
	return a, nil
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newLLM(cfg *config.Config) (llm.LLM, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModelName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return client, nil
	default:
		return llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaHost),
			llm.WithModel(cfg.ModelName),
		), nil
	}
}

func newEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.Embedder {
	case config.ProviderOpenAI:
		emb, err := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.EmbeddingModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		return emb, nil
	case config.EmbedderHashing:
		return embedder.NewHashingEmbedder(cfg.EmbeddingDimension), nil
	default:
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:          cfg.OllamaHost,
			Model:            cfg.EmbeddingModel,
			BatchConcurrency: 1,
		}), nil
	}
}

func (a *App) newStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case config.CachePostgres:
		pool, err := cache.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		store := cache.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate corpus cache: %w", err)
		}
		return store, nil
	case config.CacheRedis:
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return cache.NewRedisStore(client, cache.WithTTL(cfg.RedisTTL)), nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

func (a *App) newRetriever(ctx context.Context, cfg *config.Config) (vectorstore.Retriever, error) {
	if cfg.Retriever != config.RetrieverQdrant {
		return vectorstore.NewMemoryRetriever(), nil
	}
	r, err := vectorstore.NewQdrantRetriever(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	a.closers = append(a.closers, r.Close)
	return r, nil
}
