package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abstracts.txt")
	require.NoError(t, os.WriteFile(path, []byte("Drug Beta treats condition X effectively.\n\nDrug Gamma is under study."), 0o644))

	return &config.Config{
		FilePath:            path,
		ChunkSize:           50,
		ChunkOverlap:        0,
		ChunkMethod:         "recursive",
		RetrieveTopK:        2,
		MinRelevanceScore:   5,
		CallTimeout:         time.Second,
		LLMProvider:         config.ProviderOllama,
		ModelName:           "llama3",
		OllamaHost:          "http://127.0.0.1:1",
		Embedder:            config.EmbedderHashing,
		EmbeddingDimension:  64,
		QueryEmbedCacheSize: 8,
		Retriever:           config.RetrieverMemory,
		CacheBackend:        config.CacheMemory,
		SessionMaxMessages:  10,
		SessionTTL:          time.Hour,
	}
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBuild(t *testing.T) {
	t.Run("Should assemble an in-memory pipeline", func(t *testing.T) {
		cfg := testConfig(t)
		a, err := Build(context.Background(), cfg, quiet)
		require.NoError(t, err)
		defer a.Close()

		require.NoError(t, a.Pipeline.Ready(context.Background()))
		res, err := a.Pipeline.Warm(context.Background())
		require.NoError(t, err)
		assert.Len(t, res.Embeddings, 2)
		assert.False(t, a.Auth.Enabled())
		assert.Nil(t, a.JWT)
	})

	t.Run("Should enable auth from configuration", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.APIKeys = []string{"k"}
		cfg.JWTSecret = "secret"
		cfg.JWTExpiry = time.Hour

		a, err := Build(context.Background(), cfg, quiet)
		require.NoError(t, err)
		defer a.Close()

		assert.True(t, a.Auth.Enabled())
		token, err := a.JWT.GenerateToken("cli", "")
		require.NoError(t, err)
		p, err := a.Auth.Authenticate("", token)
		require.NoError(t, err)
		assert.Equal(t, "cli", p.Subject)
	})

	t.Run("Should share the corpus cache through redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.CacheBackend = config.CacheRedis
		cfg.RedisURL = "redis://" + mr.Addr()

		a, err := Build(context.Background(), cfg, quiet)
		require.NoError(t, err)
		_, err = a.Pipeline.Warm(context.Background())
		require.NoError(t, err)
		require.NoError(t, a.Close())
		assert.Len(t, mr.Keys(), 1)

		b, err := Build(context.Background(), cfg, quiet)
		require.NoError(t, err)
		defer b.Close()
		res, err := b.Pipeline.Warm(context.Background())
		require.NoError(t, err)
		assert.True(t, res.ChunksReused)
		assert.Equal(t, "cached", res.EmbeddingsSource)
	})

	t.Run("Should fail when redis is unreachable", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.CacheBackend = config.CacheRedis
		cfg.RedisURL = "redis://127.0.0.1:1"

		_, err := Build(context.Background(), cfg, quiet)
		assert.Error(t, err)
	})

	t.Run("Should reject bad chunk settings", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.ChunkOverlap = cfg.ChunkSize

		_, err := Build(context.Background(), cfg, quiet)
		assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	})
}
