package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knoguchi/medrag/internal/domain"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var migrations = []string{`
	CREATE TABLE IF NOT EXISTS corpus_cache (
		key           TEXT PRIMARY KEY,
		document_hash TEXT NOT NULL,
		chunk_size    INTEGER NOT NULL,
		chunk_overlap INTEGER NOT NULL,
		chunks        JSONB NOT NULL,
		embeddings    JSONB,
		processed     BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`, `
	ALTER TABLE corpus_cache
		ADD COLUMN IF NOT EXISTS chunk_method    TEXT NOT NULL DEFAULT '',
		ADD COLUMN IF NOT EXISTS max_chunks      INTEGER NOT NULL DEFAULT 0,
		ADD COLUMN IF NOT EXISTS embedding_model TEXT NOT NULL DEFAULT ''
`}

// OpenPostgres creates a PostgreSQL connection pool
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// PostgresStore keeps entries in the corpus_cache table.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store over db. Call Migrate once before use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates or upgrades the corpus_cache table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate corpus_cache table: %w", err)
		}
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (*domain.Corpus, error) {
	query := `
		SELECT key, document_hash, chunk_size, chunk_overlap, chunk_method, max_chunks, embedding_model,
			chunks, embeddings, processed
		FROM corpus_cache
		WHERE key = $1
	`
	var entry domain.Corpus
	var chunksJSON, embeddingsJSON []byte

	err := s.db.QueryRow(ctx, query, key).Scan(
		&entry.Key, &entry.DocumentHash, &entry.ChunkSize, &entry.ChunkOverlap,
		&entry.ChunkMethod, &entry.MaxChunks, &entry.EmbeddingModel,
		&chunksJSON, &embeddingsJSON, &entry.Processed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get corpus: %w", err)
	}

	if err := json.Unmarshal(chunksJSON, &entry.Chunks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunks: %w", err)
	}
	if len(embeddingsJSON) > 0 {
		if err := json.Unmarshal(embeddingsJSON, &entry.Embeddings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embeddings: %w", err)
		}
	}

	return &entry, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, entry *domain.Corpus) error {
	chunksJSON, err := json.Marshal(entry.Chunks)
	if err != nil {
		return fmt.Errorf("failed to marshal chunks: %w", err)
	}
	var embeddingsJSON []byte
	if entry.Embeddings != nil {
		if embeddingsJSON, err = json.Marshal(entry.Embeddings); err != nil {
			return fmt.Errorf("failed to marshal embeddings: %w", err)
		}
	}

	query := `
		INSERT INTO corpus_cache (key, document_hash, chunk_size, chunk_overlap, chunk_method, max_chunks,
			embedding_model, chunks, embeddings, processed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (key) DO UPDATE SET
			chunks = EXCLUDED.chunks,
			embeddings = EXCLUDED.embeddings,
			processed = EXCLUDED.processed,
			updated_at = NOW()
	`
	_, err = s.db.Exec(ctx, query,
		entry.Key, entry.DocumentHash, entry.ChunkSize, entry.ChunkOverlap,
		entry.ChunkMethod, entry.MaxChunks, entry.EmbeddingModel,
		chunksJSON, embeddingsJSON, entry.Processed)
	if err != nil {
		return fmt.Errorf("failed to upsert corpus: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM corpus_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete corpus: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *PostgresStore) Clear(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `DELETE FROM corpus_cache RETURNING key`)
	if err != nil {
		return nil, fmt.Errorf("failed to clear corpus cache: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to clear corpus cache: %w", err)
	}
	return keys, nil
}

var _ Store = (*PostgresStore)(nil)
