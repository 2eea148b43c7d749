package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/knoguchi/medrag/internal/domain"
)

// PipelineConfig holds configuration for the ingestion pipeline
type PipelineConfig struct {
	Chunker ChunkerConfig

	// MaxChunks caps the number of chunks kept per corpus. Zero keeps all.
	MaxChunks int
}

// PipelineResult holds the result of processing a document
type PipelineResult struct {
	Chunks []domain.Chunk
	Stats  PipelineStats
}

// PipelineStats contains statistics about the pipeline execution
type PipelineStats struct {
	// OriginalLength is the rune length of the cleaned document
	OriginalLength int

	// ChunkCount is the number of chunks kept
	ChunkCount int

	// DroppedChunks is the number of chunks cut by MaxChunks
	DroppedChunks int

	// AvgChunkLength is the average rune length per kept chunk
	AvgChunkLength int

	// ProcessingTime is how long the chunking took
	ProcessingTime time.Duration
}

// Pipeline reads, cleans and chunks documents
type Pipeline struct {
	config  PipelineConfig
	source  Source
	cleaner Cleaner
	chunker *Chunker
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(config PipelineConfig, source Source, cleaner Cleaner) (*Pipeline, error) {
	chunker, err := NewChunker(config.Chunker)
	if err != nil {
		return nil, err
	}
	if config.MaxChunks < 0 {
		return nil, fmt.Errorf("%w: max chunks must be non-negative, got %d", domain.ErrInvalidConfiguration, config.MaxChunks)
	}
	if cleaner == nil {
		cleaner = DefaultCleaner()
	}
	return &Pipeline{
		config:  config,
		source:  source,
		cleaner: cleaner,
		chunker: chunker,
	}, nil
}

// Load reads and cleans the document at location.
func (p *Pipeline) Load(ctx context.Context, location string) (domain.Document, error) {
	raw, err := p.source.Read(ctx, location)
	if err != nil {
		return domain.Document{}, err
	}

	text := p.cleaner.Clean(raw)
	if strings.TrimSpace(text) == "" {
		return domain.Document{}, fmt.Errorf("%w: %s is empty after cleaning", domain.ErrDocumentUnavailable, location)
	}
	return domain.NewDocument(location, text), nil
}

// ModTime reports when the document at location last changed. ok is false when the source
// cannot tell or the lookup fails; Load reports the failure in that case.
func (p *Pipeline) ModTime(ctx context.Context, location string) (modTime time.Time, ok bool) {
	v, isVersioned := p.source.(Versioned)
	if !isVersioned {
		return time.Time{}, false
	}
	modTime, err := v.ModTime(ctx, location)
	if err != nil {
		return time.Time{}, false
	}
	return modTime, true
}

// CorpusParams returns this pipeline's chunking parameters together with embeddingModel.
func (p *Pipeline) CorpusParams(embeddingModel string) domain.CorpusParams {
	cfg := p.chunker.Config()
	return domain.CorpusParams{
		ChunkSize:      cfg.Size,
		ChunkOverlap:   cfg.Overlap,
		ChunkMethod:    cfg.Method,
		MaxChunks:      p.config.MaxChunks,
		EmbeddingModel: embeddingModel,
	}
}

// CorpusKey returns the cache key for doc chunked by this pipeline and embedded with embeddingModel.
func (p *Pipeline) CorpusKey(doc domain.Document, embeddingModel string) string {
	return domain.CorpusKey(doc.Hash, p.CorpusParams(embeddingModel))
}

// Process chunks a loaded document
func (p *Pipeline) Process(ctx context.Context, doc domain.Document) (*PipelineResult, error) {
	startTime := time.Now()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	chunks, err := p.chunker.Chunk(doc.Text)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s produced no chunks", domain.ErrDocumentUnavailable, doc.Path)
	}

	dropped := 0
	if p.config.MaxChunks > 0 && len(chunks) > p.config.MaxChunks {
		dropped = len(chunks) - p.config.MaxChunks
		chunks = chunks[:p.config.MaxChunks]
	}

	return &PipelineResult{
		Chunks: chunks,
		Stats:  calculateStats(doc.Text, chunks, dropped, time.Since(startTime)),
	}, nil
}

// calculateStats computes statistics for a pipeline result
func calculateStats(text string, chunks []domain.Chunk, dropped int, elapsed time.Duration) PipelineStats {
	total := 0
	for _, c := range chunks {
		total += utf8.RuneCountInString(c.Text)
	}

	avg := 0
	if len(chunks) > 0 {
		avg = total / len(chunks)
	}

	return PipelineStats{
		OriginalLength: utf8.RuneCountInString(text),
		ChunkCount:     len(chunks),
		DroppedChunks:  dropped,
		AvgChunkLength: avg,
		ProcessingTime: elapsed,
	}
}
