// Package ingestion turns a source document into cached corpus chunks: reading, cleaning and chunking.
package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/knoguchi/medrag/internal/domain"
)

// Chunking methods.
const (
	MethodRecursive = "recursive"
	MethodLangchain = "langchain"
)

// ChunkerConfig holds chunking configuration. Sizes are measured in characters (runes).
type ChunkerConfig struct {
	Method  string `json:"method"`
	Size    int    `json:"size"`
	Overlap int    `json:"overlap"`
}

// Separators in priority order: paragraph, line, sentence end, word, character.
var defaultSeparators = []string{"\n\n", "\n", ". ", "? ", "! ", " ", ""}

// Chunker splits cleaned document text into overlapping segments.
type Chunker struct {
	config     ChunkerConfig
	separators []string
}

// NewChunker validates config and returns a Chunker.
func NewChunker(config ChunkerConfig) (*Chunker, error) {
	if config.Method == "" {
		config.Method = MethodRecursive
	}
	if err := ValidateChunkerConfig(config); err != nil {
		return nil, err
	}
	return &Chunker{config: config, separators: defaultSeparators}, nil
}

// Config returns the chunker configuration.
func (c *Chunker) Config() ChunkerConfig {
	return c.config
}

// Chunk splits text using the configured method.
func (c *Chunker) Chunk(text string) ([]domain.Chunk, error) {
	if text == "" {
		return nil, nil
	}

	switch c.config.Method {
	case MethodLangchain:
		return c.chunkLangchain(text)
	default:
		return c.chunkRecursive(text), nil
	}
}

// Split is a convenience wrapper around NewChunker and Chunk with the recursive method.
func Split(text string, size, overlap int) ([]domain.Chunk, error) {
	c, err := NewChunker(ChunkerConfig{Method: MethodRecursive, Size: size, Overlap: overlap})
	if err != nil {
		return nil, err
	}
	return c.Chunk(text)
}

// ValidateChunkerConfig checks size and overlap.
func ValidateChunkerConfig(config ChunkerConfig) error {
	if config.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidConfiguration, config.Size)
	}
	if config.Overlap < 0 {
		return fmt.Errorf("%w: chunk overlap must be non-negative, got %d", domain.ErrInvalidConfiguration, config.Overlap)
	}
	if config.Overlap >= config.Size {
		return fmt.Errorf("%w: chunk overlap %d must be smaller than size %d", domain.ErrInvalidConfiguration, config.Overlap, config.Size)
	}
	switch config.Method {
	case "", MethodRecursive, MethodLangchain:
	default:
		return fmt.Errorf("%w: unknown chunk method %q", domain.ErrInvalidConfiguration, config.Method)
	}
	return nil
}

// ============================================================================
// Recursive Chunking
// ============================================================================

// span is a half-open rune range of the document.
type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// chunkRecursive splits on the separator priority list, then merges pieces into
// windows of at most Size runes that share at most Overlap runes with their predecessor.
// Pieces tile the text, so chunks never drop characters.
func (c *Chunker) chunkRecursive(text string) []domain.Chunk {
	runes := []rune(text)
	pieces := splitSpans(runes, span{0, len(runes)}, c.separators, c.config.Size)
	windows := mergeSpans(pieces, c.config.Size, c.config.Overlap)

	chunks := make([]domain.Chunk, 0, len(windows))
	for i, w := range windows {
		chunks = append(chunks, domain.Chunk{
			Index: i,
			Text:  string(runes[w.start:w.end]),
			Start: w.start,
			End:   w.end,
		})
	}
	return chunks
}

// splitSpans breaks s into pieces no longer than size. A separator stays attached
// to the end of the piece it terminates.
func splitSpans(runes []rune, s span, separators []string, size int) []span {
	if s.len() <= size {
		return []span{s}
	}

	sep, rest := pickSeparator(string(runes[s.start:s.end]), separators)
	if sep == "" {
		pieces := make([]span, 0, s.len())
		for i := s.start; i < s.end; i++ {
			pieces = append(pieces, span{i, i + 1})
		}
		return pieces
	}

	sepRunes := []rune(sep)
	var pieces []span
	pos := s.start
	for i := s.start; i+len(sepRunes) <= s.end; {
		if hasRunesAt(runes, i, sepRunes) {
			i += len(sepRunes)
			pieces = append(pieces, span{pos, i})
			pos = i
			continue
		}
		i++
	}
	if pos < s.end {
		pieces = append(pieces, span{pos, s.end})
	}

	var out []span
	for _, p := range pieces {
		if p.len() <= size {
			out = append(out, p)
			continue
		}
		out = append(out, splitSpans(runes, p, rest, size)...)
	}
	return out
}

// pickSeparator returns the first separator present in text and the lower-priority ones.
func pickSeparator(text string, separators []string) (string, []string) {
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			return sep, separators[i+1:]
		}
	}
	return "", nil
}

func hasRunesAt(runes []rune, i int, want []rune) bool {
	for j, r := range want {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

// mergeSpans groups contiguous pieces into windows. When a window is emitted, pieces are
// dropped from its front until at most overlap runes remain and the next piece fits.
func mergeSpans(pieces []span, size, overlap int) []span {
	var windows []span
	var current []span
	total := 0

	for _, p := range pieces {
		l := p.len()
		if total+l > size && len(current) > 0 {
			windows = append(windows, span{current[0].start, current[len(current)-1].end})
			for total > overlap || (total+l > size && total > 0) {
				total -= current[0].len()
				current = current[1:]
			}
		}
		current = append(current, p)
		total += l
	}
	if len(current) > 0 {
		windows = append(windows, span{current[0].start, current[len(current)-1].end})
	}
	return windows
}

// ============================================================================
// langchaingo Chunking
// ============================================================================

// chunkLangchain delegates splitting to langchaingo's recursive character splitter.
// That splitter trims whitespace at chunk edges, so offsets are recovered by locating
// each chunk in the source text.
func (c *Chunker) chunkLangchain(text string) ([]domain.Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.config.Size),
		textsplitter.WithChunkOverlap(c.config.Overlap),
		textsplitter.WithSeparators(c.separators),
	)
	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}

	chunks := make([]domain.Chunk, 0, len(parts))
	cursor := 0
	for _, part := range parts {
		if part == "" {
			continue
		}
		offset := strings.Index(text[cursor:], part)
		if offset < 0 {
			offset = strings.Index(text, part)
			if offset < 0 {
				return nil, fmt.Errorf("chunk %d not found in source text", len(chunks))
			}
		} else {
			offset += cursor
		}
		start := utf8.RuneCountInString(text[:offset])
		chunks = append(chunks, domain.Chunk{
			Index: len(chunks),
			Text:  part,
			Start: start,
			End:   start + utf8.RuneCountInString(part),
		})
		// The next chunk may overlap this one, so only move past its first byte.
		_, width := utf8.DecodeRuneInString(text[offset:])
		cursor = offset + width
	}
	return chunks, nil
}
