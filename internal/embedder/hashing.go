package embedder

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/minio/highwayhash"
)

// DefaultHashingDimension is the vector size of the hashing embedder.
const DefaultHashingDimension = 384

var (
	hashingKey   = []byte("medrag-feature-hashing-key-32byt")
	tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// HashingEmbedder is an in-process embedder using signed feature hashing over word
// unigrams and bigrams. It needs no model server and is deterministic across processes.
type HashingEmbedder struct {
	dimension int
	stopwords map[string]struct{}
}

// NewHashingEmbedder creates a hashing embedder producing vectors of the given dimension.
func NewHashingEmbedder(dimension int) *HashingEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashingDimension
	}
	return &HashingEmbedder{dimension: dimension, stopwords: defaultStopwords()}
}

// Embed hashes text into an L2-normalized vector.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, e.dimension)
	tokens := e.tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok)
		}
	}

	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dimension)
	for i, v := range vec {
		if norm > 0 {
			v /= norm
		}
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch embeds texts in order.
func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimension returns the vector size.
func (e *HashingEmbedder) Dimension() int { return e.dimension }

// ModelName returns "hashing-<dimension>"; vectors of different sizes are not interchangeable.
func (e *HashingEmbedder) ModelName() string { return "hashing-" + strconv.Itoa(e.dimension) }

func (e *HashingEmbedder) add(vec []float64, feature string) {
	h := highwayhash.Sum64([]byte(feature), hashingKey)
	idx := int(h % uint64(len(vec)))
	if h&(1<<63) != 0 {
		vec[idx]--
		return
	}
	vec[idx]++
}

func (e *HashingEmbedder) tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := e.stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "it", "this", "that", "these", "those",
		"from", "into", "about", "than", "so", "such", "can", "will", "what", "which", "who",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var _ Embedder = (*HashingEmbedder)(nil)
