// Package vectorstore ranks corpus chunks by cosine similarity to a query vector.
package vectorstore

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/knoguchi/medrag/internal/domain"
)

// Retriever returns the k chunks of pool most similar to query.
//
// Results are ordered by similarity descending, ties broken by ascending chunk index.
// k <= 0 is an ErrInvalidArgument; k larger than the pool returns the whole pool.
type Retriever interface {
	Retrieve(ctx context.Context, query []float32, pool domain.Pool, k int) ([]domain.Retrieved, error)
}

// Cosine returns the cosine similarity of a and b. A zero vector has similarity 0 to everything,
// and so do vectors of different length; retrievers reject those with checkDimensions first.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// compareRetrieved orders by similarity descending, then chunk index ascending.
func compareRetrieved(a, b domain.Retrieved) int {
	if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
		return c
	}
	return cmp.Compare(a.Chunk.Index, b.Chunk.Index)
}

// Rank sorts results in retrieval order and truncates them to k.
func Rank(results []domain.Retrieved, k int) []domain.Retrieved {
	slices.SortStableFunc(results, compareRetrieved)
	if k < len(results) {
		results = results[:k]
	}
	return results
}

// checkDimensions fails when a pool vector does not match the query's length,
// which happens when the vectors were produced by a different embedding model.
func checkDimensions(query []float32, pool domain.Pool) error {
	for i, v := range pool.Embeddings {
		if len(v) != len(query) {
			return fmt.Errorf("%w: dimension mismatch, query has %d, chunk %d has %d",
				domain.ErrEmbeddingBackend, len(query), i, len(v))
		}
	}
	return nil
}

func validateK(k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", domain.ErrInvalidArgument, k)
	}
	return nil
}

// MemoryRetriever scans the whole pool on every query.
type MemoryRetriever struct{}

// NewMemoryRetriever creates a brute-force retriever.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{}
}

// Retrieve implements Retriever.
func (r *MemoryRetriever) Retrieve(ctx context.Context, query []float32, pool domain.Pool, k int) ([]domain.Retrieved, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkDimensions(query, pool); err != nil {
		return nil, err
	}

	n := pool.Len()
	results := make([]domain.Retrieved, n)
	for i := 0; i < n; i++ {
		results[i] = domain.Retrieved{
			Chunk:      pool.Chunks[i],
			Similarity: Cosine(query, pool.Embeddings[i]),
		}
	}
	return Rank(results, k), nil
}

var _ Retriever = (*MemoryRetriever)(nil)
