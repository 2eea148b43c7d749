package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/knoguchi/medrag/internal/domain"
	"github.com/knoguchi/medrag/internal/logging"
)

const (
	indexPayloadKey = "index"
	textPayloadKey  = "text"

	upsertBatchSize = 256
)

// qdrantAPI is the subset of *qdrant.Client used by QdrantRetriever.
type qdrantAPI interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, collectionName string) error
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// QdrantRetriever serves candidate generation from a Qdrant collection per corpus.
//
// The collection is populated lazily on the first query for a pool. Candidates are
// re-scored locally against the pool vectors so that ordering and tie-breaking match
// MemoryRetriever exactly. Qdrant orders ties arbitrarily, so when the last fetched
// candidate still ties the k-th result the fetch is widened until the tie is resolved
// or the whole pool has been seen.
type QdrantRetriever struct {
	client qdrantAPI

	mu      sync.Mutex
	indexed map[string]bool
}

// NewQdrantRetriever creates a retriever backed by Qdrant.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantRetriever(ctx context.Context, url string) (*QdrantRetriever, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return newQdrantRetriever(client), nil
}

func newQdrantRetriever(client qdrantAPI) *QdrantRetriever {
	return &QdrantRetriever{client: client, indexed: make(map[string]bool)}
}

// Close closes the Qdrant client connection
func (r *QdrantRetriever) Close() error {
	return r.client.Close()
}

// CollectionName returns the collection used for a corpus key.
func CollectionName(key string) string {
	if len(key) > 32 {
		key = key[:32]
	}
	return "medrag_" + key
}

// Retrieve implements Retriever.
func (r *QdrantRetriever) Retrieve(ctx context.Context, query []float32, pool domain.Pool, k int) ([]domain.Retrieved, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	n := pool.Len()
	if n == 0 {
		return []domain.Retrieved{}, nil
	}
	if pool.Key == "" {
		return nil, fmt.Errorf("%w: pool has no corpus key", domain.ErrInvalidArgument)
	}

	if err := checkDimensions(query, pool); err != nil {
		return nil, err
	}
	if err := r.ensureIndexed(ctx, pool); err != nil {
		return nil, err
	}

	limit := min(n, 2*k)
	for {
		results, err := r.candidates(ctx, query, pool, limit)
		if err != nil {
			return nil, err
		}
		ranked := Rank(results, len(results))
		if limit >= n || len(ranked) <= k || ranked[len(ranked)-1].Similarity < ranked[k-1].Similarity {
			return Rank(ranked, k), nil
		}
		limit = min(n, 2*limit)
	}
}

// candidates fetches the limit nearest points and re-scores them against the pool.
func (r *QdrantRetriever) candidates(ctx context.Context, query []float32, pool domain.Pool, limit int) ([]domain.Retrieved, error) {
	points, err := r.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: CollectionName(pool.Key),
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	n := pool.Len()
	results := make([]domain.Retrieved, 0, len(points))
	for _, point := range points {
		idx, ok := point.GetPayload()[indexPayloadKey]
		if !ok {
			continue
		}
		i := int(idx.GetIntegerValue())
		if i < 0 || i >= n {
			continue
		}
		results = append(results, domain.Retrieved{
			Chunk:      pool.Chunks[i],
			Similarity: Cosine(query, pool.Embeddings[i]),
		})
	}
	return results, nil
}

// ensureIndexed creates and fills the collection for pool once per process.
// An existing collection with a different point count is rebuilt.
func (r *QdrantRetriever) ensureIndexed(ctx context.Context, pool domain.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexed[pool.Key] {
		return nil
	}

	name := CollectionName(pool.Key)
	n := pool.Len()

	exists, err := r.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		count, err := r.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to count points: %w", err)
		}
		if count == uint64(n) {
			r.indexed[pool.Key] = true
			return nil
		}
		if err := r.client.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to delete stale collection: %w", err)
		}
	}

	err = r.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(len(pool.Embeddings[0])),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for start := 0; start < n; start += upsertBatchSize {
		end := min(start+upsertBatchSize, n)
		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			points = append(points, &qdrant.PointStruct{
				Id: qdrant.NewIDUUID(PointID(pool.Key, i).String()),
				Payload: map[string]*qdrant.Value{
					indexPayloadKey: qdrant.NewValueInt(int64(i)),
					textPayloadKey:  qdrant.NewValueString(pool.Chunks[i].Text),
				},
				Vectors: qdrant.NewVectors(pool.Embeddings[i]...),
			})
		}
		_, err := r.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert points: %w", err)
		}
	}

	logging.FromContext(ctx).Info("indexed corpus in qdrant", "collection", name, "points", n)
	r.indexed[pool.Key] = true
	return nil
}

// Forget drops the collection for a corpus key. A missing collection is not an error.
func (r *QdrantRetriever) Forget(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.indexed, key)
	name := CollectionName(key)
	exists, err := r.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return nil
	}
	if err := r.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// PointID returns the deterministic point ID of chunk i of a corpus.
func PointID(key string, i int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key+":"+strconv.Itoa(i)))
}

var _ Retriever = (*QdrantRetriever)(nil)
