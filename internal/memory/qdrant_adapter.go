package memory

import (
	"context"

	"github.com/voidmesh/hivemind/internal/vectorstore"
)

// QdrantIndex wraps a vectorstore.Client to satisfy the VectorIndex
// interface.
type QdrantIndex struct {
	inner *vectorstore.Client
}

// NewQdrantIndex returns an adapter that bridges the Qdrant client to the
// memory manager's vector tier.
func NewQdrantIndex(c *vectorstore.Client) *QdrantIndex {
	return &QdrantIndex{inner: c}
}

func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	return q.inner.EnsureCollection(ctx, name, dimension)
}

func (q *QdrantIndex) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error {
	return q.inner.Upsert(ctx, collection, id, vector, payload)
}

func (q *QdrantIndex) Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]VectorHit, error) {
	results, err := q.inner.Search(ctx, collection, vector, topK)
	if err != nil {
		return nil, err
	}
	out := make([]VectorHit, len(results))
	for i, r := range results {
		out[i] = VectorHit{ID: r.ID, Score: r.Score, Payload: r.Payload}
	}
	return out, nil
}

func (q *QdrantIndex) DropCollection(ctx context.Context, name string) error {
	return q.inner.DropCollection(ctx, name)
}
