// Package index defines the retrieval index contract and an in-memory
// implementation. The DuckDB store in internal/db is the persistent one.
package index

import (
	"context"
	"sort"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// Index stores one vector plus metadata per item and answers filtered
// similarity queries. Implementations must be safe for concurrent use, and
// an upsert must be visible either entirely or not at all.
type Index interface {
	Upsert(ctx context.Context, id string, emb models.Embedding, meta models.ItemMetadata) error
	Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Entry, error)
}

// Entry is one indexed item
type Entry struct {
	ID        string              `json:"id"`
	Embedding models.Embedding    `json:"embedding"`
	Metadata  models.ItemMetadata `json:"metadata"`
}

// SortHits orders hits by similarity descending, then more recent publish
// time, then item ID.
func SortHits(hits []models.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Metadata.PublishedAt.Equal(b.Metadata.PublishedAt) {
			return a.Metadata.PublishedAt.After(b.Metadata.PublishedAt)
		}
		return a.ItemID < b.ItemID
	})
}
