package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/vecmath"
)

// Memory is an in-process Index. Entries are replaced whole under a write
// lock, and reads hand out copies.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemory creates an empty in-memory index
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Upsert(ctx context.Context, id string, emb models.Embedding, meta models.ItemMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: upsert without id", models.ErrMalformedContent)
	}
	if emb.IsZero() {
		return fmt.Errorf("%w: item %s has no vector", models.ErrMalformedContent, id)
	}

	entry := &Entry{
		ID:        id,
		Embedding: models.Embedding{Vector: vecmath.Clone(emb.Vector), ModelTag: emb.ModelTag},
		Metadata:  meta,
	}

	m.mu.Lock()
	m.entries[id] = entry
	m.mu.Unlock()
	return nil
}

// Query filters first, then ranks the survivors, so every returned hit
// satisfies the filter.
func (m *Memory) Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]models.SearchHit, 0, len(m.entries))
	for id, e := range m.entries {
		if len(e.Embedding.Vector) != len(vector) {
			continue
		}
		if !filter.Match(e.Metadata, e.Embedding.ModelTag) {
			continue
		}
		hits = append(hits, models.SearchHit{
			ItemID:     id,
			Similarity: vecmath.Cosine(vector, e.Embedding.Vector),
			Metadata:   e.Metadata,
		})
	}
	m.mu.RUnlock()

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	out := *e
	out.Embedding.Vector = vecmath.Clone(e.Embedding.Vector)
	return &out, nil
}

// Len returns the number of indexed items
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
