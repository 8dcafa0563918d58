package embedding

import (
	"context"
	"testing"
)

type memoryCacheStore struct {
	saved []CacheEntry
}

func (m *memoryCacheStore) LoadEmbeddingCache(ctx context.Context, modelTag string) ([]CacheEntry, error) {
	var out []CacheEntry
	for _, e := range m.saved {
		if e.ModelTag == modelTag {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryCacheStore) SaveEmbeddingCache(ctx context.Context, entries []CacheEntry) error {
	m.saved = append(m.saved, entries...)
	return nil
}

func TestCacheGetPut(t *testing.T) {
	c := NewCache()
	c.Put("h1", "m@1", []float32{1, 2})

	vec, ok := c.Get("h1", "m@1")
	if !ok || vec[1] != 2 {
		t.Fatalf("Expected cached vector, got %v (%v)", vec, ok)
	}

	vec[0] = 99
	again, _ := c.Get("h1", "m@1")
	if again[0] != 1 {
		t.Error("Expected Get to return a copy")
	}

	if _, ok := c.Get("h1", "m@2"); ok {
		t.Error("Expected miss for a different model tag")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache()
	c.Put("h1", "m@1", []float32{1})
	c.Put("h2", "m@2", []float32{2})

	if removed := c.Invalidate("m@2"); removed != 1 {
		t.Errorf("Expected 1 entry removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry left, got %d", c.Len())
	}
}

func TestCachePersistAndLoad(t *testing.T) {
	store := &memoryCacheStore{}
	ctx := context.Background()

	c := NewCache()
	c.Put("h1", "m@1", []float32{1})
	c.Put("h2", "m@1", []float32{2})

	if err := c.Persist(ctx, store); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if len(store.saved) != 2 {
		t.Fatalf("Expected 2 saved entries, got %d", len(store.saved))
	}

	t.Run("second persist writes nothing new", func(t *testing.T) {
		if err := c.Persist(ctx, store); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		if len(store.saved) != 2 {
			t.Errorf("Expected no new writes, got %d entries", len(store.saved))
		}
	})

	t.Run("load restores entries for the tag", func(t *testing.T) {
		fresh := NewCache()
		if err := fresh.Load(ctx, store, "m@1"); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if fresh.Len() != 2 {
			t.Errorf("Expected 2 entries, got %d", fresh.Len())
		}
	})
}
