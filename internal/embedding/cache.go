package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oscillatelabsllc/neuralfeed/internal/vecmath"
)

// CacheEntry is one cached vector keyed by content hash
type CacheEntry struct {
	Hash      string
	ModelTag  string
	Vector    []float32
	CreatedAt time.Time
}

// CacheStore persists the cache between runs
type CacheStore interface {
	LoadEmbeddingCache(ctx context.Context, modelTag string) ([]CacheEntry, error)
	SaveEmbeddingCache(ctx context.Context, entries []CacheEntry) error
}

// Cache maps content hashes to vectors. Entries produced under a different
// model tag than the one requested are misses and get replaced on the next Put.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	dirty   map[string]struct{}
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]CacheEntry),
		dirty:   make(map[string]struct{}),
	}
}

// Get returns a copy of the cached vector for hash if it was produced by modelTag
func (c *Cache) Get(hash, modelTag string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[hash]
	if !ok || e.ModelTag != modelTag {
		return nil, false
	}
	return vecmath.Clone(e.Vector), true
}

// Put stores a vector, replacing any entry for hash
func (c *Cache) Put(hash, modelTag string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[hash] = CacheEntry{
		Hash:      hash,
		ModelTag:  modelTag,
		Vector:    vecmath.Clone(vector),
		CreatedAt: time.Now(),
	}
	c.dirty[hash] = struct{}{}
}

// Invalidate drops every entry not produced by modelTag and returns how many were removed
func (c *Cache) Invalidate(modelTag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for hash, e := range c.entries {
		if e.ModelTag != modelTag {
			delete(c.entries, hash)
			delete(c.dirty, hash)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Load replaces the cache contents with the stored entries for modelTag
func (c *Cache) Load(ctx context.Context, store CacheStore, modelTag string) error {
	entries, err := store.LoadEmbeddingCache(ctx, modelTag)
	if err != nil {
		return fmt.Errorf("failed to load embedding cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]CacheEntry, len(entries))
	c.dirty = make(map[string]struct{})
	for _, e := range entries {
		if e.ModelTag != modelTag {
			continue
		}
		c.entries[e.Hash] = e
	}
	return nil
}

// Persist writes entries added since the last Load or Persist
func (c *Cache) Persist(ctx context.Context, store CacheStore) error {
	c.mu.RLock()
	pending := make([]CacheEntry, 0, len(c.dirty))
	for hash := range c.dirty {
		if e, ok := c.entries[hash]; ok {
			pending = append(pending, e)
		}
	}
	c.mu.RUnlock()

	if len(pending) == 0 {
		return nil
	}
	if err := store.SaveEmbeddingCache(ctx, pending); err != nil {
		return fmt.Errorf("failed to persist embedding cache: %w", err)
	}

	c.mu.Lock()
	for _, e := range pending {
		// keep entries rewritten after the snapshot dirty
		if cur, ok := c.entries[e.Hash]; ok && cur.CreatedAt.Equal(e.CreatedAt) {
			delete(c.dirty, e.Hash)
		}
	}
	c.mu.Unlock()
	return nil
}
