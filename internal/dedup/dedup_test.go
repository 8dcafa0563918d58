package dedup

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// vecAt returns a unit vector at the given angle so cos(angle) is the similarity to {1, 0}
func vecAt(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}
}

func item(id, source string, score float64, published time.Time, vec []float32) *models.ContentItem {
	return &models.ContentItem{
		ID:          id,
		SourceID:    source,
		Title:       id,
		Type:        models.ContentArticle,
		PublishedAt: published,
		Score:       &models.Score{Value: score, Kind: models.ScoreSemantic},
		Embedding:   &models.Embedding{Vector: vec, ModelTag: "m@1"},
	}
}

func TestNearIdenticalArticlesShareGroup(t *testing.T) {
	d := New(Options{Threshold: 0.92})

	a := item("a", "techcrunch", 0.6, base, vecAt(0))
	b := item("b", "verge", 0.8, base, vecAt(math.Acos(0.97)))

	groups := d.Deduplicate([]*models.ContentItem{a, b})
	require.Len(t, groups, 1)
	assert.Equal(t, "b", groups[0].CanonicalID, "higher relevance wins")
	assert.Equal(t, "b", a.DuplicateOf)
	assert.Empty(t, b.DuplicateOf)
	assert.InDelta(t, 0.97, groups[0].MaxSimilarity, 1e-3)
}

func TestDuplicateGroupingIsTransitive(t *testing.T) {
	d := New(Options{Threshold: 0.92})

	// A~B and B~C clear the threshold, A~C does not
	a := item("a", "s1", 0.5, base, vecAt(0))
	b := item("b", "s2", 0.5, base, vecAt(0.3))
	c := item("c", "s3", 0.5, base, vecAt(0.6))

	require.Less(t, math.Cos(0.6), 0.92)
	require.GreaterOrEqual(t, math.Cos(0.3), 0.92)

	groups := d.Deduplicate([]*models.ContentItem{a, b, c})
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b", "c"}, groups[0].MemberIDs)
}

func TestCanonicalSelectionIsDeterministic(t *testing.T) {
	d := New(Options{Threshold: 0.9, SourcePriority: []string{"reuters", "bloomberg"}})

	build := func() []*models.ContentItem {
		return []*models.ContentItem{
			item("z", "bloomberg", 0.7, base, vecAt(0)),
			item("y", "reuters", 0.7, base, vecAt(0.01)),
			item("x", "blog", 0.7, base, vecAt(0.02)),
		}
	}

	first := d.Deduplicate(build())
	for i := 0; i < 10; i++ {
		items := build()
		// reverse input order to prove order independence
		for l, r := 0, len(items)-1; l < r; l, r = l+1, r-1 {
			items[l], items[r] = items[r], items[l]
		}
		again := d.Deduplicate(items)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].CanonicalID, again[0].CanonicalID)
		assert.Equal(t, first[0].ID, again[0].ID)
	}
	assert.Equal(t, "y", first[0].CanonicalID, "source priority breaks the tie")
}

func TestCanonicalTiebreakOrder(t *testing.T) {
	d := New(Options{Threshold: 0.9, SourcePriority: []string{"reuters"}})

	t.Run("earlier publish time beats source priority", func(t *testing.T) {
		early := item("early", "blog", 0.5, base.Add(-time.Hour), vecAt(0))
		late := item("late", "reuters", 0.5, base, vecAt(0))
		groups := d.Deduplicate([]*models.ContentItem{late, early})
		assert.Equal(t, "early", groups[0].CanonicalID)
	})

	t.Run("score beats publish time", func(t *testing.T) {
		early := item("early", "reuters", 0.4, base.Add(-time.Hour), vecAt(0))
		late := item("late", "blog", 0.9, base, vecAt(0))
		groups := d.Deduplicate([]*models.ContentItem{early, late})
		assert.Equal(t, "late", groups[0].CanonicalID)
	})
}

func TestThresholdIsInclusive(t *testing.T) {
	// identical unit vectors have similarity exactly 1
	a := item("a", "s", 0.5, base, []float32{1, 0})
	b := item("b", "s", 0.5, base, []float32{1, 0})

	d := New(Options{Threshold: 1.0})
	for i := 0; i < 3; i++ {
		groups := d.Deduplicate([]*models.ContentItem{a, b})
		assert.Len(t, groups, 1, "similarity equal to the threshold counts as duplicate")
	}
}

func TestItemsWithoutEmbeddingsStayAlone(t *testing.T) {
	d := New(Options{Threshold: 0.5})

	a := item("a", "s", 0.5, base, vecAt(0))
	b := item("b", "s", 0.5, base, nil)
	b.Embedding = nil
	c := item("c", "s", 0.5, base, vecAt(0))
	c.Embedding.ModelTag = "m@2"

	groups := d.Deduplicate([]*models.ContentItem{a, b, c})
	assert.Len(t, groups, 3, "missing or incomparable embeddings never merge")
	assert.Len(t, Canonical([]*models.ContentItem{a, b, c}), 3)
}

type fakeSearcher struct {
	hits []models.SearchHit
}

func (f fakeSearcher) Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error) {
	return f.hits, nil
}

func TestCheckHistory(t *testing.T) {
	d := New(Options{HistoryThreshold: 0.95})
	it := item("new", "s", 0.5, base, vecAt(0))

	t.Run("ignores itself and finds an older duplicate", func(t *testing.T) {
		s := fakeSearcher{hits: []models.SearchHit{
			{ItemID: "new", Similarity: 1},
			{ItemID: "old", Similarity: 0.96},
		}}
		id, sim, err := d.CheckHistory(context.Background(), s, it)
		require.NoError(t, err)
		assert.Equal(t, "old", id)
		assert.Equal(t, 0.96, sim)
	})

	t.Run("novel item", func(t *testing.T) {
		s := fakeSearcher{hits: []models.SearchHit{{ItemID: "old", Similarity: 0.8}}}
		id, _, err := d.CheckHistory(context.Background(), s, it)
		require.NoError(t, err)
		assert.Empty(t, id)
	})
}
