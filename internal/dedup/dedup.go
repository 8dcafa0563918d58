// Package dedup groups near-duplicate items from one ingestion run and picks
// a canonical item per group.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/vecmath"
)

// Searcher is the retrieval capability used for cross-run checks
type Searcher interface {
	Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error)
}

// Options tune duplicate detection
type Options struct {
	// Threshold is the inclusive similarity at which two items are duplicates
	Threshold float64
	// HistoryThreshold applies to matches against previously indexed items
	HistoryThreshold float64
	// SourcePriority ranks sources for the final canonical tiebreak; earlier wins
	SourcePriority []string
	Logger         *slog.Logger
}

// Deduplicator partitions a batch into duplicate groups
type Deduplicator struct {
	opts     Options
	priority map[string]int
	logger   *slog.Logger
}

// New creates a deduplicator
func New(opts Options) *Deduplicator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	priority := make(map[string]int, len(opts.SourcePriority))
	for i, s := range opts.SourcePriority {
		priority[strings.ToLower(s)] = i
	}
	return &Deduplicator{opts: opts, priority: priority, logger: opts.Logger}
}

// Deduplicate compares every pair in items and unions those at or above the
// threshold, so grouping is transitive. Non-canonical members get DuplicateOf
// set. Groups come back ordered by canonical ID.
func (d *Deduplicator) Deduplicate(items []*models.ContentItem) []models.DuplicateGroup {
	n := len(items)
	uf := newUnionFind(n)
	maxSim := make([]float64, n)

	for i := 0; i < n; i++ {
		a := items[i].Embedding
		if a == nil || a.IsZero() {
			continue
		}
		for j := i + 1; j < n; j++ {
			b := items[j].Embedding
			if b == nil || !a.Comparable(*b) {
				continue
			}
			sim := vecmath.Cosine(a.Vector, b.Vector)
			if sim >= d.opts.Threshold {
				uf.union(i, j)
				maxSim[i] = max(maxSim[i], sim)
				maxSim[j] = max(maxSim[j], sim)
			}
		}
	}

	var groups []models.DuplicateGroup
	for _, members := range uf.groups() {
		canonical := members[0]
		for _, m := range members[1:] {
			if d.better(items[m], items[canonical]) {
				canonical = m
			}
		}

		group := models.DuplicateGroup{CanonicalID: items[canonical].ID}
		for _, m := range members {
			group.MemberIDs = append(group.MemberIDs, items[m].ID)
			group.MaxSimilarity = max(group.MaxSimilarity, maxSim[m])
			if m == canonical {
				items[m].DuplicateOf = ""
			} else {
				items[m].DuplicateOf = items[canonical].ID
			}
		}
		sort.Strings(group.MemberIDs)
		group.ID = groupID(group.MemberIDs)
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].CanonicalID < groups[j].CanonicalID })

	dupes := 0
	for _, g := range groups {
		dupes += g.Size() - 1
	}
	d.logger.Debug("deduplicated batch", "items", n, "groups", len(groups), "duplicates", dupes)
	return groups
}

// Canonical returns the items that are not duplicates of another
func Canonical(items []*models.ContentItem) []*models.ContentItem {
	var out []*models.ContentItem
	for _, it := range items {
		if it.DuplicateOf == "" {
			out = append(out, it)
		}
	}
	return out
}

// better reports whether a should be canonical over b: higher score, then
// earlier publish time, then source priority, then ID.
func (d *Deduplicator) better(a, b *models.ContentItem) bool {
	if a.ScoreValue() != b.ScoreValue() {
		return a.ScoreValue() > b.ScoreValue()
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.Before(b.PublishedAt)
	}
	pa, pb := d.sourceRank(a), d.sourceRank(b)
	if pa != pb {
		return pa < pb
	}
	return a.ID < b.ID
}

func (d *Deduplicator) sourceRank(item *models.ContentItem) int {
	for _, key := range []string{item.SourceID, item.Source} {
		if r, ok := d.priority[strings.ToLower(key)]; ok {
			return r
		}
	}
	return len(d.priority)
}

// CheckHistory looks for an already indexed item close enough to be the same
// story. It returns the matching item ID, or "" when the item is novel.
func (d *Deduplicator) CheckHistory(ctx context.Context, searcher Searcher, item *models.ContentItem) (string, float64, error) {
	if item.Embedding == nil || item.Embedding.IsZero() {
		return "", 0, nil
	}

	hits, err := searcher.Query(ctx, item.Embedding.Vector, 2, models.Filter{ModelTag: item.Embedding.ModelTag})
	if err != nil {
		return "", 0, fmt.Errorf("history check for %s: %w", item.ID, err)
	}
	for _, h := range hits {
		if h.ItemID == item.ID {
			continue
		}
		if h.Similarity >= d.opts.HistoryThreshold {
			return h.ItemID, h.Similarity, nil
		}
	}
	return "", 0, nil
}

// groupID is stable for a given member set so reruns overwrite the same row
func groupID(memberIDs []string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(memberIDs, "\x00"))).String()
}
