// Package cluster groups one run's canonical items into topics and names
// each topic with the text-generation capability.
package cluster

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/vecmath"
)

const (
	ModeCentroid = "centroid"
	ModeDensity  = "density"
)

// Generator is the text-generation capability used for naming
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Options tune grouping and naming
type Options struct {
	Mode string
	// Threshold is the inclusive cosine similarity needed to join a group
	Threshold float64
	// MinPoints is the density-mode neighbourhood size (including the point) for a core item
	MinPoints         int
	NamingConcurrency int
	Logger            *slog.Logger
}

// Result is the outcome of clustering one batch
type Result struct {
	Clusters []models.Cluster `json:"clusters"`
	// Unclustered lists items that had no usable embedding
	Unclustered    []string `json:"unclustered,omitempty"`
	NamingFailures int      `json:"naming_failures"`
}

// Engine clusters a single run's batch. It holds no state between calls.
type Engine struct {
	opts   Options
	gen    Generator
	logger *slog.Logger
	now    func() time.Time
}

// New creates an engine. gen may be nil, in which case every multi-member
// cluster gets a placeholder name.
func New(gen Generator, opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeCentroid
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = 2
	}
	if opts.NamingConcurrency <= 0 {
		opts.NamingConcurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{opts: opts, gen: gen, logger: opts.Logger, now: time.Now}
}

// Cluster groups items and names the groups. Every embedded item lands in
// exactly one cluster; items without embeddings are reported as unclustered
// and keep an empty ClusterID.
func (e *Engine) Cluster(ctx context.Context, runID string, items []*models.ContentItem) (*Result, error) {
	result := &Result{}

	var embedded []*models.ContentItem
	for _, it := range items {
		if it.Embedding == nil || it.Embedding.IsZero() {
			it.ClusterID = ""
			result.Unclustered = append(result.Unclustered, it.ID)
			continue
		}
		embedded = append(embedded, it)
	}
	sort.Strings(result.Unclustered)

	orderByRelevance(embedded)

	var groups [][]int
	switch e.opts.Mode {
	case ModeDensity:
		groups = e.density(embedded)
	default:
		groups = e.centroid(embedded)
	}

	createdAt := e.now()
	clusters := make([]models.Cluster, len(groups))
	for gi, members := range groups {
		clusters[gi] = e.build(runID, embedded, members, createdAt)
	}

	result.NamingFailures = e.nameAll(ctx, clusters, embedded, groups)

	for gi, members := range groups {
		for _, m := range members {
			embedded[m].ClusterID = clusters[gi].ID
		}
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].MemberCount != clusters[j].MemberCount {
			return clusters[i].MemberCount > clusters[j].MemberCount
		}
		return clusters[i].AvgScore > clusters[j].AvgScore
	})
	result.Clusters = clusters

	e.logger.Info("clustered batch",
		"run_id", runID,
		"items", len(items),
		"clusters", len(clusters),
		"unclustered", len(result.Unclustered),
		"naming_failures", result.NamingFailures,
	)
	return result, nil
}

// orderByRelevance fixes the processing order: score desc, published asc, ID
func orderByRelevance(items []*models.ContentItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ScoreValue() != b.ScoreValue() {
			return a.ScoreValue() > b.ScoreValue()
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.Before(b.PublishedAt)
		}
		return a.ID < b.ID
	})
}

type centroidGroup struct {
	members []int
	sum     []float64
	center  []float32
	tag     string
}

func (g *centroidGroup) add(idx int, v []float32) {
	g.members = append(g.members, idx)
	if g.sum == nil {
		g.sum = make([]float64, len(v))
		g.center = make([]float32, len(v))
	}
	n := float64(len(g.members))
	for i, x := range v {
		g.sum[i] += float64(x)
		g.center[i] = float32(g.sum[i] / n)
	}
}

// centroid assigns each item to the most similar existing centroid at or
// above the threshold, otherwise opens a new group.
func (e *Engine) centroid(items []*models.ContentItem) [][]int {
	var groups []*centroidGroup

	for i, it := range items {
		best, bestSim := -1, 0.0
		for gi, g := range groups {
			if g.tag != it.Embedding.ModelTag || len(g.center) != len(it.Embedding.Vector) {
				continue
			}
			sim := vecmath.Cosine(it.Embedding.Vector, g.center)
			if sim >= e.opts.Threshold && (best == -1 || sim > bestSim) {
				best, bestSim = gi, sim
			}
		}
		if best == -1 {
			g := &centroidGroup{tag: it.Embedding.ModelTag}
			g.add(i, it.Embedding.Vector)
			groups = append(groups, g)
			continue
		}
		groups[best].add(i, it.Embedding.Vector)
	}

	out := make([][]int, len(groups))
	for i, g := range groups {
		out[i] = g.members
	}
	return out
}

// density is DBSCAN over cosine distance with eps = 1 - Threshold.
// Noise points become singletons.
func (e *Engine) density(items []*models.ContentItem) [][]int {
	n := len(items)
	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		neighbors[i] = append(neighbors[i], i)
		for j := i + 1; j < n; j++ {
			a, b := items[i].Embedding, items[j].Embedding
			if !a.Comparable(*b) {
				continue
			}
			if vecmath.Cosine(a.Vector, b.Vector) >= e.opts.Threshold {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}

	const unassigned = -1
	label := make([]int, n)
	for i := range label {
		label[i] = unassigned
	}

	var groups [][]int
	for i := 0; i < n; i++ {
		if label[i] != unassigned || len(neighbors[i]) < e.opts.MinPoints {
			continue
		}
		gid := len(groups)
		label[i] = gid
		members := []int{i}
		queue := append([]int(nil), neighbors[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if label[j] != unassigned {
				continue
			}
			label[j] = gid
			members = append(members, j)
			if len(neighbors[j]) >= e.opts.MinPoints {
				queue = append(queue, neighbors[j]...)
			}
		}
		sort.Ints(members)
		kept, dropped := e.prune(items, members)
		groups = append(groups, kept)
		for _, d := range dropped {
			label[d] = unassigned
		}
	}

	for i := 0; i < n; i++ {
		if label[i] == unassigned {
			groups = append(groups, []int{i})
		}
	}
	return groups
}

// prune drops the member least similar to the centroid while it is below
// the threshold, so density chains cannot hold members far from the centre.
func (e *Engine) prune(items []*models.ContentItem, members []int) (kept, dropped []int) {
	kept = members
	for len(kept) > 1 {
		vectors := make([][]float32, len(kept))
		for k, m := range kept {
			vectors[k] = items[m].Embedding.Vector
		}
		center := vecmath.Mean(vectors)

		worst, worstSim := -1, e.opts.Threshold
		for k, v := range vectors {
			if sim := vecmath.Cosine(v, center); sim < worstSim {
				worst, worstSim = k, sim
			}
		}
		if worst == -1 {
			break
		}
		dropped = append(dropped, kept[worst])
		kept = append(append([]int(nil), kept[:worst]...), kept[worst+1:]...)
	}
	sort.Ints(dropped)
	return kept, dropped
}

func (e *Engine) build(runID string, items []*models.ContentItem, members []int, createdAt time.Time) models.Cluster {
	vectors := make([][]float32, len(members))
	ids := make([]string, len(members))
	var scoreSum float64
	for k, m := range members {
		vectors[k] = items[m].Embedding.Vector
		ids[k] = items[m].ID
		scoreSum += items[m].ScoreValue()
	}

	centroid := vecmath.Mean(vectors)
	confidence := make(map[string]float64, len(members))
	for k, m := range members {
		confidence[items[m].ID] = vecmath.Clamp01((vecmath.Cosine(vectors[k], centroid) + 1) / 2)
	}

	return models.Cluster{
		ID:          uuid.New().String()[:8],
		RunID:       runID,
		MemberIDs:   ids,
		Centroid:    centroid,
		MemberCount: len(members),
		AvgScore:    scoreSum / float64(len(members)),
		Confidence:  confidence,
		CreatedAt:   createdAt,
	}
}
