package pipeline

import (
	"context"
	"fmt"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/scoring"
)

// Digest returns the run's top-N canonical items grouped by cluster.
// Sections follow cluster order (largest first); items inside a section
// follow score.
func (r *Runner) Digest(ctx context.Context, runID string, topN int) (*models.Digest, error) {
	if _, err := r.repo.LoadRun(ctx, runID); err != nil {
		return nil, err
	}

	items, err := r.repo.LoadBatch(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run items: %w", err)
	}
	clusters, err := r.repo.LoadClusters(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run clusters: %w", err)
	}

	var canonical []*models.ContentItem
	for _, it := range items {
		if it.DuplicateOf == "" {
			canonical = append(canonical, it)
		}
	}
	scoring.Rank(canonical)
	if topN > 0 && len(canonical) > topN {
		canonical = canonical[:topN]
	}

	byCluster := make(map[string][]models.DigestItem)
	digest := &models.Digest{RunID: runID, Sections: []models.DigestSection{}}
	for _, it := range canonical {
		line := digestItem(it)
		if it.ClusterID == "" {
			digest.Unclustered = append(digest.Unclustered, line)
			continue
		}
		byCluster[it.ClusterID] = append(byCluster[it.ClusterID], line)
	}

	for _, c := range clusters {
		lines := byCluster[c.ID]
		if len(lines) == 0 {
			continue
		}
		digest.Sections = append(digest.Sections, models.DigestSection{
			ClusterID:   c.ID,
			Name:        c.Name,
			Summary:     c.Summary,
			Placeholder: c.Placeholder,
			Items:       lines,
		})
	}
	return digest, nil
}

func digestItem(it *models.ContentItem) models.DigestItem {
	return models.DigestItem{
		ID:          it.ID,
		Title:       it.Title,
		Source:      it.Source,
		URL:         it.URL,
		Type:        it.Type,
		PublishedAt: it.PublishedAt,
		Score:       it.ScoreValue(),
		Fallback:    it.Score != nil && it.Score.Fallback(),
	}
}

// Status returns the latest run report
func (r *Runner) Status(ctx context.Context) (*models.RunReport, error) {
	return r.repo.LatestRun(ctx)
}
