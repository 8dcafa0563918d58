package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// deduplicate groups the batch in one pass, then checks each canonical item
// against earlier runs through the index. Items that repeat indexed content
// are marked as duplicates of it and drop out of clustering, together with
// their in-run duplicates.
func (r *Runner) deduplicate(ctx context.Context, items []*models.ContentItem, report *models.RunReport, logger *slog.Logger) ([]*models.ContentItem, []models.DuplicateGroup) {
	groups := r.dedup.Deduplicate(items)
	for _, g := range groups {
		if g.Size() > 1 {
			report.DuplicateGroups++
			report.Duplicates += g.Size() - 1
		}
	}

	byID := make(map[string]*models.ContentItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	groupOf := make(map[string]int, len(groups))
	for gi, g := range groups {
		groupOf[g.CanonicalID] = gi
	}

	var canonical []*models.ContentItem
	for _, it := range items {
		if it.DuplicateOf != "" {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, r.opts.IndexTimeout)
		match, sim, err := r.dedup.CheckHistory(checkCtx, r.index, it)
		cancel()
		if err != nil {
			logger.Warn("history check failed", "item_id", it.ID, "error", err)
		}
		if match != "" {
			logger.Debug("item seen in an earlier run", "item_id", it.ID, "match", match, "similarity", sim)
			report.SeenBefore[it.ID] = match
			it.DuplicateOf = match
			// the rest of its group repeats the same earlier item
			if gi, ok := groupOf[it.ID]; ok && groups[gi].Size() > 1 {
				groups[gi].EarlierID = match
				for _, id := range groups[gi].MemberIDs {
					if m, ok := byID[id]; ok && id != it.ID {
						m.DuplicateOf = match
					}
				}
			}
			continue
		}
		canonical = append(canonical, it)
	}
	return canonical, groups
}

// inheritClusters puts in-run duplicates into their canonical item's cluster
func inheritClusters(items []*models.ContentItem) {
	byID := make(map[string]*models.ContentItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, it := range items {
		if it.DuplicateOf == "" {
			continue
		}
		if c, ok := byID[it.DuplicateOf]; ok {
			it.ClusterID = c.ClusterID
		}
	}
}

// upsert indexes the canonical items. Failed writes stay in the retry queue
// and are retried up to UpsertAttempts times in this run, then again on the
// next run, which may be another process when a PendingStore is set. If
// nothing at all could be written the index is considered unreachable and
// the run fails.
func (r *Runner) upsert(ctx context.Context, items []*models.ContentItem, report *models.RunReport) error {
	defer r.persistPending(ctx)

	// leftovers from earlier runs go first so newer writes win
	if before := r.retry.Len(); before > 0 {
		remaining, _ := r.retry.Flush(ctx, r.index)
		report.Indexed += before - remaining
	}

	attempted := 0
	for _, it := range items {
		if it.Embedding == nil || it.Embedding.IsZero() {
			continue
		}
		attempted++

		upsertCtx, cancel := context.WithTimeout(ctx, r.opts.IndexTimeout)
		err := r.retry.Upsert(upsertCtx, r.index, it.ID, *it.Embedding, models.MetadataFor(it))
		cancel()
		if err == nil {
			report.Indexed++
			continue
		}
		if errors.Is(err, models.ErrMalformedContent) {
			r.logger.Warn("item not indexable", "item_id", it.ID, "error", err)
		}
	}

	for attempt := 1; attempt < r.opts.UpsertAttempts && r.retry.Len() > 0; attempt++ {
		before := r.retry.Len()
		remaining, _ := r.retry.Flush(ctx, r.index)
		report.Indexed += before - remaining
	}

	report.PendingUpserts = r.retry.Pending()
	if attempted > 0 && report.Indexed == 0 && len(report.PendingUpserts) > 0 {
		return fmt.Errorf("%w: none of %d items could be indexed", models.ErrIndexUnavailable, attempted)
	}
	return nil
}

func (r *Runner) persistPending(ctx context.Context) {
	if r.pending == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.IndexTimeout)
	defer cancel()
	if err := r.retry.Persist(saveCtx, r.pending); err != nil {
		r.logger.Error("failed to persist pending upserts", "pending", r.retry.Len(), "error", err)
	}
}
