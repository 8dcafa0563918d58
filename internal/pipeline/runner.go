// Package pipeline runs one ingestion batch through embedding, scoring,
// deduplication, clustering and indexing.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oscillatelabsllc/neuralfeed/internal/cluster"
	"github.com/oscillatelabsllc/neuralfeed/internal/dedup"
	"github.com/oscillatelabsllc/neuralfeed/internal/embedding"
	"github.com/oscillatelabsllc/neuralfeed/internal/index"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/scoring"
)

// Repository is the persistent store the runner reads and writes
type Repository interface {
	SaveItems(ctx context.Context, runID string, items []*models.ContentItem) error
	LoadItem(ctx context.Context, id string) (*models.ContentItem, error)
	LoadBatch(ctx context.Context, runID string) ([]*models.ContentItem, error)
	SaveClusters(ctx context.Context, clusters []models.Cluster) error
	LoadClusters(ctx context.Context, runID string) ([]models.Cluster, error)
	SaveDuplicateGroups(ctx context.Context, runID string, groups []models.DuplicateGroup) error
	SaveRun(ctx context.Context, report *models.RunReport) error
	LoadRun(ctx context.Context, id string) (*models.RunReport, error)
	LatestRun(ctx context.Context) (*models.RunReport, error)
}

// Options tune a runner
type Options struct {
	MaxConcurrency int
	UpsertAttempts int
	IndexTimeout   time.Duration
	Logger         *slog.Logger
}

// Runner owns the per-run state: the embedding cache lifecycle, the index
// retry queue and the run lock.
type Runner struct {
	gateway  *embedding.Gateway
	cache    embedding.CacheStore
	scorer   *scoring.Scorer
	profiles []models.InterestProfile
	dedup    *dedup.Deduplicator
	clusters *cluster.Engine
	index    index.Index
	retry    *index.RetryQueue
	pending  index.PendingStore
	repo     Repository
	opts     Options
	logger   *slog.Logger

	// runs never share a dedup/cluster pass
	mu sync.Mutex
}

// Deps are the collaborators of a runner. CacheStore and PendingStore may
// be nil; without a PendingStore queued upserts only live in memory.
type Deps struct {
	Gateway      *embedding.Gateway
	CacheStore   embedding.CacheStore
	PendingStore index.PendingStore
	Scorer       *scoring.Scorer
	Profiles     []models.InterestProfile
	Dedup        *dedup.Deduplicator
	Clusters     *cluster.Engine
	Index        index.Index
	Repo         Repository
}

// NewRunner creates a runner
func NewRunner(deps Deps, opts Options) *Runner {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.UpsertAttempts <= 0 {
		opts.UpsertAttempts = 3
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		gateway:  deps.Gateway,
		cache:    deps.CacheStore,
		scorer:   deps.Scorer,
		profiles: append([]models.InterestProfile(nil), deps.Profiles...),
		dedup:    deps.Dedup,
		clusters: deps.Clusters,
		index:    deps.Index,
		retry:    index.NewRetryQueue(opts.Logger),
		pending:  deps.PendingStore,
		repo:     deps.Repo,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// PendingUpserts lists items still waiting to reach the index
func (r *Runner) PendingUpserts() []string {
	return r.retry.Pending()
}

// Run processes one batch. Per-item problems are recorded in the report and
// never abort the run; a returned error means the run as a whole failed and
// should be retried on the next invocation.
func (r *Runner) Run(ctx context.Context, batch []*models.ContentItem) (*models.RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &models.RunReport{
		ID:         uuid.New().String(),
		State:      models.RunRunning,
		StartedAt:  time.Now(),
		Received:   len(batch),
		SeenBefore: map[string]string{},
	}
	logger := r.logger.With("run_id", report.ID)
	logger.Info("run started", "items", len(batch))

	if err := r.repo.SaveRun(ctx, report); err != nil {
		return r.finish(ctx, report, fmt.Errorf("failed to record run: %w", err))
	}

	if r.cache != nil {
		if err := r.gateway.Cache().Load(ctx, r.cache, r.gateway.ModelTag()); err != nil {
			logger.Warn("failed to load embedding cache", "error", err)
		}
	}
	if r.pending != nil {
		if err := r.retry.Load(ctx, r.pending); err != nil {
			logger.Warn("failed to load pending upserts", "error", err)
		}
	}

	r.refreshProfiles(ctx, logger)

	items := r.accept(batch, report, logger)
	r.embed(ctx, items, report, logger)
	r.score(items, report)

	canonical, groups := r.deduplicate(ctx, items, report, logger)

	result, err := r.clusters.Cluster(ctx, report.ID, canonical)
	if err != nil {
		return r.finish(ctx, report, fmt.Errorf("clustering failed: %w", err))
	}
	report.Clusters = len(result.Clusters)
	report.Unclustered = result.Unclustered
	report.NamingFailures = result.NamingFailures
	inheritClusters(items)

	if err := r.upsert(ctx, canonical, report); err != nil {
		return r.finish(ctx, report, err)
	}

	if err := r.repo.SaveItems(ctx, report.ID, items); err != nil {
		return r.finish(ctx, report, fmt.Errorf("failed to save items: %w", err))
	}
	if err := r.repo.SaveDuplicateGroups(ctx, report.ID, groups); err != nil {
		return r.finish(ctx, report, fmt.Errorf("failed to save duplicate groups: %w", err))
	}
	if err := r.repo.SaveClusters(ctx, result.Clusters); err != nil {
		return r.finish(ctx, report, fmt.Errorf("failed to save clusters: %w", err))
	}

	if r.cache != nil {
		if err := r.gateway.Cache().Persist(ctx, r.cache); err != nil {
			logger.Warn("failed to persist embedding cache", "error", err)
		}
	}

	return r.finish(ctx, report, nil)
}

func (r *Runner) finish(ctx context.Context, report *models.RunReport, runErr error) (*models.RunReport, error) {
	report.FinishedAt = time.Now()
	report.State = models.RunCompleted
	if runErr != nil {
		report.State = models.RunFailed
		report.Error = runErr.Error()
	}
	if len(report.SeenBefore) == 0 {
		report.SeenBefore = nil
	}

	// the run outcome is recorded even if the caller's context is gone
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.IndexTimeout)
	defer cancel()
	if err := r.repo.SaveRun(saveCtx, report); err != nil {
		r.logger.Error("failed to record run outcome", "run_id", report.ID, "error", err)
	}

	attrs := []any{
		"run_id", report.ID,
		"state", report.State,
		"accepted", report.Accepted,
		"skipped", len(report.Skipped),
		"fallback_scored", len(report.FallbackScored),
		"duplicates", report.Duplicates,
		"clusters", report.Clusters,
		"indexed", report.Indexed,
		"pending_upserts", len(report.PendingUpserts),
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}
	if runErr != nil {
		r.logger.Error("run failed", append(attrs, "error", runErr)...)
		return report, runErr
	}
	r.logger.Info("run completed", attrs...)
	return report, nil
}

// accept cleans and validates the batch. Malformed items and repeated IDs
// are skipped.
func (r *Runner) accept(batch []*models.ContentItem, report *models.RunReport, logger *slog.Logger) []*models.ContentItem {
	seen := make(map[string]bool, len(batch))
	items := make([]*models.ContentItem, 0, len(batch))

	for i, it := range batch {
		if it == nil {
			report.Skipped = append(report.Skipped, fmt.Sprintf("#%d", i))
			continue
		}
		it.Title = cleanText(it.Title)
		it.Body = cleanText(it.Body)
		it.DuplicateOf = ""
		it.ClusterID = ""

		if err := it.Validate(); err != nil {
			logger.Warn("skipping malformed item", "index", i, "error", err)
			report.Skipped = append(report.Skipped, skipID(it, i))
			continue
		}
		if seen[it.ID] {
			logger.Warn("skipping repeated item id", "item_id", it.ID)
			report.Skipped = append(report.Skipped, it.ID)
			continue
		}
		seen[it.ID] = true
		items = append(items, it)
	}

	report.Accepted = len(items)
	return items
}

func skipID(it *models.ContentItem, i int) string {
	if it.ID != "" {
		return it.ID
	}
	return fmt.Sprintf("#%d", i)
}

// embed computes missing embeddings, one gateway call per content type with
// the types processed concurrently. Failed items keep a nil embedding.
func (r *Runner) embed(ctx context.Context, items []*models.ContentItem, report *models.RunReport, logger *slog.Logger) {
	tag := r.gateway.ModelTag()
	byType := make(map[models.ContentType][]*models.ContentItem)
	for _, it := range items {
		if !it.NeedsEmbedding(tag) {
			report.Reused++
			continue
		}
		it.Embedding = nil
		if _, ok := r.gateway.Cache().Get(it.ContentHash(), tag); ok {
			report.Reused++
		}
		byType[it.Type] = append(byType[it.Type], it)
	}

	var eg errgroup.Group
	eg.SetLimit(r.opts.MaxConcurrency)

	for _, typ := range models.ContentTypes {
		group := byType[typ]
		if len(group) == 0 {
			continue
		}
		eg.Go(func() error {
			texts := make([]string, len(group))
			for i, it := range group {
				texts[i] = it.Text()
			}

			embs, errs := r.gateway.EmbedPartial(ctx, texts)
			failed := 0
			for i, it := range group {
				if errs[i] != nil || embs[i].IsZero() {
					failed++
					continue
				}
				emb := embs[i]
				it.Embedding = &emb
				it.EmbeddedHash = it.ContentHash()
			}
			if failed > 0 {
				logger.Warn("embedding unavailable for part of the batch",
					"type", typ,
					"failed", failed,
					"total", len(group),
				)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (r *Runner) score(items []*models.ContentItem, report *models.RunReport) {
	for _, it := range items {
		s := r.scorer.ScoreItem(it, r.profiles)
		it.Score = &s
		if s.Fallback() {
			report.FallbackScored = append(report.FallbackScored, it.ID)
		}
		if r.scorer.Relevant(s) {
			report.Relevant++
		}
	}
}
