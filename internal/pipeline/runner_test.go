package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/neuralfeed/internal/cluster"
	"github.com/oscillatelabsllc/neuralfeed/internal/config"
	"github.com/oscillatelabsllc/neuralfeed/internal/dedup"
	"github.com/oscillatelabsllc/neuralfeed/internal/embedding"
	"github.com/oscillatelabsllc/neuralfeed/internal/index"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/scoring"
)

const tag = "m@1"

var published = time.Date(2026, 5, 8, 9, 0, 0, 0, time.UTC)

func planeVec(x, y int, angle float64) []float32 {
	v := make([]float32, 4)
	v[x] = float32(math.Cos(angle))
	v[y] = float32(math.Sin(angle))
	return v
}

// vectors by item title
var titleVectors = map[string][]float32{
	"OpenAI launches GPT":         planeVec(0, 1, 0),
	"OpenAI launches GPT model":   planeVec(0, 1, 0.05),
	"OpenAI pricing explained":    planeVec(0, 1, 0.5),
	"OpenAI developer reactions":  planeVec(0, 1, -0.45),
	"Cloud database outage":       planeVec(2, 3, 0),
	"Outage postmortem published": planeVec(2, 3, 0.5),
	"Database status page down":   planeVec(2, 3, -0.45),
	"OpenAI launches GPT repost":  planeVec(0, 1, 0.01),
	"OpenAI model release":        planeVec(0, 1, 0),
}

type fakeProvider struct{}

func (p *fakeProvider) ModelTag() string { return tag }
func (p *fakeProvider) Name() string     { return "fake" }

func (p *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([]models.Embedding, error) {
	out := make([]models.Embedding, len(texts))
	for i, text := range texts {
		if strings.Contains(text, "timeout") {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		title := strings.SplitN(text, "\n", 2)[0]
		v, ok := titleVectors[title]
		if !ok {
			v = []float32{0, 0, 0, 1}
		}
		out[i] = models.Embedding{Vector: append([]float32(nil), v...), ModelTag: tag}
	}
	return out, nil
}

type memRepo struct {
	mu     sync.Mutex
	items  map[string][]*models.ContentItem
	groups map[string][]models.DuplicateGroup
	clust  map[string][]models.Cluster
	runs   map[string]models.RunReport
	order   []string
	cache   []embedding.CacheEntry
	pending []index.PendingUpsert
}

func newMemRepo() *memRepo {
	return &memRepo{
		items:  map[string][]*models.ContentItem{},
		groups: map[string][]models.DuplicateGroup{},
		clust:  map[string][]models.Cluster{},
		runs:   map[string]models.RunReport{},
	}
}

func (m *memRepo) SaveItems(ctx context.Context, runID string, items []*models.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[runID] = append(m.items[runID], items...)
	return nil
}

func (m *memRepo) LoadItem(ctx context.Context, id string) (*models.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, items := range m.items {
		for _, it := range items {
			if it.ID == id {
				return it, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: item %s", models.ErrNotFound, id)
}

func (m *memRepo) LoadBatch(ctx context.Context, runID string) ([]*models.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ContentItem(nil), m.items[runID]...), nil
}

func (m *memRepo) SaveClusters(ctx context.Context, clusters []models.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range clusters {
		m.clust[c.RunID] = append(m.clust[c.RunID], c)
	}
	return nil
}

func (m *memRepo) LoadClusters(ctx context.Context, runID string) ([]models.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Cluster(nil), m.clust[runID]...), nil
}

func (m *memRepo) SaveDuplicateGroups(ctx context.Context, runID string, groups []models.DuplicateGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[runID] = groups
	return nil
}

func (m *memRepo) SaveRun(ctx context.Context, report *models.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[report.ID]; !ok {
		m.order = append(m.order, report.ID)
	}
	m.runs[report.ID] = *report
	return nil
}

func (m *memRepo) LoadRun(ctx context.Context, id string) (*models.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", models.ErrNotFound, id)
	}
	return &r, nil
}

func (m *memRepo) LatestRun(ctx context.Context) (*models.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil, fmt.Errorf("%w: no runs yet", models.ErrNotFound)
	}
	r := m.runs[m.order[len(m.order)-1]]
	return &r, nil
}

func (m *memRepo) LoadEmbeddingCache(ctx context.Context, modelTag string) ([]embedding.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []embedding.CacheEntry
	for _, e := range m.cache {
		if e.ModelTag == modelTag {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) SaveEmbeddingCache(ctx context.Context, entries []embedding.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = append(m.cache, entries...)
	return nil
}

func (m *memRepo) LoadPendingUpserts(ctx context.Context) ([]index.PendingUpsert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]index.PendingUpsert(nil), m.pending...), nil
}

func (m *memRepo) SavePendingUpserts(ctx context.Context, pending []index.PendingUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append([]index.PendingUpsert(nil), pending...)
	return nil
}

func (m *memRepo) pendingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.pending))
	for i, p := range m.pending {
		ids[i] = p.ItemID
	}
	return ids
}

type fixture struct {
	runner   *Runner
	repo     *memRepo
	index    *index.Memory
	provider *fakeProvider
}

func newFixture(t *testing.T, idx index.Index) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, idx, newMemRepo())
}

// newFixtureWithRepo builds a fresh runner, as a new process would, over an
// existing repository
func newFixtureWithRepo(t *testing.T, idx index.Index, repo *memRepo) *fixture {
	t.Helper()
	provider := &fakeProvider{}
	gateway := embedding.NewGateway(provider, nil, embedding.Options{
		BatchSize:      16,
		MaxConcurrency: 2,
		MaxAttempts:    2,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		CallTimeout:    30 * time.Millisecond,
	})
	mem := index.NewMemory()
	if idx == nil {
		idx = mem
	}

	runner := NewRunner(Deps{
		Gateway:      gateway,
		CacheStore:   repo,
		PendingStore: repo,
		Scorer:       scoring.NewScorer(scoring.Options{RelevanceThreshold: 0.3}),
		Profiles: []models.InterestProfile{{
			Name:     "ai-labs",
			Topics:   []string{"OpenAI model release"},
			Vectors:  [][]float32{{1, 0, 0, 0}},
			ModelTag: tag,
		}},
		Dedup:    dedup.New(dedup.Options{Threshold: 0.92, HistoryThreshold: 0.95}),
		Clusters: cluster.New(nil, cluster.Options{Threshold: 0.7}),
		Index:    idx,
		Repo:     repo,
	}, Options{MaxConcurrency: 2, UpsertAttempts: 2, IndexTimeout: time.Second})

	return &fixture{runner: runner, repo: repo, index: mem, provider: provider}
}

func newsItem(id, title string, typ models.ContentType) *models.ContentItem {
	return &models.ContentItem{
		ID:          id,
		SourceID:    "src",
		Source:      "Source",
		URL:         "https://example.com/" + id,
		Title:       title,
		PublishedAt: published,
		Type:        typ,
	}
}

func batch() []*models.ContentItem {
	return []*models.ContentItem{
		newsItem("ai-1", "OpenAI launches GPT", models.ContentArticle),
		newsItem("ai-2", "OpenAI launches GPT model", models.ContentArticle),
		newsItem("ai-3", "OpenAI pricing explained", models.ContentArticle),
		newsItem("ai-4", "OpenAI developer reactions", models.ContentVideo),
		newsItem("out-1", "Cloud database outage", models.ContentArticle),
		newsItem("out-2", "Outage postmortem published", models.ContentArticle),
		newsItem("out-3", "Database status page down", models.ContentVideo),
		newsItem("pod-1", "OpenAI podcast timeout", models.ContentPodcast),
		newsItem("bad", "   ", models.ContentArticle),
	}
}

func TestRunCompletesWithPartialEmbeddingFailure(t *testing.T) {
	f := newFixture(t, nil)
	items := batch()

	report, err := f.runner.Run(context.Background(), items)
	require.NoError(t, err, "an embedding timeout never fails the run")

	assert.Equal(t, models.RunCompleted, report.State)
	assert.Equal(t, 9, report.Received)
	assert.Equal(t, 8, report.Accepted)
	assert.Equal(t, []string{"bad"}, report.Skipped)

	assert.Equal(t, []string{"pod-1"}, report.FallbackScored)
	pod := items[7]
	require.NotNil(t, pod.Score)
	assert.True(t, pod.Score.Fallback())
	assert.Greater(t, pod.Score.Value, 0.0)
	assert.LessOrEqual(t, pod.Score.Value, 0.5)
	assert.Nil(t, pod.Embedding)

	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, "ai-1", items[1].DuplicateOf)

	assert.Equal(t, 2, report.Clusters)
	assert.Equal(t, []string{"pod-1"}, report.Unclustered)
	assert.Empty(t, pod.ClusterID)
	assert.Equal(t, items[0].ClusterID, items[2].ClusterID)
	assert.Equal(t, items[0].ClusterID, items[3].ClusterID)
	assert.Equal(t, items[0].ClusterID, items[1].ClusterID, "duplicates follow their canonical item")
	assert.Equal(t, items[4].ClusterID, items[6].ClusterID)
	assert.NotEqual(t, items[0].ClusterID, items[4].ClusterID)

	assert.Equal(t, 6, report.Indexed)
	assert.Equal(t, 6, f.index.Len())
	assert.Empty(t, report.PendingUpserts)

	stored, err := f.repo.LoadRun(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, stored.State)
	assert.Len(t, f.repo.items[report.ID], 8)
	assert.NotEmpty(t, f.repo.cache, "new embeddings are persisted")
}

func TestRunDetectsRepeatsFromEarlierRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.runner.Run(ctx, batch())
	require.NoError(t, err)

	repost := newsItem("ai-1-repost", "OpenAI launches GPT repost", models.ContentArticle)
	again := newsItem("out-1", "Cloud database outage", models.ContentArticle)
	report, err := f.runner.Run(ctx, []*models.ContentItem{repost, again})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reused, "unchanged text comes from the cache")
	assert.Equal(t, map[string]string{"ai-1-repost": "ai-1"}, report.SeenBefore)
	assert.Equal(t, "ai-1", repost.DuplicateOf)
	assert.Equal(t, 6, f.index.Len(), "repeats are not indexed")
	assert.Empty(t, again.DuplicateOf, "an item never repeats itself")
}

func TestRepeatedGroupPointsAtEarlierItem(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.runner.Run(ctx, batch())
	require.NoError(t, err)

	repost := newsItem("ai-1-repost", "OpenAI launches GPT repost", models.ContentArticle)
	again := newsItem("ai-2-again", "OpenAI launches GPT model", models.ContentArticle)
	report, err := f.runner.Run(ctx, []*models.ContentItem{repost, again})
	require.NoError(t, err)

	assert.Equal(t, "ai-1", repost.DuplicateOf)
	assert.Equal(t, "ai-1", again.DuplicateOf, "in-run duplicates follow their canonical item to the earlier one")
	assert.Len(t, report.SeenBefore, 1)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 6, f.index.Len())

	groups := f.repo.groups[report.ID]
	require.Len(t, groups, 1)
	assert.Equal(t, "ai-1", groups[0].EarlierID)
	assert.Equal(t, []string{"ai-1-repost", "ai-2-again"}, groups[0].MemberIDs)
}

type unreachableEmbedder struct{}

func (unreachableEmbedder) Embed(ctx context.Context, texts []string) ([]models.Embedding, error) {
	return nil, fmt.Errorf("%w: connection refused", models.ErrEmbeddingUnavailable)
}

func TestRunEmbedsProfilesMissedAtStartup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	interests := []config.InterestConfig{{Name: "ai-labs", Topics: []string{"OpenAI model release"}, Weight: 1}}
	f.runner.profiles = BuildProfiles(ctx, unreachableEmbedder{}, interests, nil)
	require.Empty(t, f.runner.profiles[0].Vectors)

	item := newsItem("ai-1", "OpenAI launches GPT", models.ContentArticle)
	report, err := f.runner.Run(ctx, []*models.ContentItem{item})
	require.NoError(t, err)

	assert.Empty(t, report.FallbackScored)
	require.NotNil(t, item.Score)
	assert.Equal(t, models.ScoreSemantic, item.Score.Kind)
	assert.Equal(t, "ai-labs", item.Score.Profile)
	assert.InDelta(t, 1.0, item.Score.Value, 1e-6)

	require.NotEmpty(t, f.runner.profiles[0].Vectors)
	assert.Equal(t, tag, f.runner.profiles[0].ModelTag)
	assert.Equal(t, 1.0, f.runner.profiles[0].Weight)
}

type downIndex struct{ *index.Memory }

func (downIndex) Upsert(ctx context.Context, id string, e models.Embedding, m models.ItemMetadata) error {
	return fmt.Errorf("%w: connection refused", models.ErrIndexUnavailable)
}

func TestRunFailsWhenIndexUnreachable(t *testing.T) {
	f := newFixture(t, downIndex{index.NewMemory()})

	report, err := f.runner.Run(context.Background(), batch())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrIndexUnavailable)
	assert.Equal(t, models.RunFailed, report.State)
	assert.Len(t, report.PendingUpserts, 6, "failed upserts are queued, never dropped")
	assert.Equal(t, report.PendingUpserts, f.runner.PendingUpserts())

	stored, err := f.repo.LoadRun(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.State)
	assert.NotEmpty(t, stored.Error)
}

func TestPendingUpsertsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()

	first := newFixtureWithRepo(t, downIndex{index.NewMemory()}, repo)
	_, err := first.runner.Run(ctx, batch())
	require.ErrorIs(t, err, models.ErrIndexUnavailable)
	require.Equal(t, []string{"ai-1", "ai-3", "ai-4", "out-1", "out-2", "out-3"}, repo.pendingIDs())

	// the index is back and a new process picks up the queue
	second := newFixtureWithRepo(t, nil, repo)
	require.Empty(t, second.runner.PendingUpserts())

	report, err := second.runner.Run(ctx, []*models.ContentItem{
		newsItem("late-1", "Gardening tips for spring", models.ContentArticle),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, report.Indexed)
	assert.Equal(t, 7, second.index.Len())
	assert.Empty(t, report.PendingUpserts)
	assert.Empty(t, repo.pendingIDs())

	entry, err := second.index.Get(ctx, "ai-3")
	require.NoError(t, err)
	assert.Equal(t, "OpenAI pricing explained", entry.Metadata.Title)
}

func TestConcurrentRunsAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]*models.RunReport, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items := []*models.ContentItem{
				newsItem(fmt.Sprintf("r%d-a", i), "Cloud database outage", models.ContentArticle),
				newsItem(fmt.Sprintf("r%d-b", i), "Outage postmortem published", models.ContentArticle),
			}
			r, err := f.runner.Run(ctx, items)
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	wg.Wait()
	require.NotNil(t, reports[0])
	require.NotNil(t, reports[1])

	// the second run sees the first run's items as already indexed
	seen := len(reports[0].SeenBefore) + len(reports[1].SeenBefore)
	assert.Equal(t, 2, seen)
}

func TestDigest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	report, err := f.runner.Run(ctx, batch())
	require.NoError(t, err)

	digest, err := f.runner.Digest(ctx, report.ID, 10)
	require.NoError(t, err)
	require.Len(t, digest.Sections, 2)

	top := digest.Sections[0]
	ids := make([]string, len(top.Items))
	for i, it := range top.Items {
		ids[i] = it.ID
	}
	assert.Equal(t, "ai-1", ids[0], "highest score first")
	sort.Strings(ids)
	assert.Equal(t, []string{"ai-1", "ai-3", "ai-4"}, ids, "duplicates are left out")
	assert.True(t, top.Placeholder)

	require.Len(t, digest.Unclustered, 1)
	assert.Equal(t, "pod-1", digest.Unclustered[0].ID)
	assert.True(t, digest.Unclustered[0].Fallback)

	limited, err := f.runner.Digest(ctx, report.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited.Sections, 1)
	assert.Len(t, limited.Sections[0].Items, 1)

	_, err = f.runner.Digest(ctx, "missing", 10)
	assert.ErrorIs(t, err, models.ErrNotFound)

	status, err := f.runner.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.ID, status.ID)
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "a  b\n c", "a b c"},
		{"html", "<p>Hello <b>world</b></p><script>alert(1)</script>", "Hello world"},
		{"entities", "AT&amp;T earnings", "AT&T earnings"},
		{"blocks", "<p>one</p><p>two</p>", "one two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanText(tt.in))
		})
	}
}
