package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/neuralfeed/internal/index"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

type stubPipeline struct{ latest *models.RunReport }

func (p stubPipeline) Digest(ctx context.Context, runID string, topN int) (*models.Digest, error) {
	if p.latest == nil || runID != p.latest.ID {
		return nil, fmt.Errorf("%w: run %s", models.ErrNotFound, runID)
	}
	return &models.Digest{RunID: runID, Sections: []models.DigestSection{}}, nil
}

func (p stubPipeline) Status(ctx context.Context) (*models.RunReport, error) {
	if p.latest == nil {
		return nil, fmt.Errorf("%w: no runs yet", models.ErrNotFound)
	}
	return p.latest, nil
}

func (p stubPipeline) PendingUpserts() []string { return nil }

type stubAsker struct{ err error }

func (a stubAsker) Ask(ctx context.Context, conversationID, question string) (*models.Answer, error) {
	if a.err != nil {
		return &models.Answer{ConversationID: "c", Text: "Answer generation is temporarily unavailable.", State: models.StateFailed}, a.err
	}
	return &models.Answer{ConversationID: "c", Question: question, Text: "It launched [1]", State: models.StateAnswered}, nil
}

type stubStore struct{ items map[string]*models.ContentItem }

func (s stubStore) LoadItem(ctx context.Context, id string) (*models.ContentItem, error) {
	if it, ok := s.items[id]; ok {
		return it, nil
	}
	return nil, fmt.Errorf("%w: item %s", models.ErrNotFound, id)
}

func (s stubStore) DeleteItem(ctx context.Context, id string) error {
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	delete(s.items, id)
	return nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedOne(ctx context.Context, text string) (models.Embedding, error) {
	return models.Embedding{Vector: []float32{1, 0}, ModelTag: "m@1"}, nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Pipeline == nil {
		deps.Pipeline = stubPipeline{latest: &models.RunReport{ID: "run-1", State: models.RunCompleted}}
	}
	if deps.RAG == nil {
		deps.RAG = stubAsker{}
	}
	if deps.Store == nil {
		deps.Store = stubStore{items: map[string]*models.ContentItem{"a": {ID: "a", Title: "OpenAI launches GPT"}}}
	}
	if deps.Embedder == nil {
		deps.Embedder = stubEmbedder{}
	}
	if deps.Index == nil {
		deps.Index = index.NewMemory()
	}
	return NewServer(deps, "test", nil)
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestToolsRegistered(t *testing.T) {
	s := newTestServer(t, Deps{})
	tools := s.GetMCPServer().ListTools()
	for _, name := range []string{"ask", "search", "get_item", "delete_item", "digest", "get_status"} {
		assert.Contains(t, tools, name)
	}
}

func TestAskTool(t *testing.T) {
	ctx := context.Background()

	s := newTestServer(t, Deps{})
	res, err := s.handleAsk(ctx, call(map[string]interface{}{"question": "What did OpenAI launch?"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var answer models.Answer
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &answer))
	assert.Equal(t, models.StateAnswered, answer.State)

	s = newTestServer(t, Deps{RAG: stubAsker{err: fmt.Errorf("%w: timeout", models.ErrGenerationUnavailable)}})
	res, err = s.handleAsk(ctx, call(map[string]interface{}{"question": "What did OpenAI launch?"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "temporarily unavailable")
}

func TestSearchTool(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()
	day := time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)
	require.NoError(t, idx.Upsert(ctx, "a", models.Embedding{Vector: []float32{1, 0}, ModelTag: "m@1"},
		models.ItemMetadata{Title: "a", Type: models.ContentArticle, PublishedAt: day}))
	require.NoError(t, idx.Upsert(ctx, "b", models.Embedding{Vector: []float32{0, 1}, ModelTag: "m@1"},
		models.ItemMetadata{Title: "b", Type: models.ContentVideo, PublishedAt: day}))

	s := newTestServer(t, Deps{Index: idx})

	res, err := s.handleSearch(ctx, call(map[string]interface{}{"query": "gpt", "types": []string{"video"}}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var hits []models.SearchHit
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ItemID)

	res, err = s.handleSearch(ctx, call(map[string]interface{}{"query": "gpt", "after": "last week"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestItemTools(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, Deps{})

	res, err := s.handleGetItem(ctx, call(map[string]interface{}{"id": "a"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "OpenAI launches GPT")

	res, err = s.handleDeleteItem(ctx, call(map[string]interface{}{"id": "a"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = s.handleGetItem(ctx, call(map[string]interface{}{"id": "a"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestDigestAndStatusTools(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, Deps{})

	res, err := s.handleDigest(ctx, call(map[string]interface{}{}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "run-1", "defaults to the latest run")

	res, err = s.handleDigest(ctx, call(map[string]interface{}{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleGetStatus(ctx, call(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "latest_run")

	empty := newTestServer(t, Deps{Pipeline: stubPipeline{}})
	res, err = empty.handleDigest(ctx, call(map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
