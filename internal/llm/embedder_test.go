package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/neuralfeed/internal/config"
	"github.com/oscillatelabsllc/neuralfeed/internal/embedding"
)

type stubEmbedder struct {
	vectors [][]float32
	err     error
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return s.vectors, s.err
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors[0], nil
}

func TestEmbedderTagsVectors(t *testing.T) {
	e := NewEmbedderFrom(&stubEmbedder{vectors: [][]float32{{1, 0}, {0, 1}}}, "openai", "small", "small@3", 2, nil)

	embs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, embs, 2)
	assert.Equal(t, "small@3", embs[1].ModelTag)
	assert.Equal(t, "openai:small", e.Name())
}

func TestEmbedderValidation(t *testing.T) {
	t.Run("dimension mismatch", func(t *testing.T) {
		e := NewEmbedderFrom(&stubEmbedder{vectors: [][]float32{{1, 0, 0}}}, "ollama", "m", "m", 2, nil)
		_, err := e.EmbedBatch(context.Background(), []string{"a"})
		assert.ErrorContains(t, err, "dimension mismatch")
	})

	t.Run("count mismatch", func(t *testing.T) {
		e := NewEmbedderFrom(&stubEmbedder{vectors: [][]float32{{1, 0}}}, "ollama", "m", "m", 2, nil)
		_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
		assert.ErrorContains(t, err, "count mismatch")
	})

	t.Run("upstream error", func(t *testing.T) {
		e := NewEmbedderFrom(&stubEmbedder{err: errors.New("down")}, "ollama", "m", "m", 2, nil)
		_, err := e.EmbedBatch(context.Background(), []string{"a"})
		assert.Error(t, err)
	})
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()

	t.Run("single http provider", func(t *testing.T) {
		p, err := NewProvider(cfg, nil)
		require.NoError(t, err)
		_, ok := p.(*embedding.Client)
		assert.True(t, ok, "expected http client, got %T", p)
		assert.Equal(t, cfg.Embedding.ModelTag(), p.ModelTag())
	})

	t.Run("cascade", func(t *testing.T) {
		c := *cfg
		c.Embedding.Providers = []string{"http", "ollama"}
		p, err := NewProvider(&c, nil)
		require.NoError(t, err)
		_, ok := p.(*embedding.Cascade)
		assert.True(t, ok, "expected cascade, got %T", p)
	})

	t.Run("unknown provider", func(t *testing.T) {
		c := *cfg
		c.Embedding.Providers = []string{"bogus"}
		_, err := NewProvider(&c, nil)
		assert.Error(t, err)
	})
}
