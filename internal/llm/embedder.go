package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/oscillatelabsllc/neuralfeed/internal/config"
	"github.com/oscillatelabsllc/neuralfeed/internal/embedding"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// Embedder exposes a langchaingo embedder as an embedding.Provider
type Embedder struct {
	model     embeddings.Embedder
	modelName string
	tag       string
	provider  string
	dimension int
	logger    *slog.Logger
}

// NewEmbedder creates a langchaingo-backed embedder for provider ("openai" or "ollama")
func NewEmbedder(provider string, cfg config.EmbeddingConfig, dimension int, logger *slog.Logger) (*Embedder, error) {
	var model embeddings.Embedder
	var err error

	switch provider {
	case ProviderOllama:
		client, ollamaErr := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.BaseURL),
		)
		if ollamaErr != nil {
			return nil, fmt.Errorf("create ollama client: %w", ollamaErr)
		}
		model, err = embeddings.NewEmbedder(client, embeddings.WithBatchSize(cfg.BatchSize))
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		client, openaiErr := openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithEmbeddingModel(cfg.Model),
		)
		if openaiErr != nil {
			return nil, fmt.Errorf("create openai client: %w", openaiErr)
		}
		model, err = embeddings.NewEmbedder(client, embeddings.WithBatchSize(cfg.BatchSize))
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}

	return NewEmbedderFrom(model, provider, cfg.Model, cfg.ModelTag(), dimension, logger), nil
}

// NewEmbedderFrom wraps an existing langchaingo embedder
func NewEmbedderFrom(model embeddings.Embedder, provider, modelName, tag string, dimension int, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{
		model:     model,
		modelName: modelName,
		tag:       tag,
		provider:  provider,
		dimension: dimension,
		logger:    logger,
	}
}

func (e *Embedder) Name() string {
	return e.provider + ":" + e.modelName
}

func (e *Embedder) ModelTag() string {
	return e.tag
}

// EmbedBatch generates embeddings for multiple texts
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([]models.Embedding, error) {
	if len(texts) == 0 {
		return []models.Embedding{}, nil
	}

	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}

	out := make([]models.Embedding, len(vectors))
	for i, v := range vectors {
		if e.dimension > 0 && len(v) != e.dimension {
			return nil, fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), e.dimension)
		}
		out[i] = models.Embedding{Vector: v, ModelTag: e.tag}
	}

	e.logger.Debug("embedding complete", "provider", e.Name(), "texts", len(texts), "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// NewProvider builds the configured embedding cascade. "http" selects the
// OpenAI-compatible client; "openai" and "ollama" go through langchaingo.
func NewProvider(cfg *config.Config, logger *slog.Logger) (embedding.Provider, error) {
	var providers []embedding.Provider
	for _, name := range cfg.Embedding.Providers {
		switch name {
		case "http":
			providers = append(providers, embedding.NewClient(
				cfg.Embedding.BaseURL,
				cfg.Embedding.Model,
				embedding.WithAPIKey(cfg.Embedding.APIKey),
				embedding.WithModelTag(cfg.Embedding.ModelTag()),
			))
		case ProviderOpenAI, ProviderOllama:
			e, err := NewEmbedder(name, cfg.Embedding, cfg.Storage.Dimension, logger)
			if err != nil {
				return nil, err
			}
			providers = append(providers, e)
		default:
			return nil, fmt.Errorf("unsupported embedding provider: %s", name)
		}
	}

	if len(providers) == 1 {
		return providers[0], nil
	}
	return embedding.NewCascade(logger, providers...), nil
}
