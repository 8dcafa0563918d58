package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// Provider is an upstream embedding capability
type Provider interface {
	// EmbedBatch returns one embedding per text, in input order
	EmbedBatch(ctx context.Context, texts []string) ([]models.Embedding, error)
	// ModelTag identifies the model/version of the vectors produced
	ModelTag() string
	Name() string
}

// Cascade tries providers in order until one succeeds
type Cascade struct {
	providers []Provider
	logger    *slog.Logger
}

// NewCascade builds a cascade; the first provider defines the model tag
func NewCascade(logger *slog.Logger, providers ...Provider) *Cascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{providers: providers, logger: logger}
}

// ModelTag returns the primary provider's tag
func (c *Cascade) ModelTag() string {
	if len(c.providers) == 0 {
		return ""
	}
	return c.providers[0].ModelTag()
}

func (c *Cascade) Name() string {
	return "cascade"
}

// EmbedBatch returns the first successful provider's vectors. Each vector is
// stamped with the tag of the provider that produced it.
func (c *Cascade) EmbedBatch(ctx context.Context, texts []string) ([]models.Embedding, error) {
	if len(c.providers) == 0 {
		return nil, errors.New("no embedding providers configured")
	}

	var errs []error
	for _, p := range c.providers {
		embs, err := p.EmbedBatch(ctx, texts)
		if err == nil {
			return embs, nil
		}
		c.logger.Warn("embedding provider failed", "provider", p.Name(), "texts", len(texts), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
