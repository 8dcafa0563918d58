package pipeline

import (
	"context"
	"log/slog"

	"github.com/oscillatelabsllc/neuralfeed/internal/config"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/scoring"
)

// BuildProfiles embeds the configured interests. A profile whose topics
// cannot be embedded keeps its topic text, so keyword scoring still works.
func BuildProfiles(ctx context.Context, embedder scoring.Embedder, interests []config.InterestConfig, logger *slog.Logger) []models.InterestProfile {
	if logger == nil {
		logger = slog.Default()
	}

	profiles := make([]models.InterestProfile, 0, len(interests))
	for _, in := range interests {
		p, err := scoring.BuildProfile(ctx, embedder, in.Name, in.Topics)
		if err != nil {
			logger.Warn("interest profile not embedded, keyword scoring only", "profile", in.Name, "error", err)
			p = models.InterestProfile{Name: in.Name, Topics: in.Topics}
		}
		p.Weight = in.Weight
		profiles = append(profiles, p)
	}
	return profiles
}

// refreshProfiles re-embeds profiles that have no vectors yet or were
// embedded by another model. Callers hold the run lock.
func (r *Runner) refreshProfiles(ctx context.Context, logger *slog.Logger) {
	tag := r.gateway.ModelTag()
	for i, p := range r.profiles {
		if (len(p.Vectors) > 0 && p.ModelTag == tag) || len(p.Topics) == 0 {
			continue
		}
		fresh, err := scoring.BuildProfile(ctx, r.gateway, p.Name, p.Topics)
		if err != nil || len(fresh.Vectors) == 0 {
			logger.Warn("interest profile still not embedded", "profile", p.Name, "error", err)
			continue
		}
		fresh.Weight = p.Weight
		r.profiles[i] = fresh
		logger.Info("interest profile embedded", "profile", p.Name, "model", fresh.ModelTag)
	}
}
