// Package scoring rates content items against interest profiles.
package scoring

import (
	"context"
	"fmt"
	"sort"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/vecmath"
)

// Embedder is the slice of the embedding gateway the scorer needs
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]models.Embedding, error)
}

// Options tune fallback discounting and relevance
type Options struct {
	// FallbackConfidence scales keyword scores so they stay below semantic ones
	FallbackConfidence float64
	// FallbackCeiling caps any keyword score after discounting
	FallbackCeiling    float64
	RelevanceThreshold float64
}

// Scorer computes relevance in [0, 1]
type Scorer struct {
	opts Options
}

// NewScorer creates a scorer
func NewScorer(opts Options) *Scorer {
	if opts.FallbackConfidence <= 0 {
		opts.FallbackConfidence = 0.5
	}
	if opts.FallbackCeiling <= 0 {
		opts.FallbackCeiling = 0.5
	}
	return &Scorer{opts: opts}
}

// Score is the best-match cosine between emb and any profile vector of the
// same model tag. Profiles are compared by maximum, never averaged.
func (s *Scorer) Score(emb models.Embedding, profiles []models.InterestProfile) (models.Score, error) {
	if emb.IsZero() {
		return models.Score{}, fmt.Errorf("%w: item has no embedding", models.ErrEmbeddingUnavailable)
	}

	best := models.Score{Kind: models.ScoreSemantic}
	compared := false
	for _, p := range profiles {
		if p.ModelTag != emb.ModelTag {
			continue
		}
		for _, v := range p.Vectors {
			if len(v) != len(emb.Vector) {
				continue
			}
			compared = true
			sim := p.Scale(vecmath.Cosine(emb.Vector, v))
			if sim > best.Raw || best.Profile == "" {
				best.Raw = sim
				best.Profile = p.Name
			}
		}
	}

	if !compared {
		return models.Score{}, fmt.Errorf("%w: no interest profile for model %s", models.ErrEmbeddingUnavailable, emb.ModelTag)
	}
	best.Value = vecmath.Clamp01(best.Raw)
	return best, nil
}

// KeywordScore is the fallback used when an item could not be embedded.
// The overlap score is discounted and capped and tagged as keyword.
func (s *Scorer) KeywordScore(item *models.ContentItem, profiles []models.InterestProfile) models.Score {
	tokens := Tokenize(item.Text())

	best := models.Score{Kind: models.ScoreKeyword}
	for _, p := range profiles {
		for _, topic := range p.Topics {
			sim := p.Scale(Ochiai(tokens, Tokenize(topic)))
			if sim > best.Raw {
				best.Raw = sim
				best.Profile = p.Name
			}
		}
	}

	best.Value = vecmath.Clamp01(best.Raw * s.opts.FallbackConfidence)
	if best.Value > s.opts.FallbackCeiling {
		best.Value = s.opts.FallbackCeiling
	}
	return best
}

// ScoreItem scores semantically when possible and falls back to keywords otherwise
func (s *Scorer) ScoreItem(item *models.ContentItem, profiles []models.InterestProfile) models.Score {
	if item.Embedding != nil {
		if score, err := s.Score(*item.Embedding, profiles); err == nil {
			return score
		}
	}
	return s.KeywordScore(item, profiles)
}

// Relevant reports whether a score clears the relevance threshold
func (s *Scorer) Relevant(score models.Score) bool {
	return score.Value >= s.opts.RelevanceThreshold
}

// ToInt maps a score onto the 0-10 digest scale
func ToInt(score models.Score) int {
	return int(score.Value*10 + 0.5)
}

// Rank sorts items by score descending. Semantic scores win ties against
// keyword scores; then newer items first, then ID.
func Rank(items []*models.ContentItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ScoreValue() != b.ScoreValue() {
			return a.ScoreValue() > b.ScoreValue()
		}
		af, bf := a.Score != nil && a.Score.Fallback(), b.Score != nil && b.Score.Fallback()
		if af != bf {
			return !af
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.ID < b.ID
	})
}

// BuildProfile embeds topic texts into an interest profile
func BuildProfile(ctx context.Context, embedder Embedder, name string, topics []string) (models.InterestProfile, error) {
	embs, err := embedder.Embed(ctx, topics)
	if err != nil {
		return models.InterestProfile{}, fmt.Errorf("failed to embed profile %s: %w", name, err)
	}

	profile := models.InterestProfile{Name: name, Topics: topics}
	for _, e := range embs {
		if e.IsZero() {
			continue
		}
		profile.Vectors = append(profile.Vectors, e.Vector)
		profile.ModelTag = e.ModelTag
	}
	return profile, nil
}
