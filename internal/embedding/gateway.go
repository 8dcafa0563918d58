// Package embedding turns text into vectors: an OpenAI-compatible HTTP
// client, a provider cascade, a content-hash cache and the Gateway that
// batches, retries and caches calls.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// Options tune batching, concurrency and retry behaviour
type Options struct {
	BatchSize      int
	MaxConcurrency int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Gateway wraps a Provider with caching, batching and retry
type Gateway struct {
	provider Provider
	cache    *Cache
	opts     Options
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway; a nil cache gets a fresh in-memory one
func NewGateway(provider Provider, cache *Cache, opts Options) *Gateway {
	opts.setDefaults()
	if cache == nil {
		cache = NewCache()
	}
	return &Gateway{
		provider: provider,
		cache:    cache,
		opts:     opts,
		logger:   opts.Logger,
		sleep:    sleepContext,
	}
}

// ModelTag is the tag of vectors the gateway serves from cache
func (g *Gateway) ModelTag() string {
	return g.provider.ModelTag()
}

// Cache exposes the gateway's cache so runs can load and persist it
func (g *Gateway) Cache() *Cache {
	return g.cache
}

// Embed returns one embedding per text in input order. Empty texts yield a
// zero Embedding. If any text cannot be embedded the whole call fails with
// ErrEmbeddingUnavailable.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([]models.Embedding, error) {
	embs, errs := g.EmbedPartial(ctx, texts)
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return embs, nil
}

// EmbedOne embeds a single text
func (g *Gateway) EmbedOne(ctx context.Context, text string) (models.Embedding, error) {
	if strings.TrimSpace(text) == "" {
		return models.Embedding{}, fmt.Errorf("%w: empty text", models.ErrMalformedContent)
	}
	embs, err := g.Embed(ctx, []string{text})
	if err != nil {
		return models.Embedding{}, err
	}
	return embs[0], nil
}

// EmbedPartial embeds texts and reports failures per text, so one failed
// upstream batch leaves the others intact. errs[i] wraps
// ErrEmbeddingUnavailable when texts[i] could not be embedded.
func (g *Gateway) EmbedPartial(ctx context.Context, texts []string) ([]models.Embedding, []error) {
	results := make([]models.Embedding, len(texts))
	errs := make([]error, len(texts))
	tag := g.ModelTag()

	// unique cache misses, each hash owned by exactly one batch
	positions := make(map[string][]int)
	var pending []string
	var pendingHashes []string
	hits := 0

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		hash := models.HashText(text)
		if vec, ok := g.cache.Get(hash, tag); ok {
			results[i] = models.Embedding{Vector: vec, ModelTag: tag}
			hits++
			continue
		}
		if _, seen := positions[hash]; !seen {
			pending = append(pending, text)
			pendingHashes = append(pendingHashes, hash)
		}
		positions[hash] = append(positions[hash], i)
	}

	if len(pending) == 0 {
		return results, errs
	}

	var eg errgroup.Group
	eg.SetLimit(g.opts.MaxConcurrency)

	for start := 0; start < len(pending); start += g.opts.BatchSize {
		end := min(start+g.opts.BatchSize, len(pending))
		batch := pending[start:end]
		hashes := pendingHashes[start:end]

		eg.Go(func() error {
			embs, err := g.callWithRetry(ctx, batch)
			for j, hash := range hashes {
				for _, idx := range positions[hash] {
					if err != nil {
						errs[idx] = err
						continue
					}
					results[idx] = embs[j]
				}
				if err == nil && embs[j].ModelTag == tag {
					g.cache.Put(hash, tag, embs[j].Vector)
				}
			}
			return nil
		})
	}
	_ = eg.Wait()

	g.logger.Debug("embedded texts", "texts", len(texts), "cache_hits", hits, "upstream", len(pending))
	return results, errs
}

func (g *Gateway) callWithRetry(ctx context.Context, texts []string) ([]models.Embedding, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < g.opts.MaxAttempts; attempt++ {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
		start := time.Now()
		embs, err := g.provider.EmbedBatch(callCtx, texts)
		cancel()

		if err == nil && len(embs) != len(texts) {
			err = fmt.Errorf("provider returned %d embeddings for %d texts", len(embs), len(texts))
		}
		if err == nil {
			return embs, nil
		}

		lastErr = err
		g.logger.Warn("embedding call failed",
			"provider", g.provider.Name(),
			"attempt", attempt+1,
			"texts", len(texts),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)

		if ctx.Err() != nil || !Retryable(err) || attempt == g.opts.MaxAttempts-1 {
			break
		}

		delay := g.backoff(attempt)
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > delay {
			delay = min(se.RetryAfter, g.opts.MaxBackoff)
		}
		if err := g.sleep(ctx, delay); err != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %d texts after %d attempts: %w", models.ErrEmbeddingUnavailable, len(texts), attempts, lastErr)
}

// backoff is BaseBackoff doubled per attempt, capped at MaxBackoff
func (g *Gateway) backoff(attempt int) time.Duration {
	if attempt > 16 {
		return g.opts.MaxBackoff
	}
	d := g.opts.BaseBackoff << attempt
	if d <= 0 || d > g.opts.MaxBackoff {
		return g.opts.MaxBackoff
	}
	return d
}

// Retryable reports whether an upstream failure is worth repeating:
// timeouts, network errors, 408, 429 and 5xx responses.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// unknown provider errors (SDK wrappers) get the benefit of the doubt
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
