package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

type pendingUpsert struct {
	id       string
	emb      models.Embedding
	meta     models.ItemMetadata
	attempts int
	lastErr  error
}

// PendingUpsert is a queued write in the form a PendingStore keeps it
type PendingUpsert struct {
	ItemID    string
	Embedding models.Embedding
	Metadata  models.ItemMetadata
	Attempts  int
	LastError string
}

// PendingStore keeps the retry queue across processes. Save replaces
// whatever was stored before.
type PendingStore interface {
	LoadPendingUpserts(ctx context.Context) ([]PendingUpsert, error)
	SavePendingUpserts(ctx context.Context, pending []PendingUpsert) error
}

// RetryQueue holds upserts that failed so they can be retried later instead
// of being dropped. A newer upsert for the same item replaces the queued one.
type RetryQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingUpsert
	logger  *slog.Logger
}

// NewRetryQueue creates an empty queue
func NewRetryQueue(logger *slog.Logger) *RetryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryQueue{pending: make(map[string]*pendingUpsert), logger: logger}
}

// Upsert writes through to idx and queues the entry when the write fails
// with anything other than malformed input.
func (q *RetryQueue) Upsert(ctx context.Context, idx Index, id string, emb models.Embedding, meta models.ItemMetadata) error {
	err := idx.Upsert(ctx, id, emb, meta)
	if err == nil {
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
		return nil
	}
	if errors.Is(err, models.ErrMalformedContent) {
		return err
	}

	q.mu.Lock()
	p, ok := q.pending[id]
	if !ok {
		p = &pendingUpsert{id: id}
		q.pending[id] = p
	}
	p.emb, p.meta = emb, meta
	p.attempts++
	p.lastErr = err
	q.mu.Unlock()

	q.logger.Warn("index upsert failed, queued for retry", "item_id", id, "error", err)
	return err
}

// Flush retries every queued upsert once, in item ID order. It returns the
// number still pending and the joined errors of this pass.
func (q *RetryQueue) Flush(ctx context.Context, idx Index) (int, error) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		q.mu.Lock()
		p, ok := q.pending[id]
		var entry pendingUpsert
		if ok {
			entry = *p
		}
		q.mu.Unlock()
		if !ok {
			continue
		}

		err := idx.Upsert(ctx, entry.id, entry.emb, entry.meta)

		q.mu.Lock()
		cur, still := q.pending[id]
		switch {
		case err == nil && still && cur.attempts == entry.attempts:
			// unchanged since the snapshot
			delete(q.pending, id)
		case errors.Is(err, models.ErrMalformedContent) && still && cur.attempts == entry.attempts:
			// can never succeed, e.g. stored before a dimension change
			delete(q.pending, id)
			q.logger.Warn("dropping unindexable queued upsert", "item_id", id, "error", err)
		case err != nil && still:
			cur.attempts++
			cur.lastErr = err
		}
		q.mu.Unlock()

		if err != nil {
			errs = append(errs, err)
		}
	}

	remaining := q.Len()
	if remaining > 0 {
		q.logger.Warn("index retry queue not drained", "pending", remaining)
	}
	return remaining, errors.Join(errs...)
}

// Pending returns the queued item IDs in order
func (q *RetryQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load queues the stored upserts. Entries already queued in memory are newer
// and win.
func (q *RetryQueue) Load(ctx context.Context, store PendingStore) error {
	stored, err := store.LoadPendingUpserts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending upserts: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	loaded := 0
	for _, p := range stored {
		if _, ok := q.pending[p.ItemID]; ok || p.ItemID == "" {
			continue
		}
		entry := &pendingUpsert{id: p.ItemID, emb: p.Embedding, meta: p.Metadata, attempts: p.Attempts}
		if p.LastError != "" {
			entry.lastErr = errors.New(p.LastError)
		}
		q.pending[p.ItemID] = entry
		loaded++
	}
	if loaded > 0 {
		q.logger.Info("loaded pending index upserts", "count", loaded)
	}
	return nil
}

// Persist writes the current queue to store, replacing the stored one
func (q *RetryQueue) Persist(ctx context.Context, store PendingStore) error {
	q.mu.Lock()
	out := make([]PendingUpsert, 0, len(q.pending))
	for _, p := range q.pending {
		entry := PendingUpsert{ItemID: p.id, Embedding: p.emb, Metadata: p.meta, Attempts: p.attempts}
		if p.lastErr != nil {
			entry.LastError = p.lastErr.Error()
		}
		out = append(out, entry)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	if err := store.SavePendingUpserts(ctx, out); err != nil {
		return fmt.Errorf("failed to save pending upserts: %w", err)
	}
	return nil
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
