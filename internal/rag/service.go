// Package rag answers questions over the retrieval index with cited,
// time-scoped retrieval-augmented generation.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oscillatelabsllc/neuralfeed/internal/llm"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// Embedder turns the question into a vector
type Embedder interface {
	EmbedOne(ctx context.Context, text string) (models.Embedding, error)
}

// Searcher is the retrieval index read path
type Searcher interface {
	Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error)
}

// Generator composes the answer
type Generator interface {
	GenerateWithHistory(ctx context.Context, systemPrompt string, history []llm.Message, userPrompt string) (string, error)
}

// Options tune answering
type Options struct {
	// TopK is the retrieval depth
	TopK int
	// CitationLimit caps how many retrieved items reach the generator; all of them are cited
	CitationLimit int
	// HistoryWindow is how many prior messages go into the generation context
	HistoryWindow int
	// MaxHistory is how many messages a conversation keeps
	MaxHistory   int
	IndexTimeout time.Duration
	// OnTransition observes every state change
	OnTransition func(conversationID string, state models.AnswerState)
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service answers questions. It only reads the index; the one thing it
// writes is conversation history after a question is answered.
type Service struct {
	embedder      Embedder
	searcher      Searcher
	gen           Generator
	opts          Options
	conversations *Conversations
	logger        *slog.Logger
}

// NewService creates a RAG service
func NewService(embedder Embedder, searcher Searcher, gen Generator, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 8
	}
	if opts.CitationLimit <= 0 || opts.CitationLimit > opts.TopK {
		opts.CitationLimit = opts.TopK
	}
	if opts.HistoryWindow < 0 {
		opts.HistoryWindow = 0
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		embedder:      embedder,
		searcher:      searcher,
		gen:           gen,
		opts:          opts,
		conversations: NewConversations(opts.MaxHistory),
		logger:        opts.Logger,
	}
}

// Conversations exposes the history store
func (s *Service) Conversations() *Conversations {
	return s.conversations
}

// Ask runs one question through Received, Retrieving and Composing. The
// returned answer is always non-nil and carries the terminal state; err is
// set exactly when that state is Failed.
func (s *Service) Ask(ctx context.Context, conversationID, question string) (*models.Answer, error) {
	question = strings.TrimSpace(question)
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	now := s.opts.Now()
	answer := &models.Answer{
		ConversationID: conversationID,
		Question:       question,
		Citations:      []models.Citation{},
		CreatedAt:      now,
	}
	s.transition(answer, models.StateReceived)

	if question == "" {
		return s.fail(answer, fmt.Errorf("%w: empty question", models.ErrMalformedContent))
	}

	scope := ParseTimeScope(question, now)
	types := ParseContentTypes(question)
	answer.Scope = scope.Label

	emb, err := s.embedder.EmbedOne(ctx, question)
	if err != nil {
		return s.fail(answer, err)
	}

	s.transition(answer, models.StateRetrieving)
	filter := models.Filter{
		After:        scope.After,
		Before:       scope.Before,
		ContentTypes: types,
		ModelTag:     emb.ModelTag,
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.opts.IndexTimeout)
	hits, err := s.searcher.Query(queryCtx, emb.Vector, s.opts.TopK, filter)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, models.ErrMalformedContent):
			// the question was fine, the index and embedder disagree
			err = fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
		case ctx.Err() == nil && !errors.Is(err, models.ErrIndexUnavailable):
			err = fmt.Errorf("%w: %w", models.ErrIndexUnavailable, err)
		}
		return s.fail(answer, err)
	}

	if len(hits) == 0 {
		answer.Empty = true
		answer.Text = emptyAnswer(scope, types)
		s.transition(answer, models.StateAnswered)
		s.conversations.Append(conversationID, question, answer.Text, now)
		s.logger.Info("question answered without matches", "conversation_id", conversationID, "scope", scope.Label)
		return answer, nil
	}

	if len(hits) > s.opts.CitationLimit {
		hits = hits[:s.opts.CitationLimit]
	}

	s.transition(answer, models.StateComposing)
	history := s.conversations.Window(conversationID, s.opts.HistoryWindow)
	text, err := s.gen.GenerateWithHistory(ctx, systemPrompt, history, buildUserPrompt(question, scope, hits))
	if err != nil {
		return s.fail(answer, err)
	}

	answer.Text = text
	answer.Citations = citationsFor(hits)
	s.transition(answer, models.StateAnswered)
	s.conversations.Append(conversationID, question, text, now)

	s.logger.Info("question answered",
		"conversation_id", conversationID,
		"scope", scope.Label,
		"citations", len(answer.Citations),
	)
	return answer, nil
}

func (s *Service) fail(answer *models.Answer, err error) (*models.Answer, error) {
	switch {
	case errors.Is(err, models.ErrMalformedContent):
		answer.Text = "Please ask a question."
	case errors.Is(err, models.ErrIndexUnavailable):
		answer.Text = "Could not search the content index right now. Please try again."
	case errors.Is(err, context.Canceled):
		// caller went away
		answer.Text = ""
	default:
		answer.Text = unavailableText
	}
	answer.Citations = []models.Citation{}
	s.transition(answer, models.StateFailed)

	s.logger.Warn("question failed",
		"conversation_id", answer.ConversationID,
		"error", err,
	)
	return answer, err
}

func (s *Service) transition(answer *models.Answer, state models.AnswerState) {
	answer.State = state
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(answer.ConversationID, state)
	}
}
