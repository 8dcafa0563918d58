// Package llm adapts langchaingo providers to the pipeline's text-generation
// and embedding capabilities.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/oscillatelabsllc/neuralfeed/internal/config"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ErrFatalAPI marks provider errors that retrying cannot fix (auth, billing)
var ErrFatalAPI = errors.New("fatal API error")

// Role of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation turn
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Model wraps a langchaingo model with per-call timeouts and retry
type Model struct {
	llm         llms.Model
	modelName   string
	maxTokens   int
	maxAttempts int
	callTimeout time.Duration
	backoff     time.Duration
	logger      *slog.Logger
}

// NewModel creates a generation model based on configuration
func NewModel(cfg config.LLMConfig, logger *slog.Logger) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.BaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return NewModelFromLLM(model, cfg.Model, cfg.MaxTokens, cfg.MaxAttempts, cfg.CallTimeout, logger), nil
}

// NewModelFromLLM wraps an already constructed langchaingo model
func NewModelFromLLM(model llms.Model, name string, maxTokens, maxAttempts int, callTimeout time.Duration, logger *slog.Logger) *Model {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		llm:         model,
		modelName:   name,
		maxTokens:   maxTokens,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		backoff:     500 * time.Millisecond,
		logger:      logger,
	}
}

// Model returns the LLM model name
func (m *Model) Model() string {
	return m.modelName
}

// Generate runs one system + user prompt
func (m *Model) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.GenerateWithHistory(ctx, systemPrompt, nil, userPrompt)
}

// GenerateWithHistory runs a prompt preceded by prior conversation turns.
// Failures after the retry budget wrap models.ErrGenerationUnavailable.
func (m *Model) GenerateWithHistory(ctx context.Context, systemPrompt string, history []Message, userPrompt string) (string, error) {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	for _, msg := range history {
		role := llms.ChatMessageTypeHuman
		if msg.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, msg.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, userPrompt))

	var opts []llms.CallOption
	if m.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.maxTokens))
	}

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		start := time.Now()
		response, err := m.llm.GenerateContent(callCtx, messages, opts...)
		cancel()

		if err == nil {
			if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Content) == "" {
				err = fmt.Errorf("no response choices")
			} else {
				return strings.TrimSpace(response.Choices[0].Content), nil
			}
		}

		lastErr = wrapFatalError(err)
		m.logger.Warn("generation failed",
			"model", m.modelName,
			"attempt", attempt+1,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)

		if ctx.Err() != nil || errors.Is(lastErr, ErrFatalAPI) || attempt == m.maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(m.backoff << attempt):
		}
	}

	if ctx.Err() != nil {
		return "", fmt.Errorf("generate: %w", ctx.Err())
	}
	return "", fmt.Errorf("%w: %w", models.ErrGenerationUnavailable, lastErr)
}

// isFatalAPIError detects auth and billing failures from provider error text
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"credit balance", "quota exceeded", "billing", "invalid api key",
		"authentication", "unauthorized", "401", "403",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func wrapFatalError(err error) error {
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %w", ErrFatalAPI, err)
	}
	return err
}
