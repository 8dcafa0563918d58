package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// Client talks to an OpenAI-compatible /v1/embeddings endpoint (Ollama, OpenAI, vLLM)
type Client struct {
	baseURL string
	model   string
	tag     string
	apiKey  string
	client  *http.Client
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithAPIKey sends a bearer token with every request
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithModelTag overrides the model/version tag stamped on returned vectors
func WithModelTag(tag string) ClientOption {
	return func(c *Client) { c.tag = tag }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a new embedding client
func NewClient(baseURL, model string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		model:   model,
		tag:     model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// embedRequest matches OpenAI-compatible API format
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse matches OpenAI-compatible API format
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// StatusError is returned for non-200 responses
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding API returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the request may succeed if repeated
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// ModelTag identifies the vectors this client produces
func (c *Client) ModelTag() string {
	return c.tag
}

// Name identifies the provider in logs
func (c *Client) Name() string {
	return "http:" + c.model
}

// Generate creates an embedding for a single text
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	embs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embs[0].Vector, nil
}

// EmbedBatch embeds all texts in one request, preserving input order
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]models.Embedding, error) {
	jsonData, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(embedResp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embedResp.Data))
	}

	out := make([]models.Embedding, len(texts))
	for i, d := range embedResp.Data {
		idx := d.Index
		// some servers omit index; fall back to response order
		if idx < 0 || idx >= len(out) || (idx == 0 && i != 0) {
			idx = i
		}
		out[idx] = models.Embedding{Vector: d.Embedding, ModelTag: c.tag}
	}

	return out, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
