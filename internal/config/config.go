// Package config loads pipeline settings from YAML, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageConfig points at the DuckDB file backing the index and repository
type StorageConfig struct {
	Path      string `yaml:"path"`
	Dimension int    `yaml:"dimension"`
}

// EmbeddingConfig configures the embedding gateway and its providers
type EmbeddingConfig struct {
	// Providers is the cascade order, e.g. ["openai", "ollama"]
	Providers      []string      `yaml:"providers"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Version        string        `yaml:"version"`
	APIKey         string        `yaml:"-"`
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// ModelTag identifies vectors produced under this configuration
func (c EmbeddingConfig) ModelTag() string {
	if c.Version == "" {
		return c.Model
	}
	return c.Model + "@" + c.Version
}

// LLMConfig configures the text-generation capability
type LLMConfig struct {
	Provider        string        `yaml:"provider"`
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url"`
	OpenAIAPIKey    string        `yaml:"-"`
	AnthropicAPIKey string        `yaml:"-"`
	MaxTokens       int           `yaml:"max_tokens"`
	MaxAttempts     int           `yaml:"max_attempts"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// InterestConfig is one named interest profile
type InterestConfig struct {
	Name   string   `yaml:"name"`
	Topics []string `yaml:"topics"`
	Weight float64  `yaml:"weight"`
}

// ScoringConfig tunes semantic and fallback scoring
type ScoringConfig struct {
	RelevanceThreshold float64          `yaml:"relevance_threshold"`
	FallbackConfidence float64          `yaml:"fallback_confidence"`
	FallbackCeiling    float64          `yaml:"fallback_ceiling"`
	Interests          []InterestConfig `yaml:"interests"`
}

// DedupConfig tunes duplicate detection
type DedupConfig struct {
	Threshold        float64  `yaml:"threshold"`
	HistoryThreshold float64  `yaml:"history_threshold"`
	SourcePriority   []string `yaml:"source_priority"`
}

// ClusterConfig tunes topic clustering
type ClusterConfig struct {
	Mode              string  `yaml:"mode"` // centroid or density
	Threshold         float64 `yaml:"threshold"`
	MinPoints         int     `yaml:"min_points"`
	NamingConcurrency int     `yaml:"naming_concurrency"`
}

// RAGConfig tunes question answering
type RAGConfig struct {
	TopK          int           `yaml:"top_k"`
	CitationLimit int           `yaml:"citation_limit"`
	HistoryWindow int           `yaml:"history_window"`
	MaxHistory    int           `yaml:"max_history"`
	IndexTimeout  time.Duration `yaml:"index_timeout"`
}

// PipelineConfig tunes ingestion runs
type PipelineConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	UpsertAttempts int `yaml:"upsert_attempts"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig configures logging outputs
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config holds all configuration values
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	RAG       RAGConfig       `yaml:"rag"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// DefaultInterests mirror the topics the digest has always been tuned for
var DefaultInterests = []InterestConfig{
	{Name: "generative-ai", Topics: []string{
		"generative AI and large language models",
		"AI agents and autonomous systems",
		"AI coding assistants and developer tools",
	}},
	{Name: "ai-labs", Topics: []string{
		"OpenAI, Anthropic, Google Gemini and Mistral model releases",
		"AI research breakthroughs",
	}},
	{Name: "ai-business", Topics: []string{
		"enterprise AI adoption",
		"AI startups and funding rounds",
		"AI in marketing and advertising",
		"AI in banking and financial services",
	}},
}

// Default returns the configuration used when no file or environment overrides exist
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: "neuralfeed.duckdb", Dimension: 768},
		Embedding: EmbeddingConfig{
			Providers:      []string{"http"},
			BaseURL:        "http://localhost:11434",
			Model:          "nomic-embed-text",
			Version:        "v1",
			BatchSize:      64,
			MaxConcurrency: 3,
			MaxAttempts:    3,
			BaseBackoff:    time.Second,
			MaxBackoff:     10 * time.Second,
			CallTimeout:    30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			Model:       "llama3.2",
			BaseURL:     "http://localhost:11434",
			MaxTokens:   1000,
			MaxAttempts: 2,
			CallTimeout: 60 * time.Second,
		},
		Scoring: ScoringConfig{
			RelevanceThreshold: 0.3,
			FallbackConfidence: 0.5,
			FallbackCeiling:    0.5,
			Interests:          DefaultInterests,
		},
		Dedup: DedupConfig{
			Threshold:        0.92,
			HistoryThreshold: 0.95,
		},
		Cluster: ClusterConfig{
			Mode:              "centroid",
			Threshold:         0.75,
			MinPoints:         2,
			NamingConcurrency: 4,
		},
		RAG: RAGConfig{
			TopK:          8,
			CitationLimit: 5,
			HistoryWindow: 10,
			MaxHistory:    50,
			IndexTimeout:  10 * time.Second,
		},
		Pipeline: PipelineConfig{MaxConcurrency: 3, UpsertAttempts: 3},
		Server:   ServerConfig{Port: "8080", RequestTimeout: 60 * time.Second},
		Log:      LogConfig{Level: "INFO"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then .env, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Storage.Path = getEnv("DUCKDB_PATH", cfg.Storage.Path)
	cfg.Storage.Dimension = getEnvInt("EMBEDDING_DIMENSION", cfg.Storage.Dimension)

	cfg.Embedding.BaseURL = getEnv("OLLAMA_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Model = getEnv("EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Version = getEnv("EMBEDDING_VERSION", cfg.Embedding.Version)
	if providers := os.Getenv("EMBEDDING_PROVIDERS"); providers != "" {
		cfg.Embedding.Providers = splitList(providers)
	}

	cfg.LLM.Provider = getEnv("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = getEnv("LLM_URL", cfg.LLM.BaseURL)
	cfg.LLM.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.LLM.AnthropicAPIKey)
	cfg.Embedding.APIKey = getEnv("EMBEDDING_API_KEY", cfg.LLM.OpenAIAPIKey)

	cfg.Server.Port = getEnv("HTTP_PORT", cfg.Server.Port)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	thresholds := map[string]float64{
		"scoring.relevance_threshold": c.Scoring.RelevanceThreshold,
		"scoring.fallback_confidence": c.Scoring.FallbackConfidence,
		"scoring.fallback_ceiling":    c.Scoring.FallbackCeiling,
		"dedup.threshold":             c.Dedup.Threshold,
		"dedup.history_threshold":     c.Dedup.HistoryThreshold,
		"cluster.threshold":           c.Cluster.Threshold,
	}
	for name, v := range thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}

	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("embedding.max_attempts must be positive")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if len(c.Embedding.Providers) == 0 {
		return fmt.Errorf("embedding.providers must name at least one provider")
	}
	if c.Storage.Dimension <= 0 {
		return fmt.Errorf("storage.dimension must be positive")
	}
	switch c.Cluster.Mode {
	case "centroid", "density":
	default:
		return fmt.Errorf("cluster.mode must be centroid or density, got %q", c.Cluster.Mode)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("rag.top_k must be positive")
	}
	return nil
}

// LogLevel parses Log.Level into a slog level
func (c *Config) LogLevel() slog.Level {
	return parseLogLevel(c.Log.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
