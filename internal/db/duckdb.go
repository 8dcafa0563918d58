package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/oscillatelabsllc/neuralfeed/internal/index"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

const defaultDimension = 768

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store wraps DuckDB operations. It is the persistent retrieval index and the
// repository for items, clusters, duplicate groups, runs and cached embeddings.
type Store struct {
	db        *sql.DB
	dimension int
	logger    *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithDimension sets the fixed vector width of the index column
func WithDimension(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.dimension = n
		}
	}
}

// WithLogger sets the store logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore opens (or creates) the database at dbPath
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, dimension: defaultDimension, logger: slog.Default()}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// Dimension returns the vector width of the index
func (s *Store) Dimension() int {
	return s.dimension
}

func (s *Store) vectorType() string {
	return fmt.Sprintf("FLOAT[%d]", s.dimension)
}

func (s *Store) vectorsTable() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS vectors (
			item_id VARCHAR PRIMARY KEY,
			embedding %s NOT NULL,
			model_tag VARCHAR NOT NULL,
			title VARCHAR NOT NULL,
			summary TEXT,
			source VARCHAR,
			url VARCHAR,
			type VARCHAR NOT NULL,
			published_at TIMESTAMPTZ NOT NULL,
			score DOUBLE,
			cluster_id VARCHAR,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`, s.vectorType())
}

// initialize sets up the database schema and extensions
func (s *Store) initialize() error {
	// Tables written with INSERT OR REPLACE carry no secondary indexes:
	// DuckDB refuses to replace rows whose columns are referenced by an index.
	schema := `
		INSTALL vss;
		LOAD vss;

		CREATE TABLE IF NOT EXISTS items (
			id VARCHAR PRIMARY KEY,
			run_id VARCHAR,
			source_id VARCHAR NOT NULL,
			source VARCHAR,
			url VARCHAR,
			title VARCHAR NOT NULL,
			body TEXT,
			type VARCHAR NOT NULL,
			published_at TIMESTAMPTZ NOT NULL,
			content_hash VARCHAR,
			embedded_hash VARCHAR,
			score DOUBLE,
			score_kind VARCHAR,
			score_profile VARCHAR,
			cluster_id VARCHAR,
			duplicate_of VARCHAR,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS clusters (
			id VARCHAR PRIMARY KEY,
			run_id VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			summary TEXT,
			member_ids VARCHAR[],
			member_count INTEGER,
			avg_score DOUBLE,
			confidence JSON,
			placeholder BOOLEAN DEFAULT false,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS duplicate_groups (
			id VARCHAR PRIMARY KEY,
			run_id VARCHAR NOT NULL,
			canonical_id VARCHAR NOT NULL,
			member_ids VARCHAR[],
			max_similarity DOUBLE,
			earlier_id VARCHAR
		);

		CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR PRIMARY KEY,
			state VARCHAR NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			report JSON
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			hash VARCHAR NOT NULL,
			model_tag VARCHAR NOT NULL,
			vector FLOAT[] NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (hash, model_tag)
		);

		CREATE TABLE IF NOT EXISTS pending_upserts (
			item_id VARCHAR PRIMARY KEY,
			embedding FLOAT[] NOT NULL,
			model_tag VARCHAR NOT NULL,
			metadata JSON,
			attempts INTEGER,
			last_error VARCHAR,
			queued_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if _, err := s.db.Exec(s.vectorsTable()); err != nil {
		return fmt.Errorf("failed to create vectors table: %w", err)
	}

	return nil
}

// migrate handles schema changes for existing databases
func (s *Store) migrate() error {
	// Migration 1: duplicate groups record the earlier run's item they repeat
	if _, err := s.db.Exec("ALTER TABLE duplicate_groups ADD COLUMN IF NOT EXISTS earlier_id VARCHAR"); err != nil {
		return fmt.Errorf("migration failed (duplicate_groups.earlier_id): %w", err)
	}

	// Migration 2: the embedding width changed with the model. Old vectors
	// cannot be compared with new ones, so the vectors table is rebuilt empty
	// and items get re-indexed on their next run.
	var colType string
	err := s.db.QueryRow(`
		SELECT data_type
		FROM information_schema.columns
		WHERE table_name = 'vectors' AND column_name = 'embedding'
	`).Scan(&colType)
	if err != nil {
		// Table might not exist yet - nothing to migrate
		return nil
	}

	if strings.EqualFold(colType, s.vectorType()) {
		return nil
	}

	s.logger.Warn("embedding dimension changed, rebuilding vector index",
		"from", colType,
		"to", s.vectorType(),
	)
	if _, err := s.db.Exec("DROP TABLE vectors"); err != nil {
		return fmt.Errorf("migration failed (drop vectors): %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrIndexUnavailable, err)
	}
	return nil
}

// Upsert replaces the indexed entry for id in a single statement, so readers
// see the old row or the new one and never a mix.
func (s *Store) Upsert(ctx context.Context, id string, emb models.Embedding, meta models.ItemMetadata) error {
	if id == "" {
		return fmt.Errorf("%w: upsert without id", models.ErrMalformedContent)
	}
	if len(emb.Vector) != s.dimension {
		return fmt.Errorf("%w: item %s has %d dimensions, index expects %d",
			models.ErrMalformedContent, id, len(emb.Vector), s.dimension)
	}

	embeddingJSON, err := json.Marshal(emb.Vector)
	if err != nil {
		return fmt.Errorf("%w: item %s: %w", models.ErrMalformedContent, id, err)
	}

	query := `
		INSERT OR REPLACE INTO vectors (
			item_id, embedding, model_tag, title, summary, source, url,
			type, published_at, score, cluster_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		id, string(embeddingJSON), emb.ModelTag, meta.Title, meta.Summary, meta.Source, meta.URL,
		string(meta.Type), meta.PublishedAt, meta.Score, meta.ClusterID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert %s: %w", models.ErrIndexUnavailable, id, err)
	}
	return nil
}

// Query applies the filter in SQL and ranks only the matching rows
func (s *Store) Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index expects %d",
			models.ErrMalformedContent, len(vector), s.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	embeddingJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("%w: query vector: %w", models.ErrMalformedContent, err)
	}

	builder := psql.
		Select("item_id", "title", "summary", "source", "url", "type", "published_at", "score", "cluster_id").
		Column(sq.Expr(
			fmt.Sprintf("CAST(array_cosine_similarity(embedding, ?::%s) AS DOUBLE) AS similarity", s.vectorType()),
			string(embeddingJSON),
		)).
		From("vectors")
	builder = applyFilter(builder, filter)

	query, args, err := builder.
		OrderBy("similarity DESC", "published_at DESC", "item_id").
		Limit(uint64(k)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to execute search query: %w", models.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var h models.SearchHit
		var summary, source, url, clusterID sql.NullString
		var score, similarity sql.NullFloat64
		var typ string
		if err := rows.Scan(
			&h.ItemID, &h.Metadata.Title, &summary, &source, &url, &typ,
			&h.Metadata.PublishedAt, &score, &clusterID, &similarity,
		); err != nil {
			return nil, fmt.Errorf("%w: scan search row: %w", models.ErrIndexUnavailable, err)
		}
		h.Metadata.Summary = summary.String
		h.Metadata.Source = source.String
		h.Metadata.URL = url.String
		h.Metadata.Type = models.ContentType(typ)
		h.Metadata.Score = score.Float64
		h.Metadata.ClusterID = clusterID.String
		h.Similarity = similarity.Float64
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIndexUnavailable, err)
	}

	return hits, nil
}

func applyFilter(b sq.SelectBuilder, f models.Filter) sq.SelectBuilder {
	if f.ModelTag != "" {
		b = b.Where(sq.Eq{"model_tag": f.ModelTag})
	}
	if f.After != nil {
		b = b.Where(sq.GtOrEq{"published_at": *f.After})
	}
	if f.Before != nil {
		b = b.Where(sq.Lt{"published_at": *f.Before})
	}
	if len(f.ContentTypes) > 0 {
		types := make([]string, len(f.ContentTypes))
		for i, t := range f.ContentTypes {
			types[i] = string(t)
		}
		b = b.Where(sq.Eq{"type": types})
	}
	return b
}

// Delete removes an item from the index
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM vectors WHERE item_id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete %s: %w", models.ErrIndexUnavailable, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}

	return nil
}

// Get returns one indexed entry
func (s *Store) Get(ctx context.Context, id string) (*index.Entry, error) {
	query := `
		SELECT item_id, embedding, model_tag, title, summary, source, url,
		       type, published_at, score, cluster_id
		FROM vectors
		WHERE item_id = ?
	`

	var e index.Entry
	var embeddingRaw interface{}
	var summary, source, url, clusterID sql.NullString
	var score sql.NullFloat64
	var typ string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &embeddingRaw, &e.Embedding.ModelTag, &e.Metadata.Title, &summary, &source, &url,
		&typ, &e.Metadata.PublishedAt, &score, &clusterID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get %s: %w", models.ErrIndexUnavailable, id, err)
	}

	e.Embedding.Vector = parseVector(embeddingRaw)
	e.Metadata.Summary = summary.String
	e.Metadata.Source = source.String
	e.Metadata.URL = url.String
	e.Metadata.Type = models.ContentType(typ)
	e.Metadata.Score = score.Float64
	e.Metadata.ClusterID = clusterID.String
	return &e, nil
}

// Count returns the number of indexed items
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrIndexUnavailable, err)
	}
	return n, nil
}

// Helper functions for scanning DuckDB values

// parseVector handles FLOAT[N] / FLOAT[] which DuckDB returns as []interface{} of float32
func parseVector(raw interface{}) []float32 {
	switch v := raw.(type) {
	case []interface{}:
		out := make([]float32, len(v))
		for i, val := range v {
			switch f := val.(type) {
			case float32:
				out[i] = f
			case float64:
				out[i] = float32(f)
			}
		}
		return out
	case []float32:
		return v
	}
	return nil
}

// parseStrings handles VARCHAR[] which DuckDB returns as []interface{}
func parseStrings(raw interface{}) []string {
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, val := range v {
			if s, ok := val.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// decodeJSON handles JSON columns, which may come back as a decoded map or as text
func decodeJSON(raw interface{}, dst interface{}) error {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = encoded
	}
	return json.Unmarshal(data, dst)
}

// jsonList encodes a list for a DuckDB LIST column, NULL when empty
func jsonList[T any](list []T) interface{} {
	if len(list) == 0 {
		return nil
	}
	data, _ := json.Marshal(list)
	return string(data)
}

var _ index.Index = (*Store)(nil)
