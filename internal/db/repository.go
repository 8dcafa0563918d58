package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oscillatelabsllc/neuralfeed/internal/embedding"
	"github.com/oscillatelabsllc/neuralfeed/internal/index"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

const itemColumns = `
	i.id, i.run_id, i.source_id, i.source, i.url, i.title, i.body, i.type, i.published_at,
	i.embedded_hash, i.score, i.score_kind, i.score_profile, i.cluster_id, i.duplicate_of,
	v.embedding, v.model_tag
`

// SaveItems stores the run's items in one transaction
func (s *Store) SaveItems(ctx context.Context, runID string, items []*models.ContentItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO items (
			id, run_id, source_id, source, url, title, body, type, published_at,
			content_hash, embedded_hash, score, score_kind, score_profile,
			cluster_id, duplicate_of, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, it := range items {
		var score, kind, profile interface{}
		if it.Score != nil {
			score, kind, profile = it.Score.Value, string(it.Score.Kind), it.Score.Profile
		}
		_, err := stmt.ExecContext(ctx,
			it.ID, runID, it.SourceID, it.Source, it.URL, it.Title, it.Body, string(it.Type), it.PublishedAt,
			it.ContentHash(), it.EmbeddedHash, score, kind, profile,
			it.ClusterID, it.DuplicateOf, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}
	return nil
}

// LoadItem retrieves a single item, with its indexed embedding when present
func (s *Store) LoadItem(ctx context.Context, id string) (*models.ContentItem, error) {
	query := `SELECT ` + itemColumns + `
		FROM items i
		LEFT JOIN vectors v ON v.item_id = i.id
		WHERE i.id = ?
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	return items[0], nil
}

// LoadBatch returns every item stored for a run, most relevant first
func (s *Store) LoadBatch(ctx context.Context, runID string) ([]*models.ContentItem, error) {
	query := `SELECT ` + itemColumns + `
		FROM items i
		LEFT JOIN vectors v ON v.item_id = i.id
		WHERE i.run_id = ?
		ORDER BY i.score DESC NULLS LAST, i.published_at DESC, i.id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// DeleteItem removes an item and its index entry
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_upserts WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete pending upsert: %w", err)
	}
	return tx.Commit()
}

func scanItems(rows *sql.Rows) ([]*models.ContentItem, error) {
	var items []*models.ContentItem

	for rows.Next() {
		var it models.ContentItem
		var runID, source, url, body, embeddedHash, kind, profile, clusterID, duplicateOf, modelTag sql.NullString
		var score sql.NullFloat64
		var typ string
		var embeddingRaw interface{}

		err := rows.Scan(
			&it.ID, &runID, &it.SourceID, &source, &url, &it.Title, &body, &typ, &it.PublishedAt,
			&embeddedHash, &score, &kind, &profile, &clusterID, &duplicateOf,
			&embeddingRaw, &modelTag,
		)
		if err != nil {
			return nil, err
		}

		it.Source = source.String
		it.URL = url.String
		it.Body = body.String
		it.Type = models.ContentType(typ)
		it.EmbeddedHash = embeddedHash.String
		it.ClusterID = clusterID.String
		it.DuplicateOf = duplicateOf.String
		if kind.Valid && kind.String != "" {
			it.Score = &models.Score{
				Value:   score.Float64,
				Kind:    models.ScoreKind(kind.String),
				Profile: profile.String,
				Raw:     score.Float64,
			}
		}
		if vec := parseVector(embeddingRaw); len(vec) > 0 {
			it.Embedding = &models.Embedding{Vector: vec, ModelTag: modelTag.String}
		}

		items = append(items, &it)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveClusters stores a run's clusters
func (s *Store) SaveClusters(ctx context.Context, clusters []models.Cluster) error {
	query := `
		INSERT OR REPLACE INTO clusters (
			id, run_id, name, summary, member_ids, member_count, avg_score,
			confidence, placeholder, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, c := range clusters {
		var confidence interface{}
		if len(c.Confidence) > 0 {
			data, err := json.Marshal(c.Confidence)
			if err != nil {
				return fmt.Errorf("failed to encode confidence for cluster %s: %w", c.ID, err)
			}
			confidence = string(data)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		_, err := s.db.ExecContext(ctx, query,
			c.ID, c.RunID, c.Name, c.Summary, jsonList(c.MemberIDs), c.MemberCount, c.AvgScore,
			confidence, c.Placeholder, createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", c.ID, err)
		}
	}
	return nil
}

// LoadClusters returns a run's clusters, largest first
func (s *Store) LoadClusters(ctx context.Context, runID string) ([]models.Cluster, error) {
	query := `
		SELECT id, run_id, name, summary, member_ids, member_count, avg_score,
		       confidence, placeholder, created_at
		FROM clusters
		WHERE run_id = ?
		ORDER BY member_count DESC, avg_score DESC, id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load clusters: %w", err)
	}
	defer rows.Close()

	var clusters []models.Cluster
	for rows.Next() {
		var c models.Cluster
		var summary sql.NullString
		var membersRaw, confidenceRaw interface{}
		if err := rows.Scan(
			&c.ID, &c.RunID, &c.Name, &summary, &membersRaw, &c.MemberCount, &c.AvgScore,
			&confidenceRaw, &c.Placeholder, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		c.Summary = summary.String
		c.MemberIDs = parseStrings(membersRaw)
		if err := decodeJSON(confidenceRaw, &c.Confidence); err != nil {
			return nil, fmt.Errorf("failed to decode confidence for cluster %s: %w", c.ID, err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clusters, nil
}

// RecentClusterNames returns names of the latest non-placeholder clusters
func (s *Store) RecentClusterNames(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM clusters
		WHERE NOT placeholder AND member_count > 1
		ORDER BY created_at DESC, member_count DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SaveDuplicateGroups stores a run's duplicate groups
func (s *Store) SaveDuplicateGroups(ctx context.Context, runID string, groups []models.DuplicateGroup) error {
	query := `
		INSERT OR REPLACE INTO duplicate_groups (id, run_id, canonical_id, member_ids, max_similarity, earlier_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, g := range groups {
		var earlier interface{}
		if g.EarlierID != "" {
			earlier = g.EarlierID
		}
		if _, err := s.db.ExecContext(ctx, query, g.ID, runID, g.CanonicalID, jsonList(g.MemberIDs), g.MaxSimilarity, earlier); err != nil {
			return fmt.Errorf("failed to insert duplicate group %s: %w", g.ID, err)
		}
	}
	return nil
}

// LoadDuplicateGroups returns a run's duplicate groups ordered by canonical ID
func (s *Store) LoadDuplicateGroups(ctx context.Context, runID string) ([]models.DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_id, member_ids, max_similarity, earlier_id
		FROM duplicate_groups
		WHERE run_id = ?
		ORDER BY canonical_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load duplicate groups: %w", err)
	}
	defer rows.Close()

	var groups []models.DuplicateGroup
	for rows.Next() {
		var g models.DuplicateGroup
		var membersRaw interface{}
		var earlier sql.NullString
		if err := rows.Scan(&g.ID, &g.CanonicalID, &membersRaw, &g.MaxSimilarity, &earlier); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate group: %w", err)
		}
		g.MemberIDs = parseStrings(membersRaw)
		g.EarlierID = earlier.String
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SaveRun stores or replaces a run report
func (s *Store) SaveRun(ctx context.Context, report *models.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	var finishedAt interface{}
	if !report.FinishedAt.IsZero() {
		finishedAt = report.FinishedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, state, started_at, finished_at, report)
		VALUES (?, ?, ?, ?, ?)
	`, report.ID, string(report.State), report.StartedAt, finishedAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", report.ID, err)
	}
	return nil
}

// LoadRun returns a stored run report
func (s *Store) LoadRun(ctx context.Context, id string) (*models.RunReport, error) {
	var raw interface{}
	err := s.db.QueryRowContext(ctx, "SELECT report FROM runs WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var report models.RunReport
	if err := decodeJSON(raw, &report); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &report, nil
}

// LatestRun returns the most recently started run
func (s *Store) LatestRun(ctx context.Context) (*models.RunReport, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM runs ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no runs yet", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return s.LoadRun(ctx, id)
}

// LoadEmbeddingCache returns every cached vector produced by modelTag
func (s *Store) LoadEmbeddingCache(ctx context.Context, modelTag string) ([]embedding.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT hash, model_tag, vector, created_at FROM embedding_cache WHERE model_tag = ?", modelTag)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding cache: %w", err)
	}
	defer rows.Close()

	var entries []embedding.CacheEntry
	for rows.Next() {
		var e embedding.CacheEntry
		var vectorRaw interface{}
		if err := rows.Scan(&e.Hash, &e.ModelTag, &vectorRaw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		e.Vector = parseVector(vectorRaw)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveEmbeddingCache writes cache entries in one transaction
func (s *Store) SaveEmbeddingCache(ctx context.Context, entries []embedding.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache (hash, model_tag, vector, created_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.Hash, e.ModelTag, jsonList(e.Vector), createdAt); err != nil {
			return fmt.Errorf("failed to insert cache entry %s: %w", e.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache: %w", err)
	}
	return nil
}

// LoadPendingUpserts returns the index writes still waiting for a retry
func (s *Store) LoadPendingUpserts(ctx context.Context) ([]index.PendingUpsert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, embedding, model_tag, metadata, attempts, last_error
		FROM pending_upserts
		ORDER BY item_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending upserts: %w", err)
	}
	defer rows.Close()

	var pending []index.PendingUpsert
	for rows.Next() {
		var p index.PendingUpsert
		var vectorRaw, metaRaw interface{}
		var lastError sql.NullString
		if err := rows.Scan(&p.ItemID, &vectorRaw, &p.Embedding.ModelTag, &metaRaw, &p.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan pending upsert: %w", err)
		}
		p.Embedding.Vector = parseVector(vectorRaw)
		if err := decodeJSON(metaRaw, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode pending upsert %s: %w", p.ItemID, err)
		}
		p.LastError = lastError.String
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// SavePendingUpserts replaces the stored retry queue in one transaction
func (s *Store) SavePendingUpserts(ctx context.Context, pending []index.PendingUpsert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_upserts"); err != nil {
		return fmt.Errorf("failed to clear pending upserts: %w", err)
	}

	for _, p := range pending {
		metaJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode pending upsert %s: %w", p.ItemID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_upserts (item_id, embedding, model_tag, metadata, attempts, last_error, queued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ItemID, jsonList(p.Embedding.Vector), p.Embedding.ModelTag, string(metaJSON), p.Attempts, p.LastError, time.Now())
		if err != nil {
			return fmt.Errorf("failed to insert pending upsert %s: %w", p.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending upserts: %w", err)
	}
	return nil
}

var (
	_ embedding.CacheStore = (*Store)(nil)
	_ index.PendingStore   = (*Store)(nil)
)
