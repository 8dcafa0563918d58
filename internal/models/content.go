package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ContentType identifies the kind of ingested item
type ContentType string

const (
	ContentArticle ContentType = "article"
	ContentPodcast ContentType = "podcast"
	ContentVideo   ContentType = "video"
)

// ContentTypes lists every supported content type in a stable order
var ContentTypes = []ContentType{ContentArticle, ContentPodcast, ContentVideo}

// Valid reports whether t is a known content type
func (t ContentType) Valid() bool {
	switch t {
	case ContentArticle, ContentPodcast, ContentVideo:
		return true
	}
	return false
}

// ParseContentType maps loose user input ("news", "podcasts", "videos") onto a ContentType
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "article", "articles", "news":
		return ContentArticle, nil
	case "podcast", "podcasts":
		return ContentPodcast, nil
	case "video", "videos":
		return ContentVideo, nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

// Embedding is a vector together with the model tag that produced it
type Embedding struct {
	Vector   []float32 `json:"vector"`
	ModelTag string    `json:"model_tag"`
}

// Comparable reports whether two embeddings were produced by the same model version
func (e Embedding) Comparable(other Embedding) bool {
	return e.ModelTag != "" && e.ModelTag == other.ModelTag && len(e.Vector) == len(other.Vector)
}

// IsZero reports whether the embedding carries no vector
func (e Embedding) IsZero() bool {
	return len(e.Vector) == 0
}

// ScoreKind tells downstream ranking how a score was produced
type ScoreKind string

const (
	ScoreSemantic ScoreKind = "semantic"
	ScoreKeyword  ScoreKind = "keyword"
)

// Score is a relevance score in [0, 1]
type Score struct {
	Value   float64   `json:"value"`
	Kind    ScoreKind `json:"kind"`
	Profile string    `json:"profile,omitempty"`
	Raw     float64   `json:"raw"` // before clamping or fallback discount
}

// Fallback reports whether the score came from the keyword heuristic
func (s Score) Fallback() bool {
	return s.Kind == ScoreKeyword
}

// ContentItem represents a single ingested article, podcast episode or video
type ContentItem struct {
	ID          string      `json:"id"`
	SourceID    string      `json:"source_id"`
	Source      string      `json:"source,omitempty"`
	URL         string      `json:"url,omitempty"`
	Title       string      `json:"title"`
	Body        string      `json:"body,omitempty"`
	PublishedAt time.Time   `json:"published_at"`
	Type        ContentType `json:"type"`
	Embedding   *Embedding  `json:"embedding,omitempty"`
	Score       *Score      `json:"score,omitempty"`
	ClusterID   string      `json:"cluster_id,omitempty"`
	DuplicateOf string      `json:"duplicate_of,omitempty"`
	// ContentHash of the text the embedding was computed from
	EmbeddedHash string `json:"embedded_hash,omitempty"`
}

// Text returns the string that gets embedded for the item
func (c *ContentItem) Text() string {
	title := strings.TrimSpace(c.Title)
	body := strings.TrimSpace(c.Body)
	if body == "" {
		return title
	}
	if title == "" {
		return body
	}
	return title + "\n" + body
}

// ContentHash identifies the item's text independent of whitespace and case
func (c *ContentItem) ContentHash() string {
	return HashText(c.Text())
}

// HashText returns the hex sha256 of normalized text
func HashText(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NeedsEmbedding reports whether the item has no embedding for its current text or model tag
func (c *ContentItem) NeedsEmbedding(modelTag string) bool {
	if c.Embedding == nil || c.Embedding.IsZero() {
		return true
	}
	if c.Embedding.ModelTag != modelTag {
		return true
	}
	return c.EmbeddedHash != c.ContentHash()
}

// ScoreValue returns the relevance score, zero when unscored
func (c *ContentItem) ScoreValue() float64 {
	if c.Score == nil {
		return 0
	}
	return c.Score.Value
}

// Summary returns up to n runes of the body
func (c *ContentItem) Summary(n int) string {
	return Truncate(strings.TrimSpace(c.Body), n)
}

// Validate checks the fields every pipeline stage depends on
func (c *ContentItem) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedContent)
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("%w: item %s has no title", ErrMalformedContent, c.ID)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: item %s has unknown type %q", ErrMalformedContent, c.ID, c.Type)
	}
	if c.PublishedAt.IsZero() {
		return fmt.Errorf("%w: item %s has no publish time", ErrMalformedContent, c.ID)
	}
	return nil
}

// Truncate cuts s to at most n runes, appending "..." when shortened
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// DuplicateGroup is a set of items considered the same underlying story
type DuplicateGroup struct {
	ID            string   `json:"id"`
	CanonicalID   string   `json:"canonical_id"`
	MemberIDs     []string `json:"member_ids"`
	MaxSimilarity float64  `json:"max_similarity"`
	// EarlierID is set when the story was already indexed by an earlier run
	EarlierID string `json:"earlier_id,omitempty"`
}

// Size returns the number of members including the canonical item
func (g DuplicateGroup) Size() int {
	return len(g.MemberIDs)
}

// Cluster is a set of items sharing a theme
type Cluster struct {
	ID          string             `json:"id"`
	RunID       string             `json:"run_id,omitempty"`
	Name        string             `json:"name"`
	Summary     string             `json:"summary,omitempty"`
	MemberIDs   []string           `json:"member_ids"`
	Centroid    []float32          `json:"-"`
	MemberCount int                `json:"member_count"`
	AvgScore    float64            `json:"avg_score"`
	Confidence  map[string]float64 `json:"confidence,omitempty"`
	Placeholder bool               `json:"placeholder,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// InterestProfile is a weighted set of topic vectors used as a scoring target
type InterestProfile struct {
	Name     string      `json:"name"`
	Topics   []string    `json:"topics"`
	Vectors  [][]float32 `json:"-"`
	ModelTag string      `json:"model_tag"`
	// Weight scales the profile's similarities; zero means 1
	Weight float64 `json:"weight,omitempty"`
}

// Scale applies the profile weight to a similarity
func (p InterestProfile) Scale(sim float64) float64 {
	if p.Weight <= 0 {
		return sim
	}
	return sim * p.Weight
}
