package models

import "time"

// ItemMetadata is what the retrieval index stores next to each vector
type ItemMetadata struct {
	Title       string      `json:"title"`
	Summary     string      `json:"summary,omitempty"`
	Source      string      `json:"source,omitempty"`
	URL         string      `json:"url,omitempty"`
	Type        ContentType `json:"type"`
	PublishedAt time.Time   `json:"published_at"`
	Score       float64     `json:"score"`
	ClusterID   string      `json:"cluster_id,omitempty"`
}

// MetadataFor extracts index metadata from an item
func MetadataFor(item *ContentItem) ItemMetadata {
	return ItemMetadata{
		Title:       item.Title,
		Summary:     item.Summary(5000),
		Source:      item.Source,
		URL:         item.URL,
		Type:        item.Type,
		PublishedAt: item.PublishedAt,
		Score:       item.ScoreValue(),
		ClusterID:   item.ClusterID,
	}
}

// Filter restricts a retrieval query before ranking
type Filter struct {
	After        *time.Time    `json:"after,omitempty"`  // inclusive
	Before       *time.Time    `json:"before,omitempty"` // exclusive
	ContentTypes []ContentType `json:"content_types,omitempty"`
	ModelTag     string        `json:"model_tag,omitempty"`
}

// Match reports whether an indexed entry satisfies the filter
func (f Filter) Match(meta ItemMetadata, modelTag string) bool {
	if f.ModelTag != "" && modelTag != f.ModelTag {
		return false
	}
	if f.After != nil && meta.PublishedAt.Before(*f.After) {
		return false
	}
	if f.Before != nil && !meta.PublishedAt.Before(*f.Before) {
		return false
	}
	if len(f.ContentTypes) > 0 {
		for _, t := range f.ContentTypes {
			if t == meta.Type {
				return true
			}
		}
		return false
	}
	return true
}

// RetrievalQuery is a natural-language question resolved into a vector and filter
type RetrievalQuery struct {
	Question string    `json:"question"`
	Vector   []float32 `json:"-"`
	K        int       `json:"k"`
	Filter   Filter    `json:"filter"`
}

// SearchHit is one ranked retrieval result
type SearchHit struct {
	ItemID     string       `json:"item_id"`
	Similarity float64      `json:"similarity"`
	Metadata   ItemMetadata `json:"metadata"`
}

// AnswerState tracks a question through the answering state machine
type AnswerState string

const (
	StateReceived   AnswerState = "received"
	StateRetrieving AnswerState = "retrieving"
	StateComposing  AnswerState = "composing"
	StateAnswered   AnswerState = "answered"
	StateFailed     AnswerState = "failed"
)

// Terminal reports whether no further transition can happen
func (s AnswerState) Terminal() bool {
	return s == StateAnswered || s == StateFailed
}

// Citation points at an item supplied to the generator
type Citation struct {
	Marker     int         `json:"marker"`
	ItemID     string      `json:"item_id"`
	Title      string      `json:"title"`
	Source     string      `json:"source,omitempty"`
	URL        string      `json:"url,omitempty"`
	Type       ContentType `json:"type"`
	Similarity float64     `json:"similarity"`
}

// Answer is the result of a RAG question
type Answer struct {
	ConversationID string      `json:"conversation_id"`
	Question       string      `json:"question"`
	Text           string      `json:"text"`
	Citations      []Citation  `json:"citations"`
	Empty          bool        `json:"empty"`
	State          AnswerState `json:"state"`
	Scope          string      `json:"scope,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
