package models

import (
	"errors"
	"testing"
	"time"
)

func TestContentItemValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		item    ContentItem
		wantErr bool
	}{
		{"valid article", ContentItem{ID: "a", Title: "Title", Type: ContentArticle, PublishedAt: now}, false},
		{"missing id", ContentItem{Title: "Title", Type: ContentArticle, PublishedAt: now}, true},
		{"blank title", ContentItem{ID: "a", Title: "   ", Type: ContentArticle, PublishedAt: now}, true},
		{"unknown type", ContentItem{ID: "a", Title: "Title", Type: "blog", PublishedAt: now}, true},
		{"missing publish time", ContentItem{ID: "a", Title: "Title", Type: ContentVideo}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedContent) {
					t.Errorf("Expected ErrMalformedContent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestContentHash(t *testing.T) {
	a := ContentItem{Title: "OpenAI ships  a model", Body: "Details\nhere"}
	b := ContentItem{Title: "openai ships a model", Body: "details here"}
	c := ContentItem{Title: "OpenAI ships a model", Body: "Other details"}

	if a.ContentHash() != b.ContentHash() {
		t.Error("Expected hash to ignore case and whitespace")
	}
	if a.ContentHash() == c.ContentHash() {
		t.Error("Expected different text to hash differently")
	}
}

func TestNeedsEmbedding(t *testing.T) {
	item := ContentItem{ID: "a", Title: "t", Body: "b"}

	if !item.NeedsEmbedding("m@1") {
		t.Error("Expected item without embedding to need one")
	}

	item.Embedding = &Embedding{Vector: []float32{1, 0}, ModelTag: "m@1"}
	item.EmbeddedHash = item.ContentHash()
	if item.NeedsEmbedding("m@1") {
		t.Error("Expected unchanged item to keep its embedding")
	}

	t.Run("model tag change invalidates", func(t *testing.T) {
		if !item.NeedsEmbedding("m@2") {
			t.Error("Expected new model tag to require re-embedding")
		}
	})

	t.Run("text change invalidates", func(t *testing.T) {
		changed := item
		changed.Body = "edited body"
		if !changed.NeedsEmbedding("m@1") {
			t.Error("Expected edited text to require re-embedding")
		}
	})
}

func TestEmbeddingComparable(t *testing.T) {
	a := Embedding{Vector: []float32{1, 2}, ModelTag: "m@1"}
	b := Embedding{Vector: []float32{3, 4}, ModelTag: "m@1"}
	c := Embedding{Vector: []float32{3, 4}, ModelTag: "m@2"}

	if !a.Comparable(b) {
		t.Error("Expected same tag to be comparable")
	}
	if a.Comparable(c) {
		t.Error("Expected mismatched tags to be incomparable")
	}
}

func TestFilterMatch(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	after := base.Add(-24 * time.Hour)
	before := base.Add(24 * time.Hour)

	f := Filter{After: &after, Before: &before, ContentTypes: []ContentType{ContentPodcast}, ModelTag: "m@1"}

	meta := ItemMetadata{Type: ContentPodcast, PublishedAt: base}
	if !f.Match(meta, "m@1") {
		t.Error("Expected in-window podcast to match")
	}

	t.Run("after bound is inclusive", func(t *testing.T) {
		m := meta
		m.PublishedAt = after
		if !f.Match(m, "m@1") {
			t.Error("Expected item published exactly at After to match")
		}
	})

	t.Run("before bound is exclusive", func(t *testing.T) {
		m := meta
		m.PublishedAt = before
		if f.Match(m, "m@1") {
			t.Error("Expected item published exactly at Before to be excluded")
		}
	})

	t.Run("content type mismatch", func(t *testing.T) {
		m := meta
		m.Type = ContentArticle
		if f.Match(m, "m@1") {
			t.Error("Expected article to be filtered out")
		}
	})

	t.Run("model tag mismatch", func(t *testing.T) {
		if f.Match(meta, "m@2") {
			t.Error("Expected other model tag to be filtered out")
		}
	})
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("Expected rune-aware truncation, got %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Expected untouched string, got %q", got)
	}
}

func TestParseContentType(t *testing.T) {
	got, err := ParseContentType("News")
	if err != nil || got != ContentArticle {
		t.Errorf("Expected news to map to article, got %q (%v)", got, err)
	}
	if _, err := ParseContentType("blog"); err == nil {
		t.Error("Expected error for unknown type")
	}
}
