package rag

import (
	"fmt"
	"strings"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

const systemPrompt = `You are a news intelligence assistant. Answer questions using ONLY the numbered sources provided in the context.

Rules:
- Cite sources inline with their bracketed number, for example [1] or [2][3].
- Never cite a number that is not in the context and never invent sources or links.
- If the sources do not answer the question, say so plainly instead of guessing.
- Be concise. Prefer a short paragraph or a few bullet points.`

const (
	contextContentLength = 500
	noResultsText        = "No relevant content found"
	unavailableText      = "The assistant is temporarily unavailable. Please try again shortly."
)

// emptyAnswer explains that nothing matched, naming the scope when there was one
func emptyAnswer(scope TimeScope, types []models.ContentType) string {
	var parts []string
	if scope.Label != "" {
		parts = append(parts, "from "+scope.Label)
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t) + "s"
		}
		parts = append(parts, "among "+strings.Join(names, " and "))
	}
	if len(parts) == 0 {
		return noResultsText + " for this question."
	}
	return fmt.Sprintf("%s %s for this question.", noResultsText, strings.Join(parts, " "))
}

// buildContext numbers each hit so the answer can cite it by marker
func buildContext(hits []models.SearchHit) string {
	var b strings.Builder
	for i, h := range hits {
		m := h.Metadata
		fmt.Fprintf(&b, "[%d] %s\n", i+1, m.Title)
		fmt.Fprintf(&b, "Type: %s", m.Type)
		if m.Source != "" {
			fmt.Fprintf(&b, " | Source: %s", m.Source)
		}
		if !m.PublishedAt.IsZero() {
			fmt.Fprintf(&b, " | Published: %s", m.PublishedAt.Format("2006-01-02"))
		}
		fmt.Fprintf(&b, " | Relevance: %.2f\n", h.Similarity)
		if m.URL != "" {
			fmt.Fprintf(&b, "Link: %s\n", m.URL)
		}
		if m.Summary != "" {
			fmt.Fprintf(&b, "Content: %s\n", models.Truncate(m.Summary, contextContentLength))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func buildUserPrompt(question string, scope TimeScope, hits []models.SearchHit) string {
	var b strings.Builder
	b.WriteString("Context:\n\n")
	b.WriteString(buildContext(hits))
	if scope.Label != "" {
		fmt.Fprintf(&b, "The user asked about items %s; every source above falls in that window.\n\n", scope.Label)
	}
	fmt.Fprintf(&b, "Question: %s", question)
	return b.String()
}

func citationsFor(hits []models.SearchHit) []models.Citation {
	citations := make([]models.Citation, len(hits))
	for i, h := range hits {
		citations[i] = models.Citation{
			Marker:     i + 1,
			ItemID:     h.ItemID,
			Title:      h.Metadata.Title,
			Source:     h.Metadata.Source,
			URL:        h.Metadata.URL,
			Type:       h.Metadata.Type,
			Similarity: h.Similarity,
		}
	}
	return citations
}

var defaultSuggestions = []string{
	"What are the biggest AI stories today?",
	"What happened in AI this week?",
	"Which new models were released recently?",
	"Are there any new podcasts about AI?",
}

// Suggestions builds starter questions from recent cluster names, falling
// back to generic ones. At most limit are returned.
func Suggestions(clusterNames []string, limit int) []string {
	if limit <= 0 {
		limit = 8
	}
	seen := make(map[string]bool)
	var out []string
	add := func(q string) {
		if len(out) < limit && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, name := range clusterNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		add(fmt.Sprintf("What's the latest on %s?", name))
	}
	for _, q := range defaultSuggestions {
		add(q)
	}
	return out
}
