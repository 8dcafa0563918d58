package rag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/neuralfeed/internal/llm"
	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

func TestParseTimeScope(t *testing.T) {
	midnight := time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		question string
		label    string
		after    time.Time
		before   time.Time
	}{
		{"What happened today?", "today", midnight, time.Time{}},
		{"Anything yesterday?", "yesterday", midnight.Add(-day), midnight},
		{"What happened with Anthropic this week?", "this week", now.Add(-7 * day), time.Time{}},
		{"Recap last week", "last week", now.Add(-14 * day), now.Add(-7 * day)},
		{"Top stories this month", "this month", now.Add(-30 * day), time.Time{}},
		{"news from the last 3 days", "last 3 days", now.Add(-3 * day), time.Time{}},
		{"past 24 hours in AI", "past 24 hours", now.Add(-day), time.Time{}},
		{"the past 6 hours", "past 6 hours", now.Add(-6 * time.Hour), time.Time{}},
		{"previous 2 weeks", "previous 2 weeks", now.Add(-14 * day), time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			scope := ParseTimeScope(tt.question, now)
			assert.Equal(t, tt.label, scope.Label)
			require.NotNil(t, scope.After)
			assert.True(t, tt.after.Equal(*scope.After), "after = %v", *scope.After)
			if tt.before.IsZero() {
				assert.Nil(t, scope.Before)
			} else {
				require.NotNil(t, scope.Before)
				assert.True(t, tt.before.Equal(*scope.Before))
			}
		})
	}

	t.Run("no scope", func(t *testing.T) {
		assert.True(t, ParseTimeScope("What is Claude?", now).IsZero())
	})
}

func TestParseContentTypes(t *testing.T) {
	assert.Nil(t, ParseContentTypes("What is new in AI?"))
	assert.Equal(t, []models.ContentType{models.ContentPodcast}, ParseContentTypes("Any new podcasts?"))
	assert.Equal(t, []models.ContentType{models.ContentPodcast, models.ContentVideo},
		ParseContentTypes("podcast or video about agents"))
}

func TestSuggestions(t *testing.T) {
	got := Suggestions([]string{"OpenAI model launch", "", "OpenAI model launch"}, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "What's the latest on OpenAI model launch?", got[0])
	assert.Equal(t, defaultSuggestions[0], got[1])

	assert.Len(t, Suggestions(nil, 0), len(defaultSuggestions))
}

func TestConversationsCap(t *testing.T) {
	c := NewConversations(4)
	for i := 0; i < 3; i++ {
		c.Append("a", "q", "a", now)
	}
	conv, ok := c.Get("a")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 4)
	assert.Equal(t, llm.RoleUser, conv.Messages[0].Role)

	assert.Len(t, c.Window("a", 2), 2)
	assert.Nil(t, c.Window("missing", 2))
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
}
