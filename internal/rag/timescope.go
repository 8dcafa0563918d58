package rag

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

const day = 24 * time.Hour

// TimeScope is a publish-time window parsed from a question.
// After is inclusive and Before exclusive, matching models.Filter.
type TimeScope struct {
	Label  string
	After  *time.Time
	Before *time.Time
}

// IsZero reports whether no scope was found
func (s TimeScope) IsZero() bool {
	return s.After == nil && s.Before == nil
}

var (
	relativeScope = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d{1,3})\s+(hours?|days?|weeks?)\b`)
	fixedScopes   = []struct {
		pattern *regexp.Regexp
		label   string
		window  func(now time.Time) (after, before time.Time)
	}{
		{regexp.MustCompile(`\btoday\b|\bthis morning\b`), "today", func(now time.Time) (time.Time, time.Time) {
			return startOfDay(now), time.Time{}
		}},
		{regexp.MustCompile(`\byesterday\b`), "yesterday", func(now time.Time) (time.Time, time.Time) {
			today := startOfDay(now)
			return today.Add(-day), today
		}},
		{regexp.MustCompile(`\b(?:past|last)\s+(?:24 hours|day)\b`), "past 24 hours", func(now time.Time) (time.Time, time.Time) {
			return now.Add(-day), time.Time{}
		}},
		{regexp.MustCompile(`\bthis week\b|\bpast week\b`), "this week", func(now time.Time) (time.Time, time.Time) {
			return now.Add(-7 * day), time.Time{}
		}},
		{regexp.MustCompile(`\blast week\b|\bprevious week\b`), "last week", func(now time.Time) (time.Time, time.Time) {
			return now.Add(-14 * day), now.Add(-7 * day)
		}},
		{regexp.MustCompile(`\bthis month\b|\bpast month\b`), "this month", func(now time.Time) (time.Time, time.Time) {
			return now.Add(-30 * day), time.Time{}
		}},
		{regexp.MustCompile(`\blast month\b|\bprevious month\b`), "last month", func(now time.Time) (time.Time, time.Time) {
			return now.Add(-60 * day), now.Add(-30 * day)
		}},
	}
)

// ParseTimeScope finds the first explicit time expression in question,
// relative to now. Weeks and months are rolling windows.
func ParseTimeScope(question string, now time.Time) TimeScope {
	q := strings.ToLower(question)

	if m := relativeScope.FindStringSubmatch(q); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			unit := time.Hour
			switch {
			case strings.HasPrefix(m[2], "day"):
				unit = day
			case strings.HasPrefix(m[2], "week"):
				unit = 7 * day
			}
			after := now.Add(-time.Duration(n) * unit)
			return TimeScope{Label: m[0], After: &after}
		}
	}

	for _, s := range fixedScopes {
		if !s.pattern.MatchString(q) {
			continue
		}
		after, before := s.window(now)
		scope := TimeScope{Label: s.label, After: &after}
		if !before.IsZero() {
			scope.Before = &before
		}
		return scope
	}
	return TimeScope{}
}

var typeMentions = []struct {
	pattern *regexp.Regexp
	typ     models.ContentType
}{
	{regexp.MustCompile(`\bpodcasts?\b`), models.ContentPodcast},
	{regexp.MustCompile(`\bvideos?\b|\byoutube\b`), models.ContentVideo},
	{regexp.MustCompile(`\barticles?\b`), models.ContentArticle},
}

// ParseContentTypes returns the content types a question explicitly asks
// about, or nil when it names none.
func ParseContentTypes(question string) []models.ContentType {
	q := strings.ToLower(question)
	var types []models.ContentType
	for _, m := range typeMentions {
		if m.pattern.MatchString(q) {
			types = append(types, m.typ)
		}
	}
	return types
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
