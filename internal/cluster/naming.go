package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

const namingSystemPrompt = `You label groups of news items that cover one topic.
Respond with exactly two parts:
LABEL: a concise topic label of 3-5 words
SUMMARY: a 2-3 sentence synthesis highlighting key insights and any differing perspectives across sources`

const (
	maxLabelTitles   = 10
	maxSummaryItems  = 5
	maxNameLength    = 255
	maxSummaryLength = 1000
)

// nameAll names every cluster, issuing one generation request per
// multi-member cluster. It returns the number of clusters that fell back to
// a placeholder.
func (e *Engine) nameAll(ctx context.Context, clusters []models.Cluster, items []*models.ContentItem, groups [][]int) int {
	var failures atomic.Int32
	var eg errgroup.Group
	eg.SetLimit(e.opts.NamingConcurrency)

	for gi := range clusters {
		members := make([]*models.ContentItem, len(groups[gi]))
		for k, m := range groups[gi] {
			members[k] = items[m]
		}
		orderByRelevance(members)

		if len(members) == 1 {
			clusters[gi].Name = placeholderName(members[0])
			clusters[gi].Summary = members[0].Summary(500)
			continue
		}

		eg.Go(func() error {
			name, summary, err := e.generateName(ctx, members)
			if err != nil {
				failures.Add(1)
				e.logger.Warn("cluster naming failed, using placeholder",
					"cluster_id", clusters[gi].ID,
					"members", len(members),
					"error", err,
				)
				clusters[gi].Name = placeholderName(members[0])
				clusters[gi].Summary = members[0].Summary(500)
				clusters[gi].Placeholder = true
				return nil
			}
			clusters[gi].Name = name
			clusters[gi].Summary = summary
			return nil
		})
	}
	_ = eg.Wait()

	return int(failures.Load())
}

func (e *Engine) generateName(ctx context.Context, members []*models.ContentItem) (string, string, error) {
	if e.gen == nil {
		return "", "", fmt.Errorf("%w: no generator configured", models.ErrGenerationUnavailable)
	}

	response, err := e.gen.Generate(ctx, namingSystemPrompt, namingPrompt(members))
	if err != nil {
		return "", "", err
	}

	name, summary := parseNaming(response)
	if name == "" {
		return "", "", fmt.Errorf("%w: empty label in response", models.ErrGenerationUnavailable)
	}
	return name, summary, nil
}

func namingPrompt(members []*models.ContentItem) string {
	var b strings.Builder
	b.WriteString("These items from different sources cover the same topic.\n\nTitles:\n")
	for i, m := range members {
		if i == maxLabelTitles {
			break
		}
		fmt.Fprintf(&b, "- %s\n", models.Truncate(m.Title, 100))
	}

	b.WriteString("\nSummaries:\n")
	for i, m := range members {
		if i == maxSummaryItems {
			break
		}
		source := m.Source
		if source == "" {
			source = m.SourceID
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", source, models.Truncate(m.Title, 100), m.Summary(200))
	}
	return b.String()
}

// parseNaming reads "LABEL: ..." / "SUMMARY: ..." and tolerates a bare first line as the label
func parseNaming(response string) (string, string) {
	var name string
	var summary []string
	inSummary := false

	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "LABEL:"):
			name = strings.TrimSpace(line[len("LABEL:"):])
		case strings.HasPrefix(upper, "SUMMARY:"):
			inSummary = true
			if rest := strings.TrimSpace(line[len("SUMMARY:"):]); rest != "" {
				summary = append(summary, rest)
			}
		case line == "":
		case name == "" && !inSummary:
			name = line
		default:
			summary = append(summary, line)
		}
	}

	name = strings.Trim(name, `"'*# `)
	return models.Truncate(name, maxNameLength), models.Truncate(strings.Join(summary, " "), maxSummaryLength)
}

// placeholderName derives a display name from the item's title
func placeholderName(item *models.ContentItem) string {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return "General News"
	}
	return models.Truncate(title, 80)
}
