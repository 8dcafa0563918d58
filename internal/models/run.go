package models

import "time"

// RunState is the lifecycle of one ingestion run
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// RunReport summarises what happened to a batch. Per-item problems are
// listed by item ID; a run only fails as a whole on run-level errors.
type RunReport struct {
	ID         string    `json:"id"`
	State      RunState  `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Received int `json:"received"`
	Accepted int `json:"accepted"`
	// Skipped holds items dropped as malformed
	Skipped []string `json:"skipped,omitempty"`
	// Reused counts items whose embedding came from the cache
	Reused int `json:"reused"`
	// FallbackScored holds items scored by keyword overlap because embedding failed
	FallbackScored []string `json:"fallback_scored,omitempty"`
	Relevant       int      `json:"relevant"`

	DuplicateGroups int `json:"duplicate_groups"`
	Duplicates      int `json:"duplicates"`
	// SeenBefore maps an item to the previously indexed item it repeats
	SeenBefore map[string]string `json:"seen_before,omitempty"`

	Clusters       int      `json:"clusters"`
	Unclustered    []string `json:"unclustered,omitempty"`
	NamingFailures int      `json:"naming_failures"`

	Indexed        int      `json:"indexed"`
	PendingUpserts []string `json:"pending_upserts,omitempty"`

	Error string `json:"error,omitempty"`
}

// Digest is the top of a run grouped by cluster
type Digest struct {
	RunID    string          `json:"run_id"`
	Sections []DigestSection `json:"sections"`
	// Unclustered holds top items that belong to no cluster
	Unclustered []DigestItem `json:"unclustered,omitempty"`
}

// DigestSection is one cluster with its top items
type DigestSection struct {
	ClusterID   string       `json:"cluster_id"`
	Name        string       `json:"name"`
	Summary     string       `json:"summary,omitempty"`
	Placeholder bool         `json:"placeholder,omitempty"`
	Items       []DigestItem `json:"items"`
}

// DigestItem is a digest line
type DigestItem struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Source      string      `json:"source,omitempty"`
	URL         string      `json:"url,omitempty"`
	Type        ContentType `json:"type"`
	PublishedAt time.Time   `json:"published_at"`
	Score       float64     `json:"score"`
	Fallback    bool        `json:"fallback,omitempty"`
}
