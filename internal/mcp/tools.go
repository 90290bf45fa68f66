package mcp

import (
	"time"

	"github.com/anurse/pkgsearch/internal/scheduler"
	"github.com/anurse/pkgsearch/internal/telemetry"
)

// Timestamps are RFC 3339 strings; an empty string means never.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Tool names.
const (
	ToolSearchPackages = "search_packages"
	ToolUpdateIndex    = "update_index"
	ToolIndexStatus    = "index_status"
)

// DefaultSearchLimit is used when a search call gives no limit.
const DefaultSearchLimit = 20

// SearchPackagesInput defines the input schema for the search_packages tool.
type SearchPackagesInput struct {
	Query string `json:"query" jsonschema:"whitespace separated terms; every term must match the package id, title, tags, description or authors"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 20"`
}

// SearchPackagesOutput defines the output schema for the search_packages tool.
type SearchPackagesOutput struct {
	Results []PackageResult `json:"results" jsonschema:"matching packages, best first"`
	Total   int             `json:"total" jsonschema:"number of matches before the limit was applied"`
}

// PackageResult is one ranked package.
type PackageResult struct {
	Key   int     `json:"key" jsonschema:"catalog surrogate key of the package version"`
	Score float64 `json:"score" jsonschema:"relevance score, higher is better"`
}

// UpdateIndexInput defines the input schema for the update_index tool (no parameters).
type UpdateIndexInput struct{}

// UpdateIndexOutput reports one completed update pass.
type UpdateIndexOutput struct {
	RunID              string `json:"run_id"`
	Mode               string `json:"mode" jsonschema:"replace or rebuild"`
	Fetched            int    `json:"fetched"`
	Indexed            int    `json:"indexed"`
	PreviousCheckpoint string `json:"previous_checkpoint" jsonschema:"checkpoint before the pass, empty for the first update"`
	Checkpoint         string `json:"checkpoint"`
	DurationMs         int64  `json:"duration_ms"`
}

// IndexStatusInput defines the input schema for the index_status tool (no parameters).
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	Index     IndexInfo      `json:"index"`
	Scheduler *SchedulerInfo `json:"scheduler,omitempty"`
	Queries   *QuerySummary  `json:"queries,omitempty"`
}

// IndexInfo describes the package index.
type IndexInfo struct {
	Path         string `json:"path"`
	Documents    uint64 `json:"documents"`
	Checkpoint   string `json:"checkpoint"`
	NeverIndexed bool   `json:"never_indexed"`
}

// SchedulerInfo describes the periodic update job.
type SchedulerInfo struct {
	Interval    string `json:"interval"`
	Running     bool   `json:"running"`
	Runs        int    `json:"runs"`
	Failures    int    `json:"failures"`
	LastRun     string `json:"last_run,omitempty"`
	LastSuccess string `json:"last_success,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	NextRun     string `json:"next_run,omitempty"`
}

func newSchedulerInfo(st scheduler.Status) *SchedulerInfo {
	return &SchedulerInfo{
		Interval:    st.Interval.String(),
		Running:     st.Running,
		Runs:        st.Runs,
		Failures:    st.Failures,
		LastRun:     formatTime(st.LastRun),
		LastSuccess: formatTime(st.LastSuccess),
		LastError:   st.LastError,
		NextRun:     formatTime(st.NextRun),
	}
}

// QuerySummary is the recent query picture.
type QuerySummary struct {
	Total             int64                 `json:"total"`
	ZeroResultPercent float64               `json:"zero_result_percent"`
	TopTerms          []telemetry.TermCount `json:"top_terms,omitempty"`
	ZeroResultQueries []string              `json:"zero_result_queries,omitempty"`
}
