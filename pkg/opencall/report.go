package opencall

import (
	"encoding/json"
	"time"
)

// ItemStatus classifies how a work item reached completion.
type ItemStatus string

const (
	// StatusCached means the result was served from the cache without
	// touching the analyzer or consuming a slot.
	StatusCached ItemStatus = "cached"

	// StatusComputed means the analyzer produced a fresh result.
	StatusComputed ItemStatus = "computed"

	// StatusFailed means the item finished the run without a result.
	// Failed items are never cached and will be retried by the next run.
	StatusFailed ItemStatus = "failed"
)

// ItemResult records the outcome for a single work item.
type ItemResult struct {
	Path     string          `json:"path"`
	Key      string          `json:"key"`
	Status   ItemStatus      `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Err      string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns,omitempty"`

	// CacheWriteErr is set when the result was computed but could not be
	// persisted. The payload above is still valid for this run.
	CacheWriteErr string `json:"cache_write_error,omitempty"`

	// CheckpointErr is set when recording completion failed. A later run
	// may redo this item, which is safe because it will hit the cache.
	CheckpointErr string `json:"checkpoint_error,omitempty"`
}

// RunReport summarizes a completed (or canceled) run. Items appear in
// their original enumeration order regardless of completion order.
type RunReport struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Total      int          `json:"total"`
	Cached     int          `json:"cached"`
	Computed   int          `json:"computed"`
	Failed     int          `json:"failed"`
	HitRate    float64      `json:"hit_rate"`
	Items      []ItemResult `json:"items"`
}
