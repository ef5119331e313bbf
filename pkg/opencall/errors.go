package opencall

import (
	"errors"
	"fmt"
)

// ItemError represents the failure of a single work item.
type ItemError struct {
	// RunID is the unique identifier for this run
	RunID string

	// Path is the file the item points at
	Path string

	// Key is the item's cache key
	Key string

	// Timeout is true when the per-item deadline elapsed
	Timeout bool

	// Cause is the underlying error
	Cause error
}

func (e *ItemError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("[%s] item %s timed out: %v", e.RunID, e.Path, e.Cause)
	}
	return fmt.Sprintf("[%s] item %s failed: %v", e.RunID, e.Path, e.Cause)
}

func (e *ItemError) Unwrap() error {
	return e.Cause
}

// Common sentinel errors
var (
	// ErrNoAnalyzer is returned when an engine is built without an analyzer
	ErrNoAnalyzer = errors.New("engine requires an analyzer")

	// ErrNoCache is returned when an engine is built without a cache
	ErrNoCache = errors.New("engine requires a cache")

	// ErrCheckpointCorrupt is returned when the checkpoint file cannot be
	// decoded. Starting over silently would redo a long run, so loading
	// stops here and lets the operator decide.
	ErrCheckpointCorrupt = errors.New("checkpoint file is corrupt")

	// ErrCheckpointVersion is returned when the checkpoint was written by
	// an incompatible layout version
	ErrCheckpointVersion = errors.New("unsupported checkpoint version")
)
