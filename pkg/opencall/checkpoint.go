package opencall

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// checkpointVersion is bumped whenever the on-disk layout changes.
const checkpointVersion = 1

type checkpointState struct {
	Version   int                      `json:"version"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	Completed map[string]completedItem `json:"completed"`
}

type completedItem struct {
	Path        string    `json:"path"`
	CompletedAt time.Time `json:"completed_at"`
}

// Checkpoint is the durable record of which items have finished, so an
// interrupted run can resume without repeating work. It stores progress,
// not results; payloads live in the cache. Entries are keyed by cache key,
// which keeps out-of-order completions safe.
//
// Every update rewrites the file through a temp file and rename, so a
// crash leaves the previous consistent state behind.
type Checkpoint struct {
	path string

	mu    sync.Mutex
	state checkpointState
}

// LoadCheckpoint opens the checkpoint at path, creating the parent
// directory if needed. A missing file yields an empty checkpoint. An
// unreadable or undecodable file is an error: this runs before any work
// starts, and silently discarding progress would redo a long run.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint dir %s: %w", dir, err)
		}
	}

	cp := &Checkpoint{
		path: path,
		state: checkpointState{
			Version:   checkpointVersion,
			CreatedAt: time.Now().UTC(),
			Completed: make(map[string]completedItem),
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var st checkpointState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}
	if st.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: %s has version %d, this build writes %d",
			ErrCheckpointVersion, path, st.Version, checkpointVersion)
	}
	if st.Completed == nil {
		st.Completed = make(map[string]completedItem)
	}
	cp.state = st
	return cp, nil
}

// Completed reports whether key was already recorded as done.
func (c *Checkpoint) Completed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.state.Completed[key]
	return ok
}

// Len returns how many items are recorded complete.
func (c *Checkpoint) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.Completed)
}

// MarkComplete records key and rewrites the file. Marking an already
// recorded key is a no-op and skips the rewrite.
func (c *Checkpoint) MarkComplete(key, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.state.Completed[key]; ok {
		return nil
	}
	now := time.Now().UTC()
	c.state.Completed[key] = completedItem{Path: path, CompletedAt: now}
	c.state.UpdatedAt = now
	return c.save()
}

// Reset drops every recorded completion and rewrites the file.
func (c *Checkpoint) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Completed = make(map[string]completedItem)
	c.state.UpdatedAt = time.Now().UTC()
	return c.save()
}

// Flush rewrites the file unconditionally. The engine calls this at the
// end of a run and on cancellation so no recorded completion is lost.
func (c *Checkpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save()
}

func (c *Checkpoint) save() error {
	data, err := json.MarshalIndent(&c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
