package photocache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// EntrySchemaVersion is bumped whenever the Entry envelope changes shape.
// Entries written under an older version are treated as misses.
const EntrySchemaVersion = 1

// Entry is the envelope persisted for every cached result.
type Entry struct {
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	SchemaVersion int             `json:"schema_version"`
}

// Stats reports cache effectiveness for the current process plus the
// backend's persistent footprint.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Entries int64
	Bytes   int64
}

// Cache fronts a Store with the entry envelope and hit/miss accounting.
// It is safe for concurrent use. Lookups that fail to decode count as
// misses rather than errors: a corrupted entry is recomputed and
// overwritten, never surfaced to the caller.
type Cache struct {
	store  Store
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache backed by store. The store must be non-nil.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Get looks up key. The second return value reports whether a usable entry
// was found. A backend failure is returned as an error and counted as a
// miss, since the caller will recompute either way.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		c.misses.Add(1)
		return nil, false, fmt.Errorf("cache get %s: %w", shortKey(key), err)
	}
	if data == nil {
		c.misses.Add(1)
		return nil, false, nil
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupted entry. Drop it so the rewrite is not racing a bad read.
		c.misses.Add(1)
		_ = c.store.Delete(ctx, key)
		return nil, false, nil
	}
	if e.SchemaVersion != EntrySchemaVersion {
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return &e, true, nil
}

// Put stores payload under key, stamping the envelope with the current
// time and schema version. An existing entry is overwritten.
func (c *Cache) Put(ctx context.Context, key string, payload json.RawMessage) error {
	e := Entry{
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: EntrySchemaVersion,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", shortKey(key), err)
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("cache put %s: %w", shortKey(key), err)
	}
	return nil
}

// Clear removes every entry from the backend. The in-process hit and miss
// counters keep counting across a clear.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Stats combines the in-process counters with the backend's usage.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}

	usage, err := c.store.Usage(ctx)
	if err != nil {
		return st, fmt.Errorf("cache usage: %w", err)
	}
	st.Entries = usage.Entries
	st.Bytes = usage.Bytes
	return st, nil
}

// shortKey trims a key for error messages and logs.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
