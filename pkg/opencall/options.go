package opencall

import (
	"time"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/slots"
)

// Option is a functional option for configuring an Engine.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) {
	f(c)
}

// WithSlots supplies a preconfigured slot manager. Without this option the
// engine builds one with default auto-scaling settings.
func WithSlots(m *slots.Manager) Option {
	return optionFunc(func(c *config) {
		if m != nil {
			c.slots = m
		}
	})
}

// WithObserver attaches an observer for run events.
// Use a MultiObserver to attach more than one.
func WithObserver(o Observer) Option {
	return optionFunc(func(c *config) {
		if o != nil {
			c.observer = o
		}
	})
}

// WithItemTimeout bounds each analyzer call. On expiry the item is recorded
// as failed and its slot released; it is never retried within the run.
// Zero disables the per-item deadline.
func WithItemTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.itemTimeout = d
	})
}

// WithProgressInterval emits a progress snapshot every n completions.
// Zero or negative disables progress events.
func WithProgressInterval(n int) Option {
	return optionFunc(func(c *config) {
		c.progressInterval = n
	})
}

// WithRunID pins the run identifier instead of generating one per run.
// Useful for correlating logs across a scripted rerun.
func WithRunID(id string) Option {
	return optionFunc(func(c *config) {
		c.runID = id
	})
}

// WithoutCacheLookup disables cache reads for the run, forcing every item
// through the analyzer. Results are still written to the cache, so this is
// a refresh, not a bypass.
func WithoutCacheLookup() Option {
	return optionFunc(func(c *config) {
		c.skipLookup = true
	})
}

// WithFileReader replaces how image bytes are loaded. Intended for tests.
func WithFileReader(read func(path string) ([]byte, error)) Option {
	return optionFunc(func(c *config) {
		if read != nil {
			c.readFile = read
		}
	})
}
