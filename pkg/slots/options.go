package slots

import "time"

// Option is a functional option for configuring a Manager.
type Option interface {
	apply(*Manager)
}

type optionFunc func(*Manager)

func (f optionFunc) apply(m *Manager) {
	f(m)
}

// WithMaxCapacity sets the auto-scaling ceiling. Default is
// DefaultMaxCapacity.
func WithMaxCapacity(n int) Option {
	return optionFunc(func(m *Manager) {
		if n >= 1 {
			m.maxCapacity = n
		}
	})
}

// WithInitialCapacity sets the starting capacity instead of the
// min(GOMAXPROCS-1, 4) default. The value is clamped to [1, max capacity].
func WithInitialCapacity(n int) Option {
	return optionFunc(func(m *Manager) {
		m.capacity = n
	})
}

// WithFixedCapacity pins capacity at n for the manager's lifetime and
// disables auto-scaling: Adjust becomes a no-op.
func WithFixedCapacity(n int) Option {
	return optionFunc(func(m *Manager) {
		m.capacity = n
		if n > m.maxCapacity {
			m.maxCapacity = n
		}
		m.fixed = true
	})
}

// WithMemoryLimit sets the heap size in bytes above which the memory guard
// forces capacity to 1. Default is DefaultMemoryLimit.
func WithMemoryLimit(bytes uint64) Option {
	return optionFunc(func(m *Manager) {
		if bytes > 0 {
			m.memLimit = bytes
		}
	})
}

// WithMemProbe replaces the heap usage reading used by Adjust. The default
// reads runtime.MemStats.HeapAlloc. Intended for tests.
func WithMemProbe(fn func() uint64) Option {
	return optionFunc(func(m *Manager) {
		if fn != nil {
			m.memProbe = fn
		}
	})
}

// WithClock replaces the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return optionFunc(func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	})
}
