// Package slots provides a bounded-capacity admission controller with
// closed-loop auto-scaling. Each Slot is a permit to run one unit of work;
// the Manager adjusts how many permits exist based on observed latency and
// process heap usage.
package slots

import (
	"context"
	"runtime"
	"sync"
	"time"
)

const (
	// DefaultMaxCapacity is the auto-scaling ceiling.
	DefaultMaxCapacity = 6

	// DefaultMemoryLimit is the heap size above which the memory guard
	// forces capacity down to 1.
	DefaultMemoryLimit = 400 << 20 // 400 MiB

	// ewmaAlpha weighs the newest latency sample in the rolling average.
	ewmaAlpha = 0.2

	// baselineSampleCount is how many samples the average needs before it
	// is frozen as the scaling baseline.
	baselineSampleCount = 3

	// scaleUpThreshold and scaleDownThreshold bound the hysteresis band
	// around the baseline. Averages inside the band leave capacity alone.
	scaleUpThreshold   = 1.2
	scaleDownThreshold = 2.0
)

// Slot is a concurrency permit issued by Acquire. A slot is held by exactly
// one unit of work at a time and must be released exactly once.
type Slot struct {
	issuedAt time.Time
	released bool // guarded by the issuing Manager's mutex
}

// IssuedAt reports when the slot was granted.
func (s *Slot) IssuedAt() time.Time { return s.issuedAt }

// AdjustReason explains the outcome of an Adjust call.
type AdjustReason string

const (
	// AdjustNone means capacity was left unchanged.
	AdjustNone AdjustReason = "none"

	// AdjustScaleUp means the average latency was comfortably under the
	// baseline and capacity grew by one.
	AdjustScaleUp AdjustReason = "latency-fast"

	// AdjustScaleDown means the average latency exceeded twice the
	// baseline and capacity shrank by one.
	AdjustScaleDown AdjustReason = "latency-slow"

	// AdjustMemoryGuard means heap usage exceeded the memory limit and
	// capacity was forced to 1.
	AdjustMemoryGuard AdjustReason = "memory-guard"
)

// Adjustment is the result of one Adjust call.
type Adjustment struct {
	From       int
	To         int
	Reason     AdjustReason
	AvgLatency time.Duration
	Baseline   time.Duration
	HeapBytes  uint64
}

// Changed reports whether the adjustment moved capacity.
func (a Adjustment) Changed() bool { return a.From != a.To }

// Stats is a point-in-time snapshot of manager state. Taking a snapshot
// never suspends callers.
type Stats struct {
	Active         int
	Capacity       int
	Waiting        int
	MemoryBytes    uint64
	MemoryGuarded  bool
	AvgLatency     time.Duration
	Baseline       time.Duration
	ItemsProcessed int64
	ItemsPerSecond float64
}

// Manager is the admission controller. All mutable state (capacity, active
// count, the FIFO wait queue, and the latency statistics) is serialized
// through one mutex.
type Manager struct {
	mu       sync.Mutex
	capacity int
	active   int
	waiters  []chan struct{}

	maxCapacity int
	fixed       bool

	avgMs      float64
	samples    int
	baselineMs float64
	processed  int64

	memLimit uint64
	lastHeap uint64
	memGuard bool

	now       func() time.Time
	memProbe  func() uint64
	startedAt time.Time
}

// New creates a Manager. Without options the initial capacity is
// min(GOMAXPROCS-1, 4) with a floor of 1, leaving one unit of host
// parallelism free for bookkeeping.
func New(opts ...Option) *Manager {
	m := &Manager{
		maxCapacity: DefaultMaxCapacity,
		memLimit:    DefaultMemoryLimit,
		now:         time.Now,
		memProbe:    heapAlloc,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	if m.capacity == 0 {
		m.capacity = defaultInitialCapacity()
	}
	if m.capacity > m.maxCapacity {
		m.capacity = m.maxCapacity
	}
	if m.capacity < 1 {
		m.capacity = 1
	}
	m.startedAt = m.now()
	return m
}

func defaultInitialCapacity() int {
	n := runtime.GOMAXPROCS(0) - 1
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Acquire returns a slot, suspending the caller while the manager is at
// capacity. Waiters are served in arrival order; a released or newly created
// permit is handed directly to the head of the queue, so later callers can
// never barge past earlier ones. Acquire returns ctx.Err() if the context
// ends first.
func (m *Manager) Acquire(ctx context.Context) (*Slot, error) {
	m.mu.Lock()
	if m.active < m.capacity && len(m.waiters) == 0 {
		m.active++
		s := &Slot{issuedAt: m.now()}
		m.mu.Unlock()
		return s, nil
	}

	ready := make(chan struct{})
	m.waiters = append(m.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		m.mu.Lock()
		s := &Slot{issuedAt: m.now()}
		m.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		m.mu.Lock()
		if !m.removeWaiter(ready) {
			// The grant arrived concurrently with cancellation and is
			// already counted in active; pass it on or free it.
			m.releaseGrant()
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a slot to the manager, waking the longest-waiting caller
// if capacity allows. Releasing a slot twice, or releasing nil, is a
// programming error and panics.
func (m *Manager) Release(s *Slot) {
	if s == nil {
		panic("slots: release of nil slot")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.released {
		panic("slots: slot released twice")
	}
	s.released = true
	m.releaseGrant()
}

// releaseGrant hands one permit to the head waiter when capacity allows,
// otherwise frees it. Callers must hold mu.
func (m *Manager) releaseGrant() {
	if len(m.waiters) > 0 && m.active <= m.capacity {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(w)
		return
	}
	m.active--
}

// removeWaiter takes ready out of the queue, reporting false if it was
// already signaled and is no longer queued. Callers must hold mu.
func (m *Manager) removeWaiter(ready chan struct{}) bool {
	for i, w := range m.waiters {
		if w == ready {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// ReportLatency feeds one observed per-item duration into the rolling
// average. The first stable average, reached after baselineSampleCount
// samples, becomes the baseline and is never overwritten, so scaling
// decisions stay relative to early-run performance.
func (m *Manager) ReportLatency(s *Slot, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(d) / float64(time.Millisecond)
	if m.samples == 0 {
		m.avgMs = ms
	} else {
		m.avgMs = ewmaAlpha*ms + (1-ewmaAlpha)*m.avgMs
	}
	m.samples++
	m.processed++

	if m.baselineMs == 0 && m.samples >= baselineSampleCount {
		m.baselineMs = m.avgMs
	}
}

// Adjust applies one scaling decision and reports what it did. The memory
// guard runs first: heap above the limit forces capacity to 1 and holds it
// there until a later check sees heap back under the limit. Otherwise the
// latency rules apply once a baseline exists: scale up by one under
// baseline*1.2, down by one over baseline*2.0, no change inside the band.
// In fixed mode Adjust never moves capacity.
func (m *Manager) Adjust() Adjustment {
	m.mu.Lock()
	defer m.mu.Unlock()

	heap := m.memProbe()
	m.lastHeap = heap

	adj := Adjustment{
		From:       m.capacity,
		To:         m.capacity,
		Reason:     AdjustNone,
		AvgLatency: durationFromMs(m.avgMs),
		Baseline:   durationFromMs(m.baselineMs),
		HeapBytes:  heap,
	}

	if m.fixed {
		return adj
	}

	if heap > m.memLimit {
		m.memGuard = true
		if m.capacity != 1 {
			m.setCapacity(1)
			adj.To = m.capacity
			adj.Reason = AdjustMemoryGuard
		}
		return adj
	}
	m.memGuard = false

	if m.baselineMs == 0 {
		return adj
	}

	switch {
	case m.avgMs < m.baselineMs*scaleUpThreshold:
		if m.capacity < m.maxCapacity {
			m.setCapacity(m.capacity + 1)
			adj.To = m.capacity
			adj.Reason = AdjustScaleUp
		}
	case m.avgMs > m.baselineMs*scaleDownThreshold:
		if m.capacity > 1 {
			m.setCapacity(m.capacity - 1)
			adj.To = m.capacity
			adj.Reason = AdjustScaleDown
		}
	}

	return adj
}

// setCapacity changes capacity and wakes queued waiters for any newly
// created permits. Shrinking never revokes issued slots; the surplus drains
// as they are released. Callers must hold mu.
func (m *Manager) setCapacity(n int) {
	if n < 1 {
		n = 1
	}
	m.capacity = n
	for m.active < m.capacity && len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.active++
		close(w)
	}
}

// Stats returns a snapshot of the manager state. MemoryBytes is the heap
// reading taken by the most recent Adjust call.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rate float64
	if elapsed := m.now().Sub(m.startedAt).Seconds(); elapsed > 0 {
		rate = float64(m.processed) / elapsed
	}

	return Stats{
		Active:         m.active,
		Capacity:       m.capacity,
		Waiting:        len(m.waiters),
		MemoryBytes:    m.lastHeap,
		MemoryGuarded:  m.memGuard,
		AvgLatency:     durationFromMs(m.avgMs),
		Baseline:       durationFromMs(m.baselineMs),
		ItemsProcessed: m.processed,
		ItemsPerSecond: rate,
	}
}

func durationFromMs(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
