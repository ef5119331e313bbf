package opencall

import (
	"context"
	"time"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/slots"
)

// Observer is the interface for observing batch run events.
// Implementations can emit metrics, logs, or traces to their observability backend.
//
// All Observer methods are called synchronously during the run, so implementations
// should be fast and non-blocking. For expensive operations (e.g., network calls),
// consider buffering events and processing them asynchronously.
//
// Example implementations:
//   - Prometheus metrics collector
//   - OpenTelemetry tracer
//   - Structured logger (log/slog)
//   - Custom metrics aggregator
type Observer interface {
	// OnRunStart is called once when the batch run begins.
	OnRunStart(ctx context.Context, event *RunStartEvent)

	// OnRunEnd is called once when the batch run finishes (complete or canceled).
	OnRunEnd(ctx context.Context, event *RunEndEvent)

	// OnItemStart is called when an item begins a fresh computation.
	// Cache hits never produce this event.
	OnItemStart(ctx context.Context, event *ItemStartEvent)

	// OnItemEnd is called when an item reaches any terminal status.
	OnItemEnd(ctx context.Context, event *ItemEndEvent)

	// OnCacheCheck is called for every cache lookup.
	OnCacheCheck(ctx context.Context, event *CacheCheckEvent)

	// OnProgress is called every N completions with a throughput snapshot.
	OnProgress(ctx context.Context, event *ProgressEvent)

	// OnScale is called when the slot manager changes capacity.
	OnScale(ctx context.Context, event *ScaleEvent)
}

// RunStartEvent is emitted when the batch run begins.
type RunStartEvent struct {
	RunID      string
	TotalItems int
	Resumed    int // items already recorded complete by the checkpoint
	StartTime  time.Time
}

// RunEndEvent is emitted when the batch run finishes.
type RunEndEvent struct {
	RunID         string
	Duration      time.Duration
	Report        *RunReport
	Error         error // nil unless the run was canceled
	CheckpointErr error // non-nil when the final checkpoint flush failed
}

// ItemStartEvent is emitted when an item begins a fresh computation.
type ItemStartEvent struct {
	RunID     string
	Path      string
	Key       string
	StartTime time.Time
}

// ItemEndEvent is emitted when an item completes.
type ItemEndEvent struct {
	RunID    string
	Path     string
	Key      string
	Status   ItemStatus
	Duration time.Duration
	Error    error // nil unless Status is failed
	// CacheWriteErr reports a computed result that failed to persist.
	CacheWriteErr error
	// CheckpointErr reports a completion that failed to record.
	CheckpointErr error
}

// CacheCheckEvent is emitted for every cache lookup.
type CacheCheckEvent struct {
	RunID   string
	Path    string
	Key     string
	Hit     bool          // true if cache hit, false if miss
	Latency time.Duration // time spent checking the cache
	Error   error         // nil if the check itself succeeded
}

// ProgressEvent is emitted every N completions.
type ProgressEvent struct {
	RunID          string
	Done           int
	Failed         int
	Total          int
	CacheHits      int
	Slots          slots.Stats
	Elapsed        time.Duration
	ItemsPerSecond float64
	ETA            time.Duration
}

// ScaleEvent is emitted when slot capacity changes.
type ScaleEvent struct {
	RunID      string
	From       int
	To         int
	Reason     slots.AdjustReason
	AvgLatency time.Duration
	Baseline   time.Duration
	HeapBytes  uint64
}

// NoOpObserver is a no-op implementation of Observer.
// Useful as a base for partial implementations.
type NoOpObserver struct{}

func (NoOpObserver) OnRunStart(ctx context.Context, event *RunStartEvent)     {}
func (NoOpObserver) OnRunEnd(ctx context.Context, event *RunEndEvent)         {}
func (NoOpObserver) OnItemStart(ctx context.Context, event *ItemStartEvent)   {}
func (NoOpObserver) OnItemEnd(ctx context.Context, event *ItemEndEvent)       {}
func (NoOpObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {}
func (NoOpObserver) OnProgress(ctx context.Context, event *ProgressEvent)     {}
func (NoOpObserver) OnScale(ctx context.Context, event *ScaleEvent)           {}

// MultiObserver combines multiple observers into one.
// Events are sent to all observers in order.
type MultiObserver struct {
	Observers []Observer
}

func (m *MultiObserver) OnRunStart(ctx context.Context, event *RunStartEvent) {
	for _, obs := range m.Observers {
		obs.OnRunStart(ctx, event)
	}
}

func (m *MultiObserver) OnRunEnd(ctx context.Context, event *RunEndEvent) {
	for _, obs := range m.Observers {
		obs.OnRunEnd(ctx, event)
	}
}

func (m *MultiObserver) OnItemStart(ctx context.Context, event *ItemStartEvent) {
	for _, obs := range m.Observers {
		obs.OnItemStart(ctx, event)
	}
}

func (m *MultiObserver) OnItemEnd(ctx context.Context, event *ItemEndEvent) {
	for _, obs := range m.Observers {
		obs.OnItemEnd(ctx, event)
	}
}

func (m *MultiObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	for _, obs := range m.Observers {
		obs.OnCacheCheck(ctx, event)
	}
}

func (m *MultiObserver) OnProgress(ctx context.Context, event *ProgressEvent) {
	for _, obs := range m.Observers {
		obs.OnProgress(ctx, event)
	}
}

func (m *MultiObserver) OnScale(ctx context.Context, event *ScaleEvent) {
	for _, obs := range m.Observers {
		obs.OnScale(ctx, event)
	}
}
