package opencall

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/photocache"
	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/slots"
)

// Default engine tuning. Scoring one image through a local vision model
// takes seconds to minutes, so the per-item deadline is generous.
const (
	DefaultItemTimeout      = 2 * time.Minute
	DefaultProgressInterval = 10
)

// Analyzer scores a single image and returns the raw result payload.
// Implementations talk to the inference backend; the engine never
// interprets the payload beyond caching and reporting it.
//
// Analyze must honor ctx cancellation: the engine applies the per-item
// timeout through it. The engine provides the concurrency limiting, so
// implementations may be invoked from several goroutines at once.
type Analyzer interface {
	Analyze(ctx context.Context, item WorkItem, data []byte) (json.RawMessage, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, item WorkItem, data []byte) (json.RawMessage, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, item WorkItem, data []byte) (json.RawMessage, error) {
	return f(ctx, item, data)
}

type config struct {
	slots            *slots.Manager
	observer         Observer
	itemTimeout      time.Duration
	progressInterval int
	runID            string
	skipLookup       bool
	readFile         func(path string) ([]byte, error)
}

// Engine drives a batch of work items to completion: cache lookup first,
// slot admission and analyzer call on a miss, checkpoint marks as items
// finish, progress snapshots along the way. One engine can serve many
// sequential runs; each Run owns its own bookkeeping.
type Engine struct {
	analyzer   Analyzer
	cache      *photocache.Cache
	checkpoint *Checkpoint
	cfg        config
}

// NewEngine wires an engine. The analyzer and cache are required; the
// checkpoint may be nil when resumability is not wanted.
func NewEngine(analyzer Analyzer, cache *photocache.Cache, checkpoint *Checkpoint, opts ...Option) (*Engine, error) {
	if analyzer == nil {
		return nil, ErrNoAnalyzer
	}
	if cache == nil {
		return nil, ErrNoCache
	}

	cfg := config{
		observer:         NoOpObserver{},
		itemTimeout:      DefaultItemTimeout,
		progressInterval: DefaultProgressInterval,
		readFile:         os.ReadFile,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.slots == nil {
		cfg.slots = slots.New()
	}

	return &Engine{
		analyzer:   analyzer,
		cache:      cache,
		checkpoint: checkpoint,
		cfg:        cfg,
	}, nil
}

// Slots exposes the engine's slot manager, mainly for end-of-run stats.
func (e *Engine) Slots() *slots.Manager {
	return e.cfg.slots
}

// Run processes every item and returns a report covering all of them.
// Failed items are recorded in the report rather than returned as an
// error: partial failure is an expected outcome, and the next run will
// retry exactly the items that have no cache entry. The returned error is
// non-nil only when ctx was canceled before the batch finished.
//
// Items are admitted in their enumerated order. The coordinating loop
// performs the cache lookups itself, so hits complete immediately and
// never consume a slot; only misses suspend it at the slot manager.
func (e *Engine) Run(ctx context.Context, items []WorkItem) (*RunReport, error) {
	runID := e.cfg.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	st := &runState{
		engine:  e,
		runID:   runID,
		total:   len(items),
		started: time.Now(),
		results: make([]ItemResult, len(items)),
	}

	resumed := 0
	if e.checkpoint != nil {
		resumed = e.checkpoint.Len()
	}
	e.cfg.observer.OnRunStart(ctx, &RunStartEvent{
		RunID:      runID,
		TotalItems: len(items),
		Resumed:    resumed,
		StartTime:  st.started,
	})

	var wg sync.WaitGroup
	// Tracks keys already dispatched for computation in this run, so a
	// later duplicate knows to look again once it holds a slot.
	keysSeen := make(map[string]bool, len(items))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			e.skipCanceled(ctx, st, i, item, err)
			continue
		}

		key := item.Key()

		if !e.cfg.skipLookup {
			if entry, ok := e.lookup(ctx, runID, item, key); ok {
				e.finishCached(ctx, st, i, item, key, entry.Payload)
				continue
			}
		}

		dup := keysSeen[key]
		keysSeen[key] = true

		slot, err := e.cfg.slots.Acquire(ctx)
		if err != nil {
			e.skipCanceled(ctx, st, i, item, err)
			continue
		}

		wg.Add(1)
		go func(idx int, it WorkItem, k string, s *slots.Slot, recheck bool) {
			defer wg.Done()
			e.process(ctx, st, idx, it, k, s, recheck)
		}(i, item, key, slot, dup)
	}

	wg.Wait()

	// Cancellation or not, completed work must be on disk before we return.
	var cpErr error
	if e.checkpoint != nil {
		cpErr = e.checkpoint.Flush()
	}

	finished := time.Now()
	report := st.buildReport(finished)
	e.cfg.observer.OnRunEnd(ctx, &RunEndEvent{
		RunID:         runID,
		Duration:      finished.Sub(st.started),
		Report:        report,
		Error:         ctx.Err(),
		CheckpointErr: cpErr,
	})

	return report, ctx.Err()
}

// process runs on its own goroutine with the slot already held.
func (e *Engine) process(ctx context.Context, st *runState, idx int, item WorkItem, key string, slot *slots.Slot, recheck bool) {
	// An identical item dispatched earlier may have landed its result
	// while this one waited for admission. Looking again avoids paying
	// the analyzer twice for the same bytes.
	if recheck && !e.cfg.skipLookup {
		if entry, ok := e.lookup(ctx, st.runID, item, key); ok {
			e.cfg.slots.Release(slot)
			e.finishCached(ctx, st, idx, item, key, entry.Payload)
			return
		}
	}
	e.compute(ctx, st, idx, item, key, slot)
}

func (e *Engine) compute(ctx context.Context, st *runState, idx int, item WorkItem, key string, slot *slots.Slot) {
	start := time.Now()
	e.cfg.observer.OnItemStart(ctx, &ItemStartEvent{
		RunID:     st.runID,
		Path:      item.Path,
		Key:       key,
		StartTime: start,
	})

	data, err := e.cfg.readFile(item.Path)
	if err != nil {
		e.cfg.slots.Release(slot)
		e.failItem(ctx, st, idx, item, key, time.Since(start), false, fmt.Errorf("failed to read image: %w", err))
		return
	}

	itemCtx := ctx
	if e.cfg.itemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, e.cfg.itemTimeout)
		defer cancel()
	}

	payload, err := e.analyzer.Analyze(itemCtx, item, data)
	elapsed := time.Since(start)
	if err != nil {
		// The slot never leaks on the error path, and a failed attempt is
		// never cached; the next run will retry it.
		e.cfg.slots.Release(slot)
		timedOut := itemCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		e.failItem(ctx, st, idx, item, key, elapsed, timedOut, err)
		return
	}

	e.cfg.slots.ReportLatency(slot, elapsed)

	var cacheErr, cpErr error
	if err := e.cache.Put(ctx, key, payload); err != nil {
		cacheErr = err
	} else if e.checkpoint != nil {
		// Completion is recorded only once the result is persisted; a
		// failed write leaves the item eligible for the next run.
		if err := e.checkpoint.MarkComplete(key, item.Path); err != nil {
			cpErr = err
		}
	}

	e.cfg.slots.Release(slot)

	res := ItemResult{
		Path:     item.Path,
		Key:      key,
		Status:   StatusComputed,
		Payload:  payload,
		Duration: elapsed,
	}
	if cacheErr != nil {
		res.CacheWriteErr = cacheErr.Error()
	}
	if cpErr != nil {
		res.CheckpointErr = cpErr.Error()
	}
	e.cfg.observer.OnItemEnd(ctx, &ItemEndEvent{
		RunID:         st.runID,
		Path:          item.Path,
		Key:           key,
		Status:        StatusComputed,
		Duration:      elapsed,
		CacheWriteErr: cacheErr,
		CheckpointErr: cpErr,
	})
	st.finish(ctx, idx, res, true)
}

// lookup consults the cache and emits the check event. Backend errors are
// reported through the observer and treated as misses.
func (e *Engine) lookup(ctx context.Context, runID string, item WorkItem, key string) (*photocache.Entry, bool) {
	start := time.Now()
	entry, ok, err := e.cache.Get(ctx, key)
	e.cfg.observer.OnCacheCheck(ctx, &CacheCheckEvent{
		RunID:   runID,
		Path:    item.Path,
		Key:     key,
		Hit:     ok,
		Latency: time.Since(start),
		Error:   err,
	})
	if err != nil || !ok {
		return nil, false
	}
	return entry, true
}

func (e *Engine) finishCached(ctx context.Context, st *runState, idx int, item WorkItem, key string, payload json.RawMessage) {
	// Hits count toward the checkpoint too; marking an already recorded
	// key is a no-op, so resumed items cost nothing here.
	var cpErr error
	if e.checkpoint != nil {
		if err := e.checkpoint.MarkComplete(key, item.Path); err != nil {
			cpErr = err
		}
	}

	res := ItemResult{
		Path:    item.Path,
		Key:     key,
		Status:  StatusCached,
		Payload: payload,
	}
	if cpErr != nil {
		res.CheckpointErr = cpErr.Error()
	}
	e.cfg.observer.OnItemEnd(ctx, &ItemEndEvent{
		RunID:         st.runID,
		Path:          item.Path,
		Key:           key,
		Status:        StatusCached,
		CheckpointErr: cpErr,
	})
	st.finish(ctx, idx, res, false)
}

func (e *Engine) failItem(ctx context.Context, st *runState, idx int, item WorkItem, key string, elapsed time.Duration, timedOut bool, cause error) {
	ierr := &ItemError{
		RunID:   st.runID,
		Path:    item.Path,
		Key:     key,
		Timeout: timedOut,
		Cause:   cause,
	}
	e.cfg.observer.OnItemEnd(ctx, &ItemEndEvent{
		RunID:    st.runID,
		Path:     item.Path,
		Key:      key,
		Status:   StatusFailed,
		Duration: elapsed,
		Error:    ierr,
	})
	st.finish(ctx, idx, ItemResult{
		Path:     item.Path,
		Key:      key,
		Status:   StatusFailed,
		Err:      ierr.Error(),
		Duration: elapsed,
	}, true)
}

// skipCanceled records an item the run never dispatched because ctx was
// already done. It still appears in the report so every input has an
// accounted outcome.
func (e *Engine) skipCanceled(ctx context.Context, st *runState, idx int, item WorkItem, cause error) {
	key := item.Key()
	ierr := &ItemError{RunID: st.runID, Path: item.Path, Key: key, Cause: cause}
	e.cfg.observer.OnItemEnd(ctx, &ItemEndEvent{
		RunID:  st.runID,
		Path:   item.Path,
		Key:    key,
		Status: StatusFailed,
		Error:  ierr,
	})
	st.finish(ctx, idx, ItemResult{
		Path:   item.Path,
		Key:    key,
		Status: StatusFailed,
		Err:    ierr.Error(),
	}, false)
}

// runState tracks the shared counters for one Run invocation. Results are
// stored by item index so the report preserves enumeration order no matter
// when each item completes.
type runState struct {
	engine  *Engine
	runID   string
	total   int
	started time.Time

	mu        sync.Mutex
	done      int
	cacheHits int
	computed  int
	failed    int
	results   []ItemResult
}

// finish records a terminal result, then runs the capacity feedback loop
// and progress emission outside the lock.
func (st *runState) finish(ctx context.Context, idx int, res ItemResult, adjust bool) {
	st.mu.Lock()
	st.results[idx] = res
	st.done++
	switch res.Status {
	case StatusCached:
		st.cacheHits++
	case StatusComputed:
		st.computed++
	case StatusFailed:
		st.failed++
	}
	progress, emit := st.progressLocked()
	st.mu.Unlock()

	if adjust {
		if adj := st.engine.cfg.slots.Adjust(); adj.Reason != slots.AdjustNone {
			st.engine.cfg.observer.OnScale(ctx, &ScaleEvent{
				RunID:      st.runID,
				From:       adj.From,
				To:         adj.To,
				Reason:     adj.Reason,
				AvgLatency: adj.AvgLatency,
				Baseline:   adj.Baseline,
				HeapBytes:  adj.HeapBytes,
			})
		}
	}
	if emit {
		st.engine.cfg.observer.OnProgress(ctx, progress)
	}
}

func (st *runState) progressLocked() (*ProgressEvent, bool) {
	interval := st.engine.cfg.progressInterval
	if interval <= 0 || st.done == 0 || st.done%interval != 0 {
		return nil, false
	}

	elapsed := time.Since(st.started)
	ev := &ProgressEvent{
		RunID:     st.runID,
		Done:      st.done,
		Failed:    st.failed,
		Total:     st.total,
		CacheHits: st.cacheHits,
		Slots:     st.engine.cfg.slots.Stats(),
		Elapsed:   elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		ev.ItemsPerSecond = float64(st.done) / secs
		if remaining := st.total - st.done; remaining > 0 && ev.ItemsPerSecond > 0 {
			ev.ETA = time.Duration(float64(remaining) / ev.ItemsPerSecond * float64(time.Second))
		}
	}
	return ev, true
}

func (st *runState) buildReport(finished time.Time) *RunReport {
	st.mu.Lock()
	defer st.mu.Unlock()

	r := &RunReport{
		RunID:      st.runID,
		StartedAt:  st.started,
		FinishedAt: finished,
		Total:      st.total,
		Cached:     st.cacheHits,
		Computed:   st.computed,
		Failed:     st.failed,
		Items:      append([]ItemResult(nil), st.results...),
	}
	if st.total > 0 {
		r.HitRate = float64(st.cacheHits) / float64(st.total)
	}
	return r
}
