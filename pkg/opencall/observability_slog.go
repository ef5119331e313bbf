package opencall

import (
	"context"
	"log/slog"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/slots"
)

// SlogObserver implements Observer using Go's structured logging (log/slog).
// This emits structured logs for all run events.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	observer := opencall.NewSlogObserver(logger, slog.LevelInfo)
//	engine, _ := opencall.NewEngine(analyzer, cache, cp, opencall.WithObserver(observer))
type SlogObserver struct {
	logger   *slog.Logger
	minLevel slog.Level
}

// NewSlogObserver creates an observer that logs to the given slog.Logger.
// Only events at or above minLevel will be logged.
func NewSlogObserver(logger *slog.Logger, minLevel slog.Level) *SlogObserver {
	return &SlogObserver{
		logger:   logger,
		minLevel: minLevel,
	}
}

func (o *SlogObserver) OnRunStart(ctx context.Context, event *RunStartEvent) {
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "run started",
			slog.String("run_id", event.RunID),
			slog.Int("total_items", event.TotalItems),
			slog.Int("resumed", event.Resumed),
		)
	}
}

func (o *SlogObserver) OnRunEnd(ctx context.Context, event *RunEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "run canceled",
				slog.String("run_id", event.RunID),
				slog.Duration("duration", event.Duration),
				slog.Int("done", event.Report.Cached+event.Report.Computed),
				slog.Int("failed", event.Report.Failed),
				slog.String("error", event.Error.Error()),
			)
		}
	} else {
		if o.minLevel <= slog.LevelInfo {
			o.logger.InfoContext(ctx, "run completed",
				slog.String("run_id", event.RunID),
				slog.Duration("duration", event.Duration),
				slog.Int("total", event.Report.Total),
				slog.Int("cached", event.Report.Cached),
				slog.Int("computed", event.Report.Computed),
				slog.Int("failed", event.Report.Failed),
				slog.Float64("hit_rate", event.Report.HitRate),
			)
		}
	}
	if event.CheckpointErr != nil && o.minLevel <= slog.LevelWarn {
		o.logger.WarnContext(ctx, "checkpoint flush failed",
			slog.String("run_id", event.RunID),
			slog.String("error", event.CheckpointErr.Error()),
		)
	}
}

func (o *SlogObserver) OnItemStart(ctx context.Context, event *ItemStartEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "item started",
			slog.String("run_id", event.RunID),
			slog.String("path", event.Path),
			slog.String("key", shortKey(event.Key)),
		)
	}
}

func (o *SlogObserver) OnItemEnd(ctx context.Context, event *ItemEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "item failed",
				slog.String("run_id", event.RunID),
				slog.String("path", event.Path),
				slog.String("key", shortKey(event.Key)),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
	} else {
		if o.minLevel <= slog.LevelDebug {
			o.logger.DebugContext(ctx, "item completed",
				slog.String("run_id", event.RunID),
				slog.String("path", event.Path),
				slog.String("key", shortKey(event.Key)),
				slog.String("status", string(event.Status)),
				slog.Duration("duration", event.Duration),
			)
		}
	}
	if event.CacheWriteErr != nil && o.minLevel <= slog.LevelWarn {
		o.logger.WarnContext(ctx, "cache write failed",
			slog.String("run_id", event.RunID),
			slog.String("path", event.Path),
			slog.String("error", event.CacheWriteErr.Error()),
		)
	}
	if event.CheckpointErr != nil && o.minLevel <= slog.LevelWarn {
		o.logger.WarnContext(ctx, "checkpoint write failed",
			slog.String("run_id", event.RunID),
			slog.String("path", event.Path),
			slog.String("error", event.CheckpointErr.Error()),
		)
	}
}

func (o *SlogObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	if event.Error != nil {
		// Backend trouble on a lookup is a data-integrity warning even
		// though the run proceeds as if it were a miss.
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "cache check failed",
				slog.String("run_id", event.RunID),
				slog.String("path", event.Path),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "cache check",
			slog.String("run_id", event.RunID),
			slog.String("path", event.Path),
			slog.String("key", shortKey(event.Key)),
			slog.Bool("hit", event.Hit),
			slog.Duration("latency", event.Latency),
		)
	}
}

func (o *SlogObserver) OnProgress(ctx context.Context, event *ProgressEvent) {
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "progress",
			slog.String("run_id", event.RunID),
			slog.Int("done", event.Done),
			slog.Int("failed", event.Failed),
			slog.Int("total", event.Total),
			slog.Int("cache_hits", event.CacheHits),
			slog.Int("active", event.Slots.Active),
			slog.Int("capacity", event.Slots.Capacity),
			slog.Float64("items_per_second", event.ItemsPerSecond),
			slog.Duration("eta", event.ETA),
		)
	}
}

func (o *SlogObserver) OnScale(ctx context.Context, event *ScaleEvent) {
	if event.Reason == slots.AdjustMemoryGuard {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "memory guard engaged",
				slog.String("run_id", event.RunID),
				slog.Int("from", event.From),
				slog.Int("to", event.To),
				slog.Uint64("heap_bytes", event.HeapBytes),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "capacity adjusted",
			slog.String("run_id", event.RunID),
			slog.Int("from", event.From),
			slog.Int("to", event.To),
			slog.String("reason", string(event.Reason)),
			slog.Duration("avg_latency", event.AvgLatency),
			slog.Duration("baseline", event.Baseline),
		)
	}
}

// shortKey trims a cache key for log lines.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
