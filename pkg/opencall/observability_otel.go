package opencall

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver implements Observer using OpenTelemetry for traces and metrics.
// This provides automatic integration with OTLP exporters (Jaeger, Tempo, Datadog, etc.).
//
// Example:
//
//	tracer := otel.Tracer("opencall")
//	meter := otel.Meter("opencall")
//	observer, _ := opencall.NewOTelObserver(tracer, meter)
//	engine, _ := opencall.NewEngine(analyzer, cache, cp, opencall.WithObserver(observer))
type OTelObserver struct {
	tracer trace.Tracer

	// Metrics
	runDuration       metric.Float64Histogram
	itemDuration      metric.Float64Histogram
	items             metric.Int64Counter
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
	cacheCheckLatency metric.Float64Histogram
	scaleEvents       metric.Int64Counter
}

// NewOTelObserver creates an OpenTelemetry observer.
func NewOTelObserver(tracer trace.Tracer, meter metric.Meter) (*OTelObserver, error) {
	runDuration, err := meter.Float64Histogram(
		"opencall.run.duration",
		metric.WithDescription("Duration of the batch run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	itemDuration, err := meter.Float64Histogram(
		"opencall.item.duration",
		metric.WithDescription("Duration of per-item scoring in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create item duration histogram: %w", err)
	}

	items, err := meter.Int64Counter(
		"opencall.items",
		metric.WithDescription("Number of completed items"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create items counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"opencall.cache.hits",
		metric.WithDescription("Number of cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"opencall.cache.misses",
		metric.WithDescription("Number of cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	cacheCheckLatency, err := meter.Float64Histogram(
		"opencall.cache.check_latency",
		metric.WithDescription("Latency of cache lookups in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache latency histogram: %w", err)
	}

	scaleEvents, err := meter.Int64Counter(
		"opencall.scale_events",
		metric.WithDescription("Number of slot capacity adjustments"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scale events counter: %w", err)
	}

	return &OTelObserver{
		tracer:            tracer,
		runDuration:       runDuration,
		itemDuration:      itemDuration,
		items:             items,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		cacheCheckLatency: cacheCheckLatency,
		scaleEvents:       scaleEvents,
	}, nil
}

func (o *OTelObserver) OnRunStart(ctx context.Context, event *RunStartEvent) {
	// Create a span for the entire run
	_, span := o.tracer.Start(ctx, "opencall.run",
		trace.WithAttributes(
			attribute.String("run_id", event.RunID),
			attribute.Int("total_items", event.TotalItems),
			attribute.Int("resumed", event.Resumed),
		),
	)
	// Note: In real usage, the span should be stored in context and ended in OnRunEnd
	// For simplicity, we're not managing span lifecycle here - users should use trace.SpanFromContext
	_ = span
}

func (o *OTelObserver) OnRunEnd(ctx context.Context, event *RunEndEvent) {
	// End the span from context
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.Error != nil {
			span.SetStatus(codes.Error, event.Error.Error())
			span.RecordError(event.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	// Record duration metric
	attrs := []attribute.KeyValue{
		attribute.String("run_id", event.RunID),
		attribute.Bool("success", event.Error == nil),
	}
	o.runDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(attrs...))
}

func (o *OTelObserver) OnItemStart(ctx context.Context, event *ItemStartEvent) {
	_, span := o.tracer.Start(ctx, "opencall.item",
		trace.WithAttributes(
			attribute.String("run_id", event.RunID),
			attribute.String("path", event.Path),
			attribute.String("key", shortKey(event.Key)),
		),
	)
	_ = span
}

func (o *OTelObserver) OnItemEnd(ctx context.Context, event *ItemEndEvent) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.Error != nil {
			span.SetStatus(codes.Error, event.Error.Error())
			span.RecordError(event.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("status", string(event.Status)))
		span.End()
	}

	// Record metrics
	attrs := []attribute.KeyValue{
		attribute.String("status", string(event.Status)),
	}
	o.items.Add(ctx, 1, metric.WithAttributes(attrs...))
	o.itemDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(attrs...))
}

func (o *OTelObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	if event.Hit {
		o.cacheHits.Add(ctx, 1)
	} else {
		o.cacheMisses.Add(ctx, 1)
	}

	o.cacheCheckLatency.Record(ctx, event.Latency.Seconds())

	// Add trace event
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("cache_check", trace.WithAttributes(
			attribute.Bool("hit", event.Hit),
			attribute.String("path", event.Path),
		))
	}
}

func (o *OTelObserver) OnProgress(ctx context.Context, event *ProgressEvent) {
	// Throughput is derivable from item events; nothing extra recorded here.
}

func (o *OTelObserver) OnScale(ctx context.Context, event *ScaleEvent) {
	o.scaleEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(event.Reason)),
	))

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("capacity_adjusted", trace.WithAttributes(
			attribute.Int("from", event.From),
			attribute.Int("to", event.To),
			attribute.String("reason", string(event.Reason)),
		))
	}
}
