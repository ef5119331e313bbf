package opencall

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements Observer using Prometheus metrics.
// This is useful if you're already using Prometheus for monitoring.
//
// Example:
//
//	observer := opencall.NewPrometheusObserver("myapp", prometheus.DefaultRegisterer)
//	engine, _ := opencall.NewEngine(analyzer, cache, cp, opencall.WithObserver(observer))
type PrometheusObserver struct {
	runDuration       *prometheus.HistogramVec
	itemDuration      *prometheus.HistogramVec
	itemsTotal        *prometheus.CounterVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	cacheCheckLatency prometheus.Histogram
	scaleEvents       *prometheus.CounterVec
	slotsActive       prometheus.Gauge
	slotsCapacity     prometheus.Gauge
	memoryBytes       prometheus.Gauge
}

// NewPrometheusObserver creates a Prometheus observer with the given namespace.
// All metrics will be prefixed with "{namespace}_opencall_".
//
// Example:
//
//	observer := NewPrometheusObserver("myapp", prometheus.DefaultRegisterer)
//	// Creates metrics like: myapp_opencall_item_duration_seconds
func NewPrometheusObserver(namespace string, registerer prometheus.Registerer) *PrometheusObserver {
	if namespace == "" {
		namespace = "photo"
	}

	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "run_duration_seconds",
			Help:      "Duration of the whole batch run in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 7200},
		},
		[]string{"run_id", "status"},
	)

	itemDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "item_duration_seconds",
			Help:      "Duration of per-item scoring in seconds",
			// Inference runs seconds to minutes, well past the default buckets.
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	itemsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "items_total",
			Help:      "Total number of completed items by status",
		},
		[]string{"status"},
	)

	cacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
	)

	cacheMisses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
	)

	cacheCheckLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "cache_check_latency_seconds",
			Help:      "Latency of cache lookups in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	scaleEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "scale_events_total",
			Help:      "Total number of slot capacity adjustments by reason",
		},
		[]string{"reason"},
	)

	slotsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "slots_active",
			Help:      "Slots currently issued",
		},
	)

	slotsCapacity := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "slots_capacity",
			Help:      "Current slot capacity",
		},
	)

	memoryBytes := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "opencall",
			Name:      "memory_bytes",
			Help:      "Heap bytes observed by the slot manager",
		},
	)

	// Register all metrics
	registerer.MustRegister(
		runDuration,
		itemDuration,
		itemsTotal,
		cacheHits,
		cacheMisses,
		cacheCheckLatency,
		scaleEvents,
		slotsActive,
		slotsCapacity,
		memoryBytes,
	)

	return &PrometheusObserver{
		runDuration:       runDuration,
		itemDuration:      itemDuration,
		itemsTotal:        itemsTotal,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		cacheCheckLatency: cacheCheckLatency,
		scaleEvents:       scaleEvents,
		slotsActive:       slotsActive,
		slotsCapacity:     slotsCapacity,
		memoryBytes:       memoryBytes,
	}
}

func (o *PrometheusObserver) OnRunStart(ctx context.Context, event *RunStartEvent) {
	// Nothing to do on start for Prometheus
}

func (o *PrometheusObserver) OnRunEnd(ctx context.Context, event *RunEndEvent) {
	status := "success"
	if event.Error != nil {
		status = "canceled"
	}

	o.runDuration.WithLabelValues(event.RunID, status).Observe(event.Duration.Seconds())
}

func (o *PrometheusObserver) OnItemStart(ctx context.Context, event *ItemStartEvent) {
	// Nothing to do on start for Prometheus
}

func (o *PrometheusObserver) OnItemEnd(ctx context.Context, event *ItemEndEvent) {
	status := string(event.Status)

	o.itemsTotal.WithLabelValues(status).Inc()
	o.itemDuration.WithLabelValues(status).Observe(event.Duration.Seconds())
}

func (o *PrometheusObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	if event.Hit {
		o.cacheHits.Inc()
	} else {
		o.cacheMisses.Inc()
	}

	o.cacheCheckLatency.Observe(event.Latency.Seconds())
}

func (o *PrometheusObserver) OnProgress(ctx context.Context, event *ProgressEvent) {
	o.slotsActive.Set(float64(event.Slots.Active))
	o.slotsCapacity.Set(float64(event.Slots.Capacity))
	o.memoryBytes.Set(float64(event.Slots.MemoryBytes))
}

func (o *PrometheusObserver) OnScale(ctx context.Context, event *ScaleEvent) {
	o.scaleEvents.WithLabelValues(string(event.Reason)).Inc()
	o.slotsCapacity.Set(float64(event.To))
	o.memoryBytes.Set(float64(event.HeapBytes))
}
