// Command analyzer scores a directory of photographs through a local
// vision model, caching verdicts by content so reruns and resumed runs
// never pay for the same image twice.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/opencall"
	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/photocache"
	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/slots"
	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/vision"
)

const defaultModel = "llava:13b"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var (
		dir           = flag.String("dir", envOr("ANALYZER_DIR", ""), "directory of images to score (env ANALYZER_DIR)")
		configPath    = flag.String("config", envOr("ANALYZER_CONFIG", ""), "YAML rubric file (env ANALYZER_CONFIG; built-in rubric when empty)")
		endpoint      = flag.String("endpoint", envOr("ANALYZER_ENDPOINT", ""), "vision endpoint base URL (env ANALYZER_ENDPOINT)")
		model         = flag.String("model", envOr("ANALYZER_MODEL", ""), "model identifier, overrides the rubric (env ANALYZER_MODEL)")
		cacheDir      = flag.String("cache-dir", envOr("ANALYZER_CACHE_DIR", ".photo-cache"), "directory for cache and checkpoint state (env ANALYZER_CACHE_DIR)")
		cacheBackend  = flag.String("cache-backend", envOr("ANALYZER_CACHE_BACKEND", "fs"), "cache backend: fs, memory, sqlite, postgres, mysql, redis (env ANALYZER_CACHE_BACKEND)")
		cacheDSN      = flag.String("cache-dsn", envOr("ANALYZER_CACHE_DSN", ""), "DSN or URL for sql and redis backends (env ANALYZER_CACHE_DSN)")
		checkpoint    = flag.String("checkpoint", envOr("ANALYZER_CHECKPOINT", ""), `checkpoint path; defaults to <cache-dir>/checkpoint.json, "off" disables resuming (env ANALYZER_CHECKPOINT)`)
		reportPath    = flag.String("report", envOr("ANALYZER_REPORT", ""), "write the full JSON run report to this path (env ANALYZER_REPORT)")
		concurrency   = flag.Int("concurrency", envOrInt("ANALYZER_CONCURRENCY", 0), "pin concurrency at this value; 0 enables adaptive scaling (env ANALYZER_CONCURRENCY)")
		maxSlots      = flag.Int("max-slots", 0, "adaptive scaling ceiling; 0 keeps the default")
		memLimitMB    = flag.Int("mem-limit-mb", 0, "heap size in MiB that forces concurrency to 1; 0 keeps the default")
		itemTimeout   = flag.Duration("item-timeout", 0, "per-image deadline, overrides the rubric; 0 keeps the default")
		clearCache    = flag.Bool("clear-cache", false, "drop every cached verdict and the checkpoint before running")
		noCacheLookup = flag.Bool("no-cache-lookup", false, "recompute every image; fresh results still overwrite the cache")
		metricsAddr   = flag.String("metrics-addr", envOr("ANALYZER_METRICS_ADDR", ""), "serve Prometheus metrics on this address (env ANALYZER_METRICS_ADDR)")
		logLevel      = flag.String("log-level", envOr("ANALYZER_LOG_LEVEL", "info"), "log level: debug, info, warn, error (env ANALYZER_LOG_LEVEL)")
		logJSON       = flag.Bool("log-json", false, "log as JSON instead of text")
	)
	flag.Parse()

	if *dir == "" {
		return errors.New("-dir is required (or set ANALYZER_DIR)")
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := newLogger(level, *logJSON)

	rubric := DefaultRubric()
	if *configPath != "" {
		rubric, err = LoadRubric(*configPath)
		if err != nil {
			return err
		}
	}
	runModel := firstNonEmpty(*model, rubric.Model, defaultModel)
	runEndpoint := firstNonEmpty(*endpoint, rubric.Endpoint, vision.DefaultBaseURL)
	runTimeout := *itemTimeout
	if runTimeout <= 0 {
		runTimeout = rubric.ItemTimeout
	}
	if runTimeout <= 0 {
		runTimeout = opencall.DefaultItemTimeout
	}
	configFP := rubric.Fingerprint()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openCacheStore(ctx, *cacheBackend, *cacheDir, *cacheDSN)
	if err != nil {
		return fmt.Errorf("failed to open %s cache: %w", *cacheBackend, err)
	}
	if closeStore != nil {
		defer closeStore()
	}
	cache := photocache.New(store)

	if *clearCache {
		if err := cache.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		logger.Info("cache cleared", slog.String("backend", *cacheBackend))
	}

	var cp *opencall.Checkpoint
	if path := resolveCheckpointPath(*checkpoint, *cacheDir); path != "" {
		cp, err = opencall.LoadCheckpoint(path)
		if err != nil {
			return err
		}
		// A cleared cache makes old completion records meaningless.
		if *clearCache && cp.Len() > 0 {
			if err := cp.Reset(); err != nil {
				return err
			}
		}
		if cp.Len() > 0 {
			logger.Info("resuming from checkpoint",
				slog.String("path", path),
				slog.Int("completed", cp.Len()),
			)
		}
	}

	paths, err := opencall.ListImages(*dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		logger.Info("no images found", slog.String("dir", *dir))
		return nil
	}
	items, err := opencall.NewWorkItems(paths, configFP, runModel)
	if err != nil {
		return err
	}

	var slotOpts []slots.Option
	if *concurrency > 0 {
		slotOpts = append(slotOpts, slots.WithFixedCapacity(*concurrency))
	}
	if *maxSlots > 0 {
		slotOpts = append(slotOpts, slots.WithMaxCapacity(*maxSlots))
	}
	if *memLimitMB > 0 {
		slotOpts = append(slotOpts, slots.WithMemoryLimit(uint64(*memLimitMB)<<20))
	}
	mgr := slots.New(slotOpts...)

	observers := []opencall.Observer{opencall.NewSlogObserver(logger, level)}
	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		observers = append(observers, opencall.NewPrometheusObserver("photo", registry))
		srv := serveMetrics(*metricsAddr, registry, logger)
		defer srv.Close()
	}
	var observer opencall.Observer = observers[0]
	if len(observers) > 1 {
		observer = &opencall.MultiObserver{Observers: observers}
	}

	client := vision.New(runEndpoint, runModel, rubric.Prompt())
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("vision endpoint %s: %w", runEndpoint, err)
	}

	engineOpts := []opencall.Option{
		opencall.WithSlots(mgr),
		opencall.WithObserver(observer),
		opencall.WithItemTimeout(runTimeout),
	}
	if *noCacheLookup {
		engineOpts = append(engineOpts, opencall.WithoutCacheLookup())
	}
	eng, err := opencall.NewEngine(client, cache, cp, engineOpts...)
	if err != nil {
		return err
	}

	logger.Info("starting run",
		slog.Int("items", len(items)),
		slog.String("model", runModel),
		slog.String("endpoint", runEndpoint),
		slog.Int("capacity", mgr.Stats().Capacity),
		slog.Bool("adaptive", *concurrency == 0),
	)

	report, runErr := eng.Run(ctx, items)

	if *reportPath != "" {
		if err := writeReport(*reportPath, report); err != nil {
			logger.Error("failed to write report", slog.String("error", err.Error()))
		} else {
			logger.Info("report written", slog.String("path", *reportPath))
		}
	}

	cacheStats, err := cache.Stats(ctx)
	if err != nil {
		logger.Warn("cache stats unavailable", slog.String("error", err.Error()))
	}
	printSummary(os.Stdout, report, cacheStats, mgr.Stats())
	printFailures(os.Stderr, report)

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w (completed work is checkpointed)", runErr)
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", report.Failed, report.Total)
	}
	return nil
}

func newLogger(level slog.Level, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// resolveCheckpointPath applies the default-under-cache-dir rule.
func resolveCheckpointPath(flagValue, cacheDir string) string {
	switch flagValue {
	case "off":
		return ""
	case "":
		return filepath.Join(cacheDir, "checkpoint.json")
	default:
		return flagValue
	}
}

// openCacheStore builds the selected backend. The returned closer is nil
// for backends with nothing to close.
func openCacheStore(ctx context.Context, backend, dir, dsn string) (photocache.Store, func() error, error) {
	switch backend {
	case "fs":
		st, err := photocache.NewFSStore(dir)
		return st, nil, err

	case "memory":
		return photocache.NewMemoryStore(), nil, nil

	case "sqlite":
		if dsn == "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
			dsn = filepath.Join(dir, "cache.db")
		}
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, nil, err
		}
		st := photocache.NewSQLStore(db, "", photocache.DialectSQLite)
		if err := st.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, db.Close, nil

	case "mysql":
		if dsn == "" {
			return nil, nil, errors.New("-cache-dsn is required for the mysql backend")
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, err
		}
		st := photocache.NewSQLStore(db, "", photocache.DialectMySQL)
		if err := st.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, db.Close, nil

	case "postgres":
		if dsn == "" {
			return nil, nil, errors.New("-cache-dsn is required for the postgres backend")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		st := photocache.NewPostgresStore(pool, "")
		if err := st.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, func() error { pool.Close(); return nil }, nil

	case "redis":
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		st, err := photocache.NewRedisStoreFromURL(dsn, "")
		if err != nil {
			return nil, nil, err
		}
		if err := st.Ping(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func writeReport(path string, report *opencall.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func printSummary(w io.Writer, report *opencall.RunReport, cs photocache.Stats, ss slots.Stats) {
	elapsed := report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(w, "\nRun %s finished in %s\n", report.RunID, elapsed)
	fmt.Fprintf(w, "  items:    %d total, %d cached, %d computed, %d failed\n",
		report.Total, report.Cached, report.Computed, report.Failed)
	fmt.Fprintf(w, "  cache:    %.0f%% hit rate this run, %d entries (%.1f MiB) stored\n",
		report.HitRate*100, cs.Entries, float64(cs.Bytes)/(1<<20))
	fmt.Fprintf(w, "  slots:    final capacity %d, avg latency %s, baseline %s\n",
		ss.Capacity, ss.AvgLatency.Round(time.Millisecond), ss.Baseline.Round(time.Millisecond))
}

func printFailures(w io.Writer, report *opencall.RunReport) {
	for _, item := range report.Items {
		if item.Status == opencall.StatusFailed {
			fmt.Fprintf(w, "FAILED %s: %s\n", item.Path, item.Err)
		}
		if item.CacheWriteErr != "" {
			fmt.Fprintf(w, "WARNING %s: result not cached: %s\n", item.Path, item.CacheWriteErr)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
