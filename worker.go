package fiber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fiberstack/fiber/internal/alerts"
	"github.com/fiberstack/fiber/internal/analytics"
	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/etl"
	"github.com/fiberstack/fiber/internal/queue"
	"github.com/fiberstack/fiber/internal/storage"
	"github.com/fiberstack/fiber/internal/telemetry"
)

// Worker is the ETL process lifecycle: it drains the shared ingest
// queue, writes metrics through the storage layer, and fans each
// surviving row into the alert and analytics engines.
type Worker struct {
	cfg          config.Worker
	store        *storage.Store
	rdb          *redis.Client
	etl          *etl.Worker
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// NewWorker wires the ETL worker. It does NOT start the loop; call Run().
func NewWorker(opts ...Option) (*Worker, error) {
	o := resolveOptions(opts)
	logger := o.loggerOrDefault()

	_ = godotenv.Load()

	cfg, err := config.LoadWorker()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.versionOrDev()

	logger.Info("fiber etl starting",
		"version", version, "batch_size", cfg.BatchSize, "dedup", cfg.DedupEnabled)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	// The loop polls and recovers on its own; an unreachable kv-store at
	// boot just means an empty queue until it returns.
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("kv-store unreachable at startup, continuing degraded", "error", err)
	}

	q := queue.New(rdb, logger)

	var dispatcher alerts.Dispatcher
	if cfg.AlertWebhookURL != "" {
		dispatcher = alerts.NewWebhookDispatcher(cfg.AlertWebhookURL, logger)
		logger.Info("alert dispatch: webhook", "url", cfg.AlertWebhookURL)
	} else {
		dispatcher = alerts.NewLogDispatcher(logger)
		logger.Info("alert dispatch: log only (no ALERT_WEBHOOK_URL)")
	}
	alertEngine := alerts.New(rdb, dispatcher, cfg, logger)
	analyticsEngine := analytics.New(rdb, store, logger)

	w := etl.NewWorker(q, rdb, store, alertEngine, analyticsEngine, cfg, logger)

	return &Worker{
		cfg:          cfg,
		store:        store,
		rdb:          rdb,
		etl:          w,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run drives the batch loop and the heartbeat writer until ctx is
// cancelled or the loop fails fatally. On clean return, Shutdown has
// already been called.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.etl.Run(ctx); err != nil {
		_ = w.Shutdown(context.Background())
		return err
	}
	return w.Shutdown(context.Background())
}

// Shutdown closes the kv-store client, the database pool, and the OTEL
// providers. In-flight batches are not interrupted mid-insert; Run only
// reaches here between batches.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.logger.Info("fiber etl shutting down")

	_ = w.rdb.Close()
	w.store.Close()

	drainCtx, cancel := contextWithOptionalTimeout(ctx, shutdownDrainTimeout)
	_ = w.otelShutdown(drainCtx)
	cancel()

	w.logger.Info("fiber etl stopped")
	return nil
}
