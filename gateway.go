package fiber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fiberstack/fiber/internal/aggregate"
	"github.com/fiberstack/fiber/internal/audit"
	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/queue"
	"github.com/fiberstack/fiber/internal/ratelimit"
	"github.com/fiberstack/fiber/internal/server"
	"github.com/fiberstack/fiber/internal/storage"
	"github.com/fiberstack/fiber/internal/telemetry"
)

// Per-endpoint-class rate budgets derived from the configured ingest
// rate. Dashboard reads are cheap relative to ingest; login attempts
// get a deliberately tight per-IP bucket.
const (
	queryRateFactor = 10
	authLoginRate   = 0.5 // tokens per second per source IP
	authLoginBurst  = 5
)

// Gateway is the ingest gateway process lifecycle. Construct with
// NewGateway(), run with Run(). Gateway has no public fields; use
// Option values to configure it.
type Gateway struct {
	cfg          config.Gateway
	store        *storage.Store
	rdb          *redis.Client
	cache        *aggregate.Cache
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// NewGateway wires the gateway: storage pool, kv-store client, token
// manager, audit log, queue, aggregate query layer, rate limiters, and
// the HTTP server. It does NOT start goroutines or accept connections;
// call Run().
func NewGateway(opts ...Option) (*Gateway, error) {
	o := resolveOptions(opts)
	logger := o.loggerOrDefault()

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.LoadGateway()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.versionOrDev()

	logger.Info("fiber gateway starting",
		"version", version, "port", cfg.Port,
		"node_role", cfg.NodeRole, "validation_mode", cfg.ValidationMode)

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
	// A dead kv-store at boot is survivable: the switching limiter falls
	// back to local buckets and ingest answers 503 until it returns.
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("kv-store unreachable at startup, continuing degraded", "error", err)
	}

	creds, err := auth.ParseCredentials(cfg.UserCredentials, cfg.AdminUsers, cfg.OperatorUsers)
	if err != nil {
		_ = rdb.Close()
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("credentials: %w", err)
	}
	authMgr := auth.NewManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, rdb)

	auditLog, err := audit.NewLogger(cfg.AuditLogPath, logger)
	if err != nil {
		_ = rdb.Close()
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("audit: %w", err)
	}

	q := queue.New(rdb, logger)

	cache := aggregate.NewCache(rdb, logger)
	aggSvc := aggregate.NewService(store, cache, rdb, cfg.UseAggregates, logger)

	ingestLimiter := ratelimit.NewSwitching(
		ratelimit.NewRedisLimiter(rdb, cfg.IngestRate, cfg.IngestBurst, logger),
		ratelimit.NewMemoryLimiter(cfg.LocalRate, cfg.IngestBurst),
		logger,
	)
	queryLimiter := ratelimit.NewSwitching(
		ratelimit.NewRedisLimiter(rdb, cfg.IngestRate*queryRateFactor, cfg.IngestBurst*queryRateFactor, logger),
		ratelimit.NewMemoryLimiter(cfg.LocalRate*queryRateFactor, cfg.IngestBurst*queryRateFactor),
		logger,
	)
	authLimiter := ratelimit.NewSwitching(
		ratelimit.NewRedisLimiter(rdb, authLoginRate, authLoginBurst, logger),
		ratelimit.NewMemoryLimiter(authLoginRate, authLoginBurst),
		logger,
	)

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			Store:            store,
			Queue:            q,
			AuthMgr:          authMgr,
			Creds:            creds,
			Aggregates:       aggSvc,
			Cache:            cache,
			Audit:            auditLog,
			Logger:           logger,
			Version:          version,
			MaxBodyBytes:     cfg.MaxRequestBodyBytes,
			AccessTTL:        cfg.AccessTokenTTL,
			FederationSecret: cfg.FederationSecret,
			NodeRole:         cfg.NodeRole,
			ValidationMode:   cfg.ValidationMode,
			AllowedRegions:   cfg.AllowedRegions,
		},
		IngestLimiter:  ingestLimiter,
		QueryLimiter:   queryLimiter,
		AuthLimiter:    authLimiter,
		GlobalCap:      ratelimit.NewGlobalCap(float64(cfg.GlobalMax)),
		TrustedProxies: cfg.TrustedProxies,
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	})

	// Prime the aggregate cache with the dashboard's default queries so
	// the first page load after a deploy is warm.
	if cfg.UseAggregates {
		aggSvc.Warmup(context.Background())
	}

	return &Gateway{
		cfg:          cfg,
		store:        store,
		rdb:          rdb,
		cache:        cache,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the invalidation subscriber, the SIGHUP pool reloader, and
// the HTTP server, then blocks until ctx is cancelled or a fatal server
// error occurs. On clean return, Shutdown has already been called.
func (g *Gateway) Run(ctx context.Context) error {
	// Cache invalidations arrive over kv-store pub/sub so that every
	// gateway replica drops its own entries, not just the one that
	// accepted the ingest.
	go func() {
		if err := g.cache.SubscribeInvalidations(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("cache invalidation subscriber stopped", "error", err)
		}
	}()

	go g.reloadLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := g.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return g.Shutdown(context.Background())
}

// reloadLoop rebuilds the database pool on SIGHUP so rotated credentials
// are picked up without dropping in-flight requests.
func (g *Gateway) reloadLoop(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			g.logger.Info("SIGHUP received, rebuilding database pool")
			if err := g.store.Rebuild(ctx, g.cfg.DatabaseURL); err != nil {
				g.logger.Error("pool rebuild failed, keeping existing pool", "error", err)
			}
		}
	}
}

// Shutdown drains in-flight HTTP requests, then closes the kv-store
// client, the database pool, and the OTEL providers.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("fiber gateway shutting down")

	httpCtx, cancel := contextWithOptionalTimeout(ctx, shutdownHTTPTimeout)
	if err := g.srv.Shutdown(httpCtx); err != nil {
		g.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	_ = g.rdb.Close()
	g.store.Close()

	drainCtx, cancel := contextWithOptionalTimeout(ctx, shutdownDrainTimeout)
	_ = g.otelShutdown(drainCtx)
	cancel()

	g.logger.Info("fiber gateway stopped")
	return nil
}
