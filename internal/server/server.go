package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/ratelimit"
)

// Server is the fiber gateway HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional (nil-safe): Cache, Audit, the limiters, GlobalCap.
type ServerConfig struct {
	Handlers HandlersDeps

	// Rate limiting. IngestLimiter covers the write paths, QueryLimiter
	// the dashboard reads, AuthLimiter the login and refresh endpoints.
	// GlobalCap sheds load across all identities before per-key buckets
	// are consulted.
	IngestLimiter  ratelimit.Limiter
	QueryLimiter   ratelimit.Limiter
	AuthLimiter    ratelimit.Limiter
	GlobalCap      *ratelimit.GlobalCap
	TrustedProxies []string

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a gateway server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)
	logger := cfg.Handlers.Logger

	traceFunc := func(r *http.Request) string {
		return TraceIDFromContext(r.Context())
	}
	ingestRL := ratelimit.Middleware(cfg.IngestLimiter, cfg.GlobalCap,
		identityKeyFunc("limiter:ingest:", cfg.TrustedProxies), traceFunc)
	queryRL := ratelimit.Middleware(cfg.QueryLimiter, cfg.GlobalCap,
		identityKeyFunc("limiter:query:", cfg.TrustedProxies), traceFunc)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, nil,
		ipKeyFunc("limiter:auth:", cfg.TrustedProxies), traceFunc)

	mux := http.NewServeMux()

	// Auth endpoints. Login and refresh are public and rate limited by IP;
	// logout and me require a valid access token.
	mux.Handle("POST /api/auth/login", authRL(http.HandlerFunc(h.HandleLogin)))
	mux.Handle("POST /api/auth/refresh", authRL(http.HandlerFunc(h.HandleRefresh)))
	mux.Handle("POST /api/auth/logout", http.HandlerFunc(h.HandleLogout))
	mux.Handle("GET /api/auth/me", http.HandlerFunc(h.HandleMe))

	// Ingest paths (operator+, rate limited, global cap).
	writeRole := requireRole(model.RoleOperator)
	mux.Handle("POST /api/ingest", ingestRL(writeRole(http.HandlerFunc(h.HandleIngest))))
	mux.Handle("POST /api/push", ingestRL(writeRole(http.HandlerFunc(h.HandlePush))))
	mux.Handle("POST /api/probe/heartbeat", ingestRL(writeRole(http.HandlerFunc(h.HandleProbeHeartbeat))))

	// Dashboard reads (viewer+, query rate limit).
	viewMetrics := requirePermission(model.PermViewMetrics)
	mux.Handle("GET /api/metrics", queryRL(viewMetrics(http.HandlerFunc(h.HandleMetrics))))
	mux.Handle("GET /api/metrics/aggregated", queryRL(viewMetrics(http.HandlerFunc(h.HandleAggregated))))
	mux.Handle("GET /api/metrics/cluster", queryRL(viewMetrics(http.HandlerFunc(h.HandleCluster))))

	// Node registry.
	monitorNodes := requirePermission(model.PermMonitorNodes)
	mux.Handle("GET /api/nodes", queryRL(monitorNodes(http.HandlerFunc(h.HandleListNodes))))
	mux.Handle("POST /api/nodes", requirePermission(model.PermNodeCreate)(http.HandlerFunc(h.HandleCreateNode)))
	mux.Handle("DELETE /api/nodes/{node_id}", requirePermission(model.PermNodeDelete)(http.HandlerFunc(h.HandleDeleteNode)))

	// Federation visibility.
	mux.Handle("GET /api/federation/status", queryRL(monitorNodes(http.HandlerFunc(h.HandleFederationStatus))))

	// Admin surface.
	adminAudit := requirePermission(model.PermAdminAudit)
	mux.Handle("GET /api/audit/verify", adminAudit(http.HandlerFunc(h.HandleAuditVerify)))
	mux.Handle("GET /api/audit/stats", adminAudit(http.HandlerFunc(h.HandleAuditStats)))
	mux.Handle("GET /api/cache/stats", adminAudit(http.HandlerFunc(h.HandleCacheStats)))
	mux.Handle("GET /api/aggregates/health", adminAudit(http.HandlerFunc(h.HandleAggregateHealth)))

	// Liveness (no auth, no rate limit).
	mux.HandleFunc("GET /api/status", h.HandleStatus)

	// Middleware chain (outermost executes first):
	// trace ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.Handlers.AuthMgr, cfg.Handlers.FederationSecret, logger, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = traceIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// identityKeyFunc keys buckets by username when authenticated and by client
// IP otherwise. Admins are exempt.
func identityKeyFunc(prefix string, trustedProxies []string) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
				return ""
			}
			return prefix + "user:" + claims.Subject
		}
		return prefix + "ip:" + ratelimit.ClientIP(r, trustedProxies)
	}
}

// ipKeyFunc keys buckets by client IP only, for pre-auth endpoints.
func ipKeyFunc(prefix string, trustedProxies []string) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		return prefix + "ip:" + ratelimit.ClientIP(r, trustedProxies)
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
