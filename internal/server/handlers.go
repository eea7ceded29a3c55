package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fiberstack/fiber/internal/aggregate"
	"github.com/fiberstack/fiber/internal/audit"
	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/queue"
	"github.com/fiberstack/fiber/internal/storage"
)

// Store is the slice of the metrics store the handlers need.
// *storage.Store satisfies it.
type Store interface {
	ReadMetrics(ctx context.Context, f storage.MetricFilter) (model.MetricsPage, error)
	CreateNode(ctx context.Context, req model.CreateNodeRequest) (model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	DeleteNode(ctx context.Context, nodeID string) error
}

// Aggregator serves windowed aggregate queries through the cache, view,
// and raw-fallback funnel. *aggregate.Service satisfies it.
type Aggregator interface {
	Aggregated(ctx context.Context, q aggregate.Query) ([]model.AggregateBucket, string, error)
	Cluster(ctx context.Context, window time.Duration, topN int) (model.ClusterSummary, string, error)
	Health(ctx context.Context) model.AggregateHealthResponse
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store      Store
	queue      *queue.Queue
	authMgr    *auth.Manager
	creds      *auth.Credentials
	aggregates Aggregator
	cache      *aggregate.Cache
	audit      *audit.Logger
	logger     *slog.Logger

	version          string
	startedAt        time.Time
	maxBodyBytes     int64
	accessTTL        time.Duration
	federationSecret string
	nodeRole         string
	validationMode   string
	allowedRegions   map[string]struct{}
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Cache, Audit.
type HandlersDeps struct {
	Store      Store
	Queue      *queue.Queue
	AuthMgr    *auth.Manager
	Creds      *auth.Credentials
	Aggregates Aggregator
	Cache      *aggregate.Cache
	Audit      *audit.Logger
	Logger     *slog.Logger

	Version          string
	MaxBodyBytes     int64
	AccessTTL        time.Duration
	FederationSecret string
	NodeRole         string
	ValidationMode   string
	AllowedRegions   []string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	var allowed map[string]struct{}
	if len(d.AllowedRegions) > 0 {
		allowed = make(map[string]struct{}, len(d.AllowedRegions))
		for _, region := range d.AllowedRegions {
			allowed[region] = struct{}{}
		}
	}
	return &Handlers{
		store:            d.Store,
		queue:            d.Queue,
		authMgr:          d.AuthMgr,
		creds:            d.Creds,
		aggregates:       d.Aggregates,
		cache:            d.Cache,
		audit:            d.Audit,
		logger:           d.Logger,
		version:          d.Version,
		startedAt:        time.Now(),
		maxBodyBytes:     d.MaxBodyBytes,
		accessTTL:        d.AccessTTL,
		federationSecret: d.FederationSecret,
		nodeRole:         d.NodeRole,
		validationMode:   d.ValidationMode,
		allowedRegions:   allowed,
	}
}

// HandleStatus handles GET /api/status. No auth: probes and load balancers
// poll it. ETL health comes from the worker's status hash; a kv-store
// outage degrades the ETL state to "unknown" rather than failing the probe.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	etl, err := h.queue.ETLStatus(r.Context())
	if err != nil {
		h.logger.Warn("etl status unavailable", "error", err)
		etl = model.ETLStatus{State: "unknown"}
	}
	writeJSON(w, r, http.StatusOK, model.StatusResponse{
		Status:    "ok",
		Version:   h.version,
		ETL:       etl,
		Timestamp: time.Now().UTC(),
	})
}

// auditLog appends an audit entry. Best-effort: an audit write failure is
// logged but never blocks the request that triggered it.
func (h *Handlers) auditLog(r *http.Request, action, resource string, details map[string]any) {
	if h.audit == nil {
		return
	}
	user, role := "anonymous", ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		user, role = claims.Subject, string(claims.Role)
	}
	if _, err := h.audit.Append(user, role, action, resource, details); err != nil {
		h.logger.Error("audit append failed",
			"action", action,
			"resource", resource,
			"error", err,
			"trace_id", TraceIDFromContext(r.Context()),
		)
	}
}

// internalError logs the cause and writes a generic 500 so internals never
// leak into responses.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op,
		"error", err,
		"path", r.URL.Path,
		"trace_id", TraceIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// --- Query parameter helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params,
// clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// queryWindow parses a trailing-window parameter. Bare integers are
// seconds; Go duration strings ("5m", "1h") are accepted too. Values are
// clamped to [1s, max].
func queryWindow(r *http.Request, key string, defaultVal, max time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	var window time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		window = time.Duration(secs) * time.Second
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, err
		}
		window = d
	}
	if window < time.Second {
		window = time.Second
	}
	if window > max {
		window = max
	}
	return window, nil
}
