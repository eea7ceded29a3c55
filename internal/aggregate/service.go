// Package aggregate serves dashboard reads through a three-layer funnel:
// Redis cache, TimescaleDB continuous aggregates, raw metrics. Window
// length picks the aggregate view; per-view circuit breakers and a
// refresh-lag gate drop queries back to raw data when a view misbehaves,
// and a rollback switch disables aggregates fleet-wide when enough
// breakers open at once.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/fiberstack/fiber/internal/model"
)

// Continuous aggregate views, narrowest bucket first.
const (
	ViewAgg1m       = "aggregates_1m"
	ViewAgg5mNode   = "aggregates_5m_node"
	ViewAgg5mRegion = "aggregates_5m_region"
	ViewAggHourly   = "aggregates_hourly"
	ViewAggDaily    = "aggregates_daily"
)

// Source labels reported in response meta. A view name is its own label.
const (
	SourceCache    = "cache"
	SourceMetrics  = "metrics"
	SourceFallback = "metrics (fallback)"
)

const (
	// queryTimeout bounds one aggregate query; exceeding it is a breaker
	// failure.
	queryTimeout = 5 * time.Second

	breakerFailureThreshold = 5
	breakerOpenDuration     = 60 * time.Second

	// rollbackBreakerCount breakers open at once disables aggregates
	// everywhere for rollbackCooldown.
	rollbackBreakerCount = 3
	rollbackCooldown     = 300 * time.Second
	disabledKey          = "aggregation:disabled"
)

// viewMaxLag is the refresh lag beyond which a view is too stale to serve.
var viewMaxLag = map[string]time.Duration{
	ViewAgg1m:       120 * time.Second,
	ViewAgg5mNode:   600 * time.Second,
	ViewAgg5mRegion: 600 * time.Second,
	ViewAggHourly:   7200 * time.Second,
	ViewAggDaily:    86400 * time.Second,
}

// viewBucket is each view's native bucket width. Raw fallbacks bucket by
// the width the view would have used, so the response shape is stable
// across fallbacks.
var viewBucket = map[string]time.Duration{
	ViewAgg1m:       time.Minute,
	ViewAgg5mNode:   5 * time.Minute,
	ViewAgg5mRegion: 5 * time.Minute,
	ViewAggHourly:   time.Hour,
	ViewAggDaily:    24 * time.Hour,
}

// Store is the slice of the storage layer the query service needs.
// *storage.Store satisfies it.
type Store interface {
	ReadAggregates(ctx context.Context, view, dimension string, start, end time.Time) ([]model.AggregateBucket, error)
	ReadAggregatesRaw(ctx context.Context, dimension string, start, end time.Time, bucket time.Duration) ([]model.AggregateBucket, error)
	ClusterSummary(ctx context.Context, start, end time.Time, topN int) (model.ClusterSummary, error)
	AggregateLag(ctx context.Context, view string) (time.Duration, bool, error)
}

// Query describes one windowed aggregate request. The window always ends
// now; dashboards ask for trailing windows.
type Query struct {
	Window          time.Duration
	Dimension       string // "node" or "region"
	PreferFreshness bool
}

// Service answers dashboard queries. Safe for concurrent use.
type Service struct {
	store         Store
	cache         *Cache
	rdb           redis.UniversalClient
	breakers      map[string]*gobreaker.CircuitBreaker
	useAggregates bool
	sf            singleflight.Group
	log           *slog.Logger
}

// NewService wires the query funnel. useAggregates false pins every read
// to raw metrics (feature flag for fresh deployments without views).
func NewService(store Store, cache *Cache, rdb redis.UniversalClient, useAggregates bool, log *slog.Logger) *Service {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(viewMaxLag))
	for view := range viewMaxLag {
		breakers[view] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        view,
			MaxRequests: 1,
			Timeout:     breakerOpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("aggregate: breaker state change",
					"view", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return &Service{
		store:         store,
		cache:         cache,
		rdb:           rdb,
		breakers:      breakers,
		useAggregates: useAggregates,
		log:           log,
	}
}

// Cache exposes the underlying cache for invalidation and stats wiring.
func (s *Service) Cache() *Cache { return s.cache }

type aggregatedResult struct {
	rows   []model.AggregateBucket
	source string
}

// Aggregated serves the windowed-aggregate query. The returned source is
// the layer that actually answered: "cache", a view name, "metrics", or
// "metrics (fallback)".
func (s *Service) Aggregated(ctx context.Context, q Query) ([]model.AggregateBucket, string, error) {
	prefix := "aggregated"
	ttl := TTLNodeTrend
	if q.Dimension == "region" {
		prefix = "regional"
		ttl = TTLCluster
	}
	if q.Window < 120*time.Second {
		ttl = TTLRealtime
	}
	key := CacheKey(prefix, map[string]any{
		"window":           int64(q.Window.Seconds()),
		"dimension":        q.Dimension,
		"prefer_freshness": q.PreferFreshness,
	})

	var cached []model.AggregateBucket
	if s.cache.GetInto(ctx, key, ttl, &cached) {
		return cached, SourceCache, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		rows, source, err := s.queryAggregates(ctx, q)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, key, rows, ttl)
		return aggregatedResult{rows: rows, source: source}, nil
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(aggregatedResult)
	return res.rows, res.source, nil
}

type clusterResult struct {
	summary model.ClusterSummary
	source  string
}

// Cluster serves the fleet summary with top-N problem nodes. Always
// computed from raw metrics; the cache is the only shortcut.
func (s *Service) Cluster(ctx context.Context, window time.Duration, topN int) (model.ClusterSummary, string, error) {
	key := CacheKey("cluster", map[string]any{
		"window": int64(window.Seconds()),
		"top_n":  topN,
	})

	var cached model.ClusterSummary
	if s.cache.GetInto(ctx, key, TTLCluster, &cached) {
		return cached, SourceCache, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		end := time.Now().UTC()
		summary, err := s.store.ClusterSummary(ctx, end.Add(-window), end, topN)
		if err != nil {
			return nil, fmt.Errorf("aggregate: cluster summary: %w", err)
		}
		s.cache.Set(ctx, key, summary, TTLCluster)
		return clusterResult{summary: summary, source: SourceMetrics}, nil
	})
	if err != nil {
		return model.ClusterSummary{}, "", err
	}
	res := v.(clusterResult)
	return res.summary, res.source, nil
}

// queryAggregates picks the view and runs the funnel below the cache.
func (s *Service) queryAggregates(ctx context.Context, q Query) ([]model.AggregateBucket, string, error) {
	end := time.Now().UTC()
	start := end.Add(-q.Window)
	dim := dimensionColumn(q.Dimension)

	view := s.selectView(ctx, q)
	if view == "" {
		rows, err := s.store.ReadAggregatesRaw(ctx, dim, start, end, time.Minute)
		if err != nil {
			return nil, "", fmt.Errorf("aggregate: raw read: %w", err)
		}
		return rows, SourceMetrics, nil
	}

	// Selection chose a view; staleness or query failure falls back to raw
	// bucketed at the view's own width.
	if !s.viewFresh(ctx, view) {
		rows, err := s.store.ReadAggregatesRaw(ctx, dim, start, end, viewBucket[view])
		if err != nil {
			return nil, "", fmt.Errorf("aggregate: raw read: %w", err)
		}
		return rows, SourceFallback, nil
	}

	rows, err := s.readView(ctx, view, dim, start, end)
	if err == nil {
		return rows, view, nil
	}
	s.log.Warn("aggregate: view query failed, falling back to raw",
		"view", view, "error", err)
	s.checkRollback(ctx)

	rows, rawErr := s.store.ReadAggregatesRaw(ctx, dim, start, end, viewBucket[view])
	if rawErr != nil {
		return nil, "", fmt.Errorf("aggregate: fallback read after %v: %w", err, rawErr)
	}
	return rows, SourceFallback, nil
}

// selectView maps the window onto a view. Empty string means raw metrics:
// tiny or freshness-pinned windows, the feature flag, the rollback switch,
// and open breakers all land there.
func (s *Service) selectView(ctx context.Context, q Query) string {
	if !s.useAggregates || s.rollbackActive(ctx) {
		return ""
	}
	w := q.Window.Seconds()
	if q.PreferFreshness && w < 600 {
		return ""
	}

	var view string
	switch {
	case w < 120:
		return ""
	case w < 900:
		view = ViewAgg1m
	case w < 7200:
		if q.Dimension == "region" {
			view = ViewAgg5mRegion
		} else {
			view = ViewAgg5mNode
		}
	case w < 172800:
		view = ViewAggHourly
	default:
		view = ViewAggDaily
	}

	if s.breakers[view].State() == gobreaker.StateOpen {
		s.log.Debug("aggregate: breaker open, selecting raw", "view", view)
		return ""
	}
	return view
}

// viewFresh checks the view's refresh lag. Any failure to determine
// freshness counts as stale; an empty view counts as fresh. Neither path
// touches the breaker.
func (s *Service) viewFresh(ctx context.Context, view string) bool {
	lag, empty, err := s.store.AggregateLag(ctx, view)
	if err != nil {
		s.log.Warn("aggregate: health check failed", "view", view, "error", err)
		return false
	}
	if empty {
		return true
	}
	if lag >= viewMaxLag[view] {
		s.log.Warn("aggregate: view stale",
			"view", view, "lag", lag.Truncate(time.Second), "max", viewMaxLag[view])
		return false
	}
	return true
}

// readView runs the aggregate query under its breaker with the query
// timeout. Timeouts and errors count against the breaker.
func (s *Service) readView(ctx context.Context, view, dim string, start, end time.Time) ([]model.AggregateBucket, error) {
	res, err := s.breakers[view].Execute(func() (any, error) {
		qctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		return s.store.ReadAggregates(qctx, view, dim, start, end)
	})
	if err != nil {
		return nil, err
	}
	return res.([]model.AggregateBucket), nil
}

// rollbackActive reports whether the fleet-wide disable switch is set.
// Redis errors read as "not disabled" so a cache blip cannot pin every
// dashboard to raw metrics.
func (s *Service) rollbackActive(ctx context.Context) bool {
	_, err := s.rdb.Get(ctx, disabledKey).Result()
	if err == nil {
		return true
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warn("aggregate: rollback check failed", "error", err)
	}
	return false
}

// checkRollback trips the fleet-wide switch once enough breakers are open
// at the same time.
func (s *Service) checkRollback(ctx context.Context) {
	open := 0
	for _, cb := range s.breakers {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	if open < rollbackBreakerCount {
		return
	}
	if err := s.rdb.Set(ctx, disabledKey, "1", rollbackCooldown).Err(); err != nil {
		s.log.Warn("aggregate: failed to set rollback switch", "error", err)
		return
	}
	s.log.Error("aggregate: auto-rollback engaged, aggregates disabled",
		"open_breakers", open, "cooldown", rollbackCooldown)
}

// Warmup primes the cache with the queries every dashboard issues on
// load. Failures are logged; a cold cache is not a startup error.
func (s *Service) Warmup(ctx context.Context) {
	warmed := 0
	if _, _, err := s.Cluster(ctx, time.Hour, 5); err != nil {
		s.log.Warn("aggregate: warmup cluster summary", "error", err)
	} else {
		warmed++
	}
	for _, dim := range []string{"node", "region"} {
		if _, _, err := s.Aggregated(ctx, Query{Window: time.Hour, Dimension: dim}); err != nil {
			s.log.Warn("aggregate: warmup aggregated", "dimension", dim, "error", err)
		} else {
			warmed++
		}
	}
	s.log.Info("aggregate: cache warmed", "entries", warmed)
}

func dimensionColumn(dimension string) string {
	if dimension == "region" {
		return "region"
	}
	return "node_id"
}

// BreakerStates reports each view's breaker state for diagnostics.
func (s *Service) BreakerStates() map[string]string {
	states := make(map[string]string, len(s.breakers))
	for view, cb := range s.breakers {
		states[view] = cb.State().String()
	}
	return states
}

// Health summarizes the query layer for the admin surface: the breaker
// state per view and whether reads are currently pinned to raw metrics.
func (s *Service) Health(ctx context.Context) model.AggregateHealthResponse {
	return model.AggregateHealthResponse{
		UseAggregates:  s.useAggregates,
		RollbackActive: s.rollbackActive(ctx),
		Breakers:       s.BreakerStates(),
	}
}
