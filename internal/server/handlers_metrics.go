package server

import (
	"net/http"
	"time"

	"github.com/fiberstack/fiber/internal/aggregate"
	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/storage"
)

// Window caps. Raw reads page instead of windowing; aggregate reads clamp
// so one dashboard query cannot scan a year of buckets.
const (
	maxAggregateWindow = 30 * 24 * time.Hour
	maxClusterWindow   = 7 * 24 * time.Hour
	maxClusterTopN     = 20
)

// HandleMetrics handles GET /api/metrics: raw rows, newest first,
// optionally filtered by node_id.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	filter := storage.MetricFilter{
		NodeID: r.URL.Query().Get("node_id"),
		Limit:  queryLimit(r, 100),
		Offset: queryOffset(r),
	}
	if filter.NodeID != "" {
		if err := model.ValidateNodeID(filter.NodeID); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	page, err := h.store.ReadMetrics(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "read metrics", err)
		return
	}
	writeJSONSource(w, r, http.StatusOK, page, aggregate.SourceMetrics)
}

// HandleAggregated handles GET /api/metrics/aggregated. The window length
// picks the backing view; meta.source reports what actually served the
// read (cache, a view name, or the raw fallback).
func (h *Handlers) HandleAggregated(w http.ResponseWriter, r *http.Request) {
	window, err := queryWindow(r, "window", time.Hour, maxAggregateWindow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"window must be seconds or a duration like 5m")
		return
	}
	dimension := r.URL.Query().Get("dimension")
	if dimension == "" {
		dimension = "node"
	}
	if dimension != "node" && dimension != "region" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"dimension must be node or region")
		return
	}

	buckets, source, err := h.aggregates.Aggregated(r.Context(), aggregate.Query{
		Window:          window,
		Dimension:       dimension,
		PreferFreshness: queryBool(r, "prefer_freshness"),
	})
	if err != nil {
		h.logger.Error("aggregate query failed",
			"window", window, "dimension", dimension, "error", err,
			"trace_id", TraceIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"aggregate backends unavailable")
		return
	}
	writeJSONSource(w, r, http.StatusOK, buckets, source)
}

// HandleCluster handles GET /api/metrics/cluster: fleet-wide averages plus
// the top-N worst nodes in the window.
func (h *Handlers) HandleCluster(w http.ResponseWriter, r *http.Request) {
	window, err := queryWindow(r, "window", time.Hour, maxClusterWindow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"window must be seconds or a duration like 5m")
		return
	}
	topN := queryInt(r, "top_n", 5)
	if topN < 1 {
		topN = 1
	}
	if topN > maxClusterTopN {
		topN = maxClusterTopN
	}

	summary, source, err := h.aggregates.Cluster(r.Context(), window, topN)
	if err != nil {
		h.logger.Error("cluster query failed",
			"window", window, "top_n", topN, "error", err,
			"trace_id", TraceIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"aggregate backends unavailable")
		return
	}
	writeJSONSource(w, r, http.StatusOK, summary, source)
}
