package server

import (
	"net/http"

	"github.com/fiberstack/fiber/internal/model"
)

// HandleAuditVerify handles GET /api/audit/verify: walks the audit log's
// hash chain and reports the first broken line, if any.
func (h *Handlers) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "audit log not configured")
		return
	}
	valid, brokenLine, entries, err := h.audit.Verify()
	if err != nil {
		h.internalError(w, r, "verify audit log", err)
		return
	}
	resp := model.AuditVerifyResponse{Valid: valid, Entries: entries}
	if !valid {
		resp.BrokenAtLine = brokenLine
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleAuditStats handles GET /api/audit/stats.
func (h *Handlers) HandleAuditStats(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "audit log not configured")
		return
	}
	stats, err := h.audit.Stats()
	if err != nil {
		h.internalError(w, r, "audit stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuditStatsResponse{
		TotalEntries:  stats.TotalEntries,
		FileSizeBytes: stats.FileSizeBytes,
		Path:          stats.Path,
	})
}

// HandleAggregateHealth handles GET /api/aggregates/health.
func (h *Handlers) HandleAggregateHealth(w http.ResponseWriter, r *http.Request) {
	if h.aggregates == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "aggregates not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, h.aggregates.Health(r.Context()))
}

// HandleCacheStats handles GET /api/cache/stats.
func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "cache not configured")
		return
	}
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"cache unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
