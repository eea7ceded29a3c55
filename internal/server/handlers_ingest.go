package server

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/transport"
)

// replayWindow bounds the age of a signed batch. Signatures older (or
// further in the future) than this are rejected even when valid.
const replayWindow = 300 * time.Second

// Auth path labels recorded in logs and audit entries.
const (
	authPathHMAC   = "hmac"
	authPathBearer = "bearer-only"
)

// HandleIngest handles POST /api/ingest, the federated batch path.
//
// The body is read raw before parsing: the HMAC covers the exact bytes the
// probe signed, so verification has to happen against the wire form. After
// verification the flow is idempotency claim, region resolution, _meta
// enrichment, and a pipeline enqueue. Everything downstream of the enqueue
// is the ETL worker's problem.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	batchID := r.Header.Get(transport.HeaderBatchID)
	if batchID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			transport.HeaderBatchID+" header is required")
		return
	}
	if _, err := uuid.Parse(batchID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			transport.HeaderBatchID+" must be a UUID")
		return
	}

	authPath := authPathBearer
	if sig := r.Header.Get(transport.HeaderSignature); sig != "" {
		authPath = authPathHMAC
		if !h.verifySignature(w, r, batchID, sig, body) {
			return
		}
	}

	var batch model.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeBatchError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid batch payload: "+err.Error(), batchID)
		return
	}
	if len(batch.Metrics) == 0 {
		writeBatchError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"batch has no metrics", batchID)
		return
	}
	if batch.NodeID != "" {
		if err := model.ValidateNodeID(batch.NodeID); err != nil {
			writeBatchError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(), batchID)
			return
		}
	}
	// Naive timestamps are rejected here, not repaired downstream: the
	// worker's normalizer would silently rewrite them to arrival time, and
	// heartbeat-lag math must never mix zoned and unzoned instants. A
	// missing timestamp is still fine; the normalizer stamps those.
	for i := range batch.Metrics {
		if ts := batch.Metrics[i].Timestamp; ts != "" {
			if _, err := model.ParseTimestamp(ts); err != nil {
				writeBatchError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
					fmt.Sprintf("metric %d: %s", i, err.Error()), batchID)
				return
			}
		}
	}

	fresh, err := h.queue.ClaimBatch(r.Context(), batchID)
	if err != nil {
		writeBatchError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"ingest pipeline unavailable", batchID)
		return
	}
	if !fresh {
		h.logger.Info("duplicate batch", "batch_id", batchID, "node_id", batch.NodeID)
		writeJSON(w, r, http.StatusAccepted, model.IngestResponse{
			BatchID: batchID,
			Status:  "already_processed",
		})
		return
	}

	region := h.resolveRegion(r, firstMetric(batch))
	if !h.regionAllowed(region) {
		writeBatchError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRegion,
			fmt.Sprintf("region %q is not served by this node", region), batchID)
		return
	}

	payloads, dropped, err := h.encodeBatch(r, batch, h.ingestMeta(r, region))
	if err != nil {
		h.internalError(w, r, "encode batch", err)
		return
	}
	if err := h.queue.Enqueue(r.Context(), payloads); err != nil {
		writeBatchError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"ingest pipeline unavailable", batchID)
		return
	}

	if h.cache != nil {
		h.cache.InvalidateOnIngest(r.Context(), batch.NodeID)
	}
	h.auditLog(r, "metrics.ingest", "batch:"+batchID, map[string]any{
		"node_id":   batch.NodeID,
		"metrics":   len(payloads),
		"dropped":   dropped,
		"region":    region,
		"auth_path": authPath,
	})
	h.logger.Info("batch accepted",
		"batch_id", batchID,
		"node_id", batch.NodeID,
		"metrics", len(payloads),
		"dropped", dropped,
		"region", region,
		"auth_path", authPath,
	)

	writeJSON(w, r, http.StatusAccepted, model.IngestResponse{
		BatchID:      batchID,
		SourceRegion: region,
		Status:       "accepted",
		Accepted:     len(payloads),
	})
}

// verifySignature checks the signed-batch headers: timestamp inside the
// replay window, nonce never seen before, HMAC over the raw body matching.
// It writes the rejection and returns false on any failure.
func (h *Handlers) verifySignature(w http.ResponseWriter, r *http.Request, batchID, sig string, body []byte) bool {
	ts := r.Header.Get(transport.HeaderTimestamp)
	nonce := r.Header.Get(transport.HeaderNonce)
	if ts == "" || nonce == "" {
		writeBatchError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized,
			"signed batches require timestamp and nonce headers", batchID)
		return false
	}

	sent, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		writeBatchError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized,
			"invalid signature timestamp", batchID)
		return false
	}
	if age := time.Since(sent); age > replayWindow || age < -replayWindow {
		writeBatchError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized,
			"signature timestamp outside replay window", batchID)
		return false
	}

	fresh, err := h.queue.ClaimNonce(r.Context(), nonce)
	if err != nil {
		writeBatchError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"ingest pipeline unavailable", batchID)
		return false
	}
	if !fresh {
		writeBatchError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized,
			"nonce already used", batchID)
		return false
	}

	expected := transport.Sign([]byte(h.federationSecret), batchID, ts, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		writeBatchError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized,
			"signature mismatch", batchID)
		return false
	}
	return true
}

// resolveRegion picks the batch's source region: the X-Region-ID header if
// present, else the region derived from the first metric's country and
// region fields, else "unknown".
func (h *Handlers) resolveRegion(r *http.Request, m model.Metric) string {
	if hdr := r.Header.Get("X-Region-ID"); hdr != "" {
		return hdr
	}
	if derived := model.DeriveRegion(m); derived != "" {
		return derived
	}
	return "unknown"
}

// regionAllowed applies the region allowlist. Only a central node in
// strict mode enforces it; edge nodes and permissive mode accept every
// region, as does an empty allowlist.
func (h *Handlers) regionAllowed(region string) bool {
	if len(h.allowedRegions) == 0 {
		return true
	}
	if h.nodeRole != "central" || h.validationMode != "strict" {
		return true
	}
	_, ok := h.allowedRegions[region]
	return ok
}

// ingestMeta builds the _meta block stamped onto every enqueued metric.
func (h *Handlers) ingestMeta(r *http.Request, region string) model.IngestMeta {
	role := ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		role = string(claims.Role)
	}
	return model.IngestMeta{
		SchemaVersion: model.SchemaVersion,
		IngestedAt:    time.Now().UTC().Format(time.RFC3339),
		IngestedBy:    role,
		SourceRegion:  region,
		TraceID:       TraceIDFromContext(r.Context()),
	}
}

func firstMetric(batch model.Batch) model.Metric {
	if len(batch.Metrics) > 0 {
		return batch.Metrics[0]
	}
	return model.Metric{}
}

// encodeBatch stamps each metric with the batch node id and the ingest
// metadata, returning one queue payload per metric. Metrics claiming a
// node other than the batch's are dropped: a probe speaks only for its
// own node.
func (h *Handlers) encodeBatch(r *http.Request, batch model.Batch, meta model.IngestMeta) (payloads [][]byte, dropped int, err error) {
	payloads = make([][]byte, 0, len(batch.Metrics))
	for i := range batch.Metrics {
		m := batch.Metrics[i]
		if m.NodeID == "" {
			m.NodeID = batch.NodeID
		}
		if batch.NodeID != "" && m.NodeID != batch.NodeID {
			dropped++
			h.logger.Warn("dropping metric with mismatched node_id",
				"batch_node", batch.NodeID,
				"metric_node", m.NodeID,
				"trace_id", TraceIDFromContext(r.Context()))
			continue
		}
		m.Meta = &meta
		p, err := json.Marshal(m)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal metric %d: %w", i, err)
		}
		payloads = append(payloads, p)
	}
	return payloads, dropped, nil
}

// HandlePush handles POST /api/push, the legacy single-metric path. Unlike
// the batch path it validates strictly instead of clamping: a probe old
// enough to use this endpoint predates the normalizer's coercion rules.
func (h *Handlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	var m model.Metric
	if err := json.Unmarshal(body, &m); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid metric payload: "+err.Error())
		return
	}
	if err := model.ValidateMetricStrict(m); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	region := h.resolveRegion(r, m)
	if !h.regionAllowed(region) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRegion,
			fmt.Sprintf("region %q is not served by this node", region))
		return
	}

	meta := h.ingestMeta(r, region)
	m.Meta = &meta
	payload, err := json.Marshal(m)
	if err != nil {
		h.internalError(w, r, "encode metric", err)
		return
	}
	if err := h.queue.Enqueue(r.Context(), [][]byte{payload}); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"ingest pipeline unavailable")
		return
	}

	if h.cache != nil {
		h.cache.InvalidateOnIngest(r.Context(), m.NodeID)
	}
	h.auditLog(r, "metrics.push", "node:"+m.NodeID, map[string]any{"region": region})

	writeJSON(w, r, http.StatusAccepted, model.IngestResponse{
		BatchID:      uuid.New().String(),
		SourceRegion: region,
		Status:       "accepted",
		Accepted:     1,
	})
}

// HandleProbeHeartbeat handles POST /api/probe/heartbeat. Probes report
// which federation target they are currently pushing to; the record
// expires on its own if the probe goes quiet.
func (h *Handlers) HandleProbeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb model.ProbeStatus
	if err := decodeJSON(w, r, &hb, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateNodeID(hb.NodeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if hb.Timestamp == "" {
		hb.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if err := h.queue.RecordProbeHeartbeat(r.Context(), hb); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"heartbeat store unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleFederationStatus handles GET /api/federation/status: every probe
// whose heartbeat has not yet expired.
func (h *Handlers) HandleFederationStatus(w http.ResponseWriter, r *http.Request) {
	probes, err := h.queue.ProbeHeartbeats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"heartbeat store unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, model.FederationStatus{
		Probes: probes,
		Live:   len(probes),
	})
}
