package server

import (
	"errors"
	"net/http"

	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/storage"
)

// HandleListNodes handles GET /api/nodes.
func (h *Handlers) HandleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		h.internalError(w, r, "list nodes", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// HandleCreateNode handles POST /api/nodes.
func (h *Handlers) HandleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req model.CreateNodeRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateNodeID(req.NodeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Country != "" && len(req.Country) != 2 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"country must be ISO-3166-1 alpha-2")
		return
	}

	node, err := h.store.CreateNode(r.Context(), req)
	if errors.Is(err, storage.ErrDuplicate) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "node already exists")
		return
	}
	if err != nil {
		h.internalError(w, r, "create node", err)
		return
	}

	h.auditLog(r, "node.create", "node:"+req.NodeID, nil)
	writeJSON(w, r, http.StatusCreated, node)
}

// HandleDeleteNode handles DELETE /api/nodes/{node_id}. The delete is soft:
// the node is marked decommissioned and its metrics stay queryable.
func (h *Handlers) HandleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	if err := model.ValidateNodeID(nodeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	err := h.store.DeleteNode(r.Context(), nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "node not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "delete node", err)
		return
	}

	h.auditLog(r, "node.delete", "node:"+nodeID, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "decommissioned",
		"node_id": nodeID,
	})
}
