package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratushq/stratus/internal/allocation"
	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/lifecycle"
	"github.com/stratushq/stratus/internal/registry"
	"github.com/stratushq/stratus/internal/session"
)

// NodeHandler handles node and allocation endpoints.
type NodeHandler struct {
	registry *registry.Registry
	ledger   *allocation.Ledger
	manager  *lifecycle.Manager
}

// NewNodeHandler creates a new NodeHandler.
func NewNodeHandler(reg *registry.Registry, ledger *allocation.Ledger, manager *lifecycle.Manager) *NodeHandler {
	return &NodeHandler{registry: reg, ledger: ledger, manager: manager}
}

// Create registers a new node. The response carries the shared secret to
// install on the agent; it is redacted everywhere else.
func (h *NodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	// Expose the secret this once so the operator can configure the agent.
	respondJSON(w, http.StatusCreated, struct {
		*domain.Node
		Secret string `json:"secret"`
	}{node, node.Secret})
}

// List lists all nodes. With ?refresh=true every node is probed first.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	nodes, err := h.registry.List(r.Context(), refresh)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nodes)
}

// Get returns a node by id.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	node, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

// Delete removes a node after cascading cleanup over its servers.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.manager.DeleteNode(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// Version proxies the agent's version payload.
func (h *NodeHandler) Version(w http.ResponseWriter, r *http.Request) {
	payload, err := h.registry.Version(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// Stats proxies the agent's host statistics.
func (h *NodeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	payload, err := h.registry.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// AddAllocations inventories a port or port range on the node.
func (h *NodeHandler) AddAllocations(w http.ResponseWriter, r *http.Request) {
	var req domain.AddAllocationsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	added, err := h.ledger.Add(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, added)
}

// EditAllocation patches an allocation's ip, domain, or port.
func (h *NodeHandler) EditAllocation(w http.ResponseWriter, r *http.Request) {
	var req domain.EditAllocationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	alloc, err := h.ledger.Edit(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "alloc_id"), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alloc)
}

// RemoveAllocation hard-deletes a free allocation from the inventory.
func (h *NodeHandler) RemoveAllocation(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Remove(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "alloc_id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReleaseAllocation clears an allocation's ownership without deleting it.
func (h *NodeHandler) ReleaseAllocation(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Release(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "alloc_id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
