package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/lifecycle"
	"github.com/stratushq/stratus/internal/session"
	"github.com/stratushq/stratus/internal/storage"
)

// ServerHandler handles server lifecycle endpoints.
type ServerHandler struct {
	store   storage.Storage
	manager *lifecycle.Manager
}

// NewServerHandler creates a new ServerHandler.
func NewServerHandler(store storage.Storage, manager *lifecycle.Manager) *ServerHandler {
	return &ServerHandler{store: store, manager: manager}
}

// Create provisions a new server.
func (h *ServerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateServerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	server, err := h.manager.Create(r.Context(), session.Actor(r.Context()), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, server)
}

// List lists servers, optionally filtered by owner.
func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		servers []*domain.Server
		err     error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		servers, err = h.store.ListServersByOwner(r.Context(), owner)
	} else {
		servers, err = h.store.ListServers(r.Context())
	}
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, servers)
}

// Get returns a canonical server record.
func (h *ServerHandler) Get(w http.ResponseWriter, r *http.Request) {
	server, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// Edit patches a server.
func (h *ServerHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req domain.EditServerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	server, err := h.manager.Edit(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// Delete tears down a server and reports the per-step outcome.
func (h *ServerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.manager.Delete(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// Suspend marks a server suspended.
func (h *ServerHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	server, err := h.manager.Suspend(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// Unsuspend clears a server's suspended flag.
func (h *ServerHandler) Unsuspend(w http.ResponseWriter, r *http.Request) {
	server, err := h.manager.Unsuspend(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// Reinstall rebuilds the container behind the server.
func (h *ServerHandler) Reinstall(w http.ResponseWriter, r *http.Request) {
	server, err := h.manager.Reinstall(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// AddPort claims the node allocation holding the port for the server.
func (h *ServerHandler) AddPort(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}
	server, err := h.manager.AddAllocation(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"), port)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// SetPrimary promotes one of the server's ports to primary.
func (h *ServerHandler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}
	server, err := h.manager.SetPrimary(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"), port)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// RemovePort releases one of the server's ports.
func (h *ServerHandler) RemovePort(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}
	server, err := h.manager.RemoveAllocation(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"), port)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// Audit returns the server's action journal.
func (h *ServerHandler) Audit(w http.ResponseWriter, r *http.Request) {
	server, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server.Audit)
}

// AddSubuser grants a user access to the server.
func (h *ServerHandler) AddSubuser(w http.ResponseWriter, r *http.Request) {
	server, err := h.manager.AddSubuser(r.Context(), session.Actor(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "user_id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

// RemoveSubuser revokes a user's access to the server.
func (h *ServerHandler) RemoveSubuser(w http.ResponseWriter, r *http.Request) {
	server, err := h.manager.RemoveSubuser(r.Context(), session.Actor(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "user_id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

func portParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid port")
		return 0, false
	}
	return port, true
}
