package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/lifecycle"
	"github.com/stratushq/stratus/internal/session"
	"github.com/stratushq/stratus/internal/storage"
)

// UserHandler handles user endpoints.
type UserHandler struct {
	store   storage.Storage
	manager *lifecycle.Manager
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(store storage.Storage, manager *lifecycle.Manager) *UserHandler {
	return &UserHandler{store: store, manager: manager}
}

// Create creates a new user.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Email == "" {
		respondError(w, http.StatusBadRequest, "name and email are required")
		return
	}

	user := &domain.User{
		ID:        generateID(),
		Name:      req.Name,
		Email:     req.Email,
		Admin:     req.Admin,
		Servers:   []domain.Server{},
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// List lists all users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

// Get returns a user by id, embedded server copies included.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// Update patches a user's profile fields.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.EditUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Admin != nil {
		user.Admin = *req.Admin
	}
	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// Delete removes a user after cascading cleanup over their servers.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.manager.DeleteUser(r.Context(), session.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}
