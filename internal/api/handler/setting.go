package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/storage"
)

// SettingHandler handles panel settings endpoints.
type SettingHandler struct {
	store storage.Storage
}

// NewSettingHandler creates a new SettingHandler.
func NewSettingHandler(store storage.Storage) *SettingHandler {
	return &SettingHandler{store: store}
}

// List lists all settings.
func (h *SettingHandler) List(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.ListSettings(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// Get returns a single setting.
func (h *SettingHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.store.GetSetting(r.Context(), key)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &domain.Setting{Key: key, Value: value})
}

// Put creates or replaces a setting.
func (h *SettingHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := chi.URLParam(r, "key")
	if err := h.store.PutSetting(r.Context(), key, req.Value); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &domain.Setting{Key: key, Value: req.Value})
}

// Delete removes a setting.
func (h *SettingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSetting(r.Context(), chi.URLParam(r, "key")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
