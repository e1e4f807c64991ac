package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/storage"
)

// ImageHandler handles workload image endpoints.
type ImageHandler struct {
	store storage.Storage
}

// NewImageHandler creates a new ImageHandler.
func NewImageHandler(store storage.Storage) *ImageHandler {
	return &ImageHandler{store: store}
}

// Create creates a new image.
func (h *ImageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateImageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.DockerImage == "" {
		respondError(w, http.StatusBadRequest, "name and docker_image are required")
		return
	}

	image := &domain.Image{
		ID:           generateID(),
		Name:         req.Name,
		DockerImage:  req.DockerImage,
		Variables:    req.Variables,
		Files:        req.Files,
		StartCommand: req.StartCommand,
		StopCommand:  req.StopCommand,
		CreatedAt:    time.Now(),
	}
	if err := h.store.CreateImage(r.Context(), image); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, image)
}

// List lists all images.
func (h *ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	images, err := h.store.ListImages(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, images)
}

// Get returns an image by id.
func (h *ImageHandler) Get(w http.ResponseWriter, r *http.Request) {
	image, err := h.store.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, image)
}

// Update replaces an image's definition. Existing servers keep the
// snapshot they were created from.
func (h *ImageHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateImageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	image, err := h.store.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	if req.Name != "" {
		image.Name = req.Name
	}
	if req.DockerImage != "" {
		image.DockerImage = req.DockerImage
	}
	image.Variables = req.Variables
	image.Files = req.Files
	image.StartCommand = req.StartCommand
	image.StopCommand = req.StopCommand

	if err := h.store.UpdateImage(r.Context(), image); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, image)
}

// Delete removes an image. Servers created from it keep working from
// their embedded snapshot.
func (h *ImageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
