// Package api wires the HTTP surface of the control plane.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stratushq/stratus/internal/allocation"
	"github.com/stratushq/stratus/internal/api/handler"
	"github.com/stratushq/stratus/internal/api/middleware"
	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/lifecycle"
	"github.com/stratushq/stratus/internal/registry"
	"github.com/stratushq/stratus/internal/relay"
	"github.com/stratushq/stratus/internal/storage"
)

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(
	store storage.Storage,
	reg *registry.Registry,
	ledger *allocation.Ledger,
	manager *lifecycle.Manager,
	rly *relay.Relay,
	bootstrapKey string,
	log *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(log))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// API routes (auth required, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(store, bootstrapKey))

		// Streams skip the Content-Type middleware; the connection is
		// hijacked for the websocket upgrade.
		r.Route("/servers/{id}", func(r chi.Router) {
			r.Use(middleware.RequireCapability(domain.CapServers))
			r.Get("/console", rly.Console)
			r.Get("/stats/stream", rly.Stats)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.ContentType)

			// API Keys
			keyHandler := handler.NewAPIKeyHandler(store)
			r.Route("/keys", func(r chi.Router) {
				r.Use(middleware.RequireCapability(domain.CapSettings))
				r.Post("/", keyHandler.Create)
				r.Get("/", keyHandler.List)
				r.Delete("/{id}", keyHandler.Delete)
			})

			// Nodes and their allocation inventory
			nodeHandler := handler.NewNodeHandler(reg, ledger, manager)
			r.Route("/nodes", func(r chi.Router) {
				r.Use(middleware.RequireCapability(domain.CapNodes))
				r.Post("/", nodeHandler.Create)
				r.Get("/", nodeHandler.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", nodeHandler.Get)
					r.Delete("/", nodeHandler.Delete)
					r.Get("/version", nodeHandler.Version)
					r.Get("/stats", nodeHandler.Stats)

					r.Post("/allocations", nodeHandler.AddAllocations)
					r.Put("/allocations/{alloc_id}", nodeHandler.EditAllocation)
					r.Delete("/allocations/{alloc_id}", nodeHandler.RemoveAllocation)
					r.Post("/allocations/{alloc_id}/release", nodeHandler.ReleaseAllocation)
				})
			})

			// Servers
			serverHandler := handler.NewServerHandler(store, manager)
			r.Route("/servers", func(r chi.Router) {
				r.Use(middleware.RequireCapability(domain.CapServers))
				r.Post("/", serverHandler.Create)
				r.Get("/", serverHandler.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", serverHandler.Get)
					r.Put("/", serverHandler.Edit)
					r.Delete("/", serverHandler.Delete)
					r.Post("/suspend", serverHandler.Suspend)
					r.Post("/unsuspend", serverHandler.Unsuspend)
					r.Post("/reinstall", serverHandler.Reinstall)
					r.Get("/audit", serverHandler.Audit)

					r.Post("/network/{port}", serverHandler.AddPort)
					r.Put("/network/{port}/primary", serverHandler.SetPrimary)
					r.Delete("/network/{port}", serverHandler.RemovePort)

					r.Put("/subusers/{user_id}", serverHandler.AddSubuser)
					r.Delete("/subusers/{user_id}", serverHandler.RemoveSubuser)
				})
			})

			// Users
			userHandler := handler.NewUserHandler(store, manager)
			r.Route("/users", func(r chi.Router) {
				r.Use(middleware.RequireCapability(domain.CapUsers))
				r.Post("/", userHandler.Create)
				r.Get("/", userHandler.List)
				r.Get("/{id}", userHandler.Get)
				r.Put("/{id}", userHandler.Update)
				r.Delete("/{id}", userHandler.Delete)
			})

			// Images
			imageHandler := handler.NewImageHandler(store)
			r.Route("/images", func(r chi.Router) {
				r.Use(middleware.RequireCapability(domain.CapImages))
				r.Post("/", imageHandler.Create)
				r.Get("/", imageHandler.List)
				r.Get("/{id}", imageHandler.Get)
				r.Put("/{id}", imageHandler.Update)
				r.Delete("/{id}", imageHandler.Delete)
			})

			// Settings
			settingHandler := handler.NewSettingHandler(store)
			r.Route("/settings", func(r chi.Router) {
				r.Use(middleware.RequireCapability(domain.CapSettings))
				r.Get("/", settingHandler.List)
				r.Get("/{key}", settingHandler.Get)
				r.Put("/{key}", settingHandler.Put)
				r.Delete("/{key}", settingHandler.Delete)
			})
		})
	})

	return r
}
