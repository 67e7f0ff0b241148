// Package api wires the HTTP surface together.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eumetnet/apikey-manager/internal/api/handlers"
	"github.com/eumetnet/apikey-manager/internal/api/middleware"
	"github.com/eumetnet/apikey-manager/internal/config"
)

// NewRouter builds the service router: public health and metrics endpoints,
// token-authenticated self-service endpoints and an admin subtree.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authmw *middleware.Auth) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authmw.Handler)

		r.Get("/apikey", h.GetAPIKey)
		r.Delete("/apikey", h.DeleteAPIKey)
		r.Get("/routes", h.GetRoutes)

		r.Route("/admin/users/{userUUID}", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Delete("/", h.DeleteUser)
			r.Put("/disable", h.DisableUser)
			r.Put("/enable", h.EnableUser)
			r.Put("/update-group", h.UpdateGroup)
			r.Put("/remove-group", h.RemoveGroup)
		})
	})

	return r
}
