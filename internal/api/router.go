package api

import (
	"encoding/json"
	"net/http"

	"github.com/atiendo/atiendo/orchestrator/internal/api/handlers"
	"github.com/atiendo/atiendo/orchestrator/internal/api/middleware"
	"github.com/atiendo/atiendo/orchestrator/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.WorkspaceExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.RateLimit(cfg.Limits.RateRPS, cfg.Limits.RateBurst))

	// The decide endpoint is called service-to-service by the workflow
	// engine; CORS only matters for the operator surface, and wildcard
	// origins keep credentials disabled.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Workspace-Id", "X-Conversation-Id", "X-Request-Id", "X-Channel"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/orchestrator", func(r chi.Router) {
		r.Post("/decide", h.Decide)
		r.Get("/canary", h.GetCanary)
		r.Put("/canary", h.PutCanary)
		r.Get("/manifest/{vertical}", h.GetManifest)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "atiendo-orchestrator",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "atiendo-orchestrator",
		})
	}
}
