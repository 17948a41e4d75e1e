package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the warmup API routes.
func SetupRoutes(h *Handlers, health *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", health.HandleHealth)

	// Open-pixel tracking, outside /api: fetched by mail clients.
	r.Get("/t/open/{messageID}", h.TrackOpen)

	r.Route("/api/warmup", func(r chi.Router) {
		r.Post("/schedule", h.TriggerSchedule)
		r.Get("/quota/{email}", h.GetQuota)
		r.Get("/messages/{messageID}", h.GetMessage)
		r.Get("/stats/{email}", h.GetSenderStats)
	})

	return r
}
