package api

import (
	"net/http"

	"github.com/agentoven/crowdconsult/internal/api/handlers"
	"github.com/agentoven/crowdconsult/internal/api/middleware"
	"github.com/agentoven/crowdconsult/internal/ratelimit"
	"github.com/agentoven/crowdconsult/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes. limiter may be
// nil, in which case requests are not rate limited.
func NewRouter(h *handlers.Handlers, chain contracts.AuthProviderChain, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()

	// Global middleware. No Compress: it buffers event streams.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Use(middleware.NewAuthMiddleware(chain).Handler)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)

	r.Route("/api/auth/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/", h.CreateSession)
		r.Delete("/", h.DeleteSession)
	})

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Route("/consultations", func(r chi.Router) {
			r.Get("/", h.ListConsultations)
			r.Post("/", h.CreateConsultation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetConsultation)
				r.Get("/stream", h.StreamConsultation)
				r.Post("/feedback", h.SubmitFeedback)
			})
		})
	})

	return r
}
