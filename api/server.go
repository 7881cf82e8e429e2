/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin tooling

ROUTE GROUPS:
  /api/members/*       Balance and chronic condition lookups
  /api/claims/*        Pricing (dry-run) and adjudication (commit)
  /api/preapprovals/*  Authorization lifecycle
  /api/admin/*         Expiry sweep trigger

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/conditions", h.GetConditions)
		})

		// Claim routes
		r.Route("/claims", func(r chi.Router) {
			r.Post("/price", h.PriceClaim)
			r.Post("/adjudicate", h.AdjudicateClaim)
		})

		// Pre-approval routes
		r.Route("/preapprovals", func(r chi.Router) {
			r.Get("/", h.ListPreApprovals)
			r.Post("/", h.CreatePreApproval)
			r.Post("/check", h.CheckPreApproval)
			r.Post("/consume", h.ConsumePreApproval)
			r.Get("/{id}", h.GetPreApproval)
			r.Post("/{id}/submit", h.SubmitPreApproval)
			r.Post("/{id}/approve", h.ApprovePreApproval)
			r.Post("/{id}/reject", h.RejectPreApproval)
			r.Post("/{id}/cancel", h.CancelPreApproval)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/expire", h.TriggerExpiry)
		})
	})

	return r
}
