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
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/commissions/*    Commission calculation and lookup
  /api/apporteurs/*     Per-apporteur views (commissions, balance)
  /api/reversals        Contract event processing
  /api/statements/*     Statement lifecycle and line operations
  /api/scales/*         Scale catalog
  /api/commitments      Recurring commitments
  /api/recurrence/*     Recurrence runs
  /api/audit            Audit trail queries

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  Tenancy comes from the X-Organisation header.

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Organisation"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Commission routes
		r.Route("/commissions", func(r chi.Router) {
			r.Post("/calculate", h.CalculateCommission)
			r.Get("/{id}", h.GetCommission)
		})

		// Apporteur views
		r.Route("/apporteurs", func(r chi.Router) {
			r.Get("/{id}/commissions", h.ListCommissions)
			r.Get("/{id}/balance", h.GetBalance)
		})

		// Reversal routes
		r.Post("/reversals", h.CreateReversal)
		r.Get("/reversals", h.ListReversals)

		// Negative balance overview
		r.Get("/negative-balances", h.ListBalances)

		// Statement routes
		r.Route("/statements", func(r chi.Router) {
			r.Post("/generate", h.GenerateStatement)
			r.Get("/{id}", h.GetStatement)
			r.Post("/{id}/preselect", h.PreselectStatement)
			r.Post("/{id}/validate", h.ValidateStatement)
			r.Post("/{id}/finalize", h.FinalizeStatement)
			r.Route("/{id}/lines/{lineID}", func(r chi.Router) {
				r.Post("/deselect", h.DeselectLine)
				r.Post("/reselect", h.ReselectLine)
				r.Post("/dispute", h.DisputeLine)
				r.Post("/resolve", h.ResolveDispute)
			})
		})

		// Scale routes
		r.Route("/scales", func(r chi.Router) {
			r.Get("/", h.ListScales)
			r.Post("/", h.CreateScale)
		})

		// Recurrence routes
		r.Route("/commitments", func(r chi.Router) {
			r.Get("/", h.ListCommitments)
			r.Post("/", h.SaveCommitment)
		})
		r.Post("/recurrence/run", h.RunRecurrence)

		// Audit routes
		r.Get("/audit", h.QueryAudit)
	})

	return r
}
