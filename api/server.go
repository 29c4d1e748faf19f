/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/enrollments/*     Checkout and enrollment lifecycle
  /api/intents/*         Intent state and gateway verification
  /api/actors/*          Per-actor balance, entries, enrollments
  /api/gateway/webhook   Payment provider callbacks
  /api/definitions/*     Recurring schedules
  /api/targets/*         Catalog admin
  /api/reconciliation/*  Manual reconciliation queue
  /metrics               Prometheus scrape endpoint
  /healthz               Liveness (database ping)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Enrollment routes
		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", h.Checkout)
			r.Get("/{id}", h.GetEnrollment)
			r.Post("/{id}/revoke", h.RevokeEnrollment)
		})
		r.Get("/intents/{id}", h.GetIntent)
		r.Get("/intents/{id}/verify", h.VerifyIntent)

		// Per-actor views
		r.Route("/actors/{actor}", func(r chi.Router) {
			r.Get("/enrollments", h.ListEnrollments)
			r.Get("/balance", h.GetBalance)
			r.Get("/entries", h.GetEntries)
		})

		r.Post("/gateway/webhook", h.GatewayWebhook)

		// Ledger routes
		r.Post("/payouts", h.RequestPayout)
		r.Post("/entries/{id}/reverse", h.ReverseEntry)

		// Scheduling routes
		r.Route("/definitions", func(r chi.Router) {
			r.Post("/", h.CreateDefinition)
			r.Get("/{id}", h.GetDefinition)
			r.Post("/{id}/materialize", h.Materialize)
			r.Post("/{id}/cancel", h.CancelDefinition)
			r.Get("/{id}/instances", h.ListInstances)
		})
		r.Post("/events", h.ScheduleOneOff)

		// Admin routes
		r.Route("/targets", func(r chi.Router) {
			r.Post("/links", h.LinkTargets)
			r.Put("/{kind}/{id}", h.PutTarget)
		})
		r.Put("/memberships", h.PutMembership)

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/cases", h.ListReconciliationCases)
			r.Post("/ledger", h.ReconcileLedger)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
