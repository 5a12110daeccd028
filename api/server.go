/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for operator tooling

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/billingd: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Manual runs and their audit trail
		r.Route("/runs", func(r chi.Router) {
			r.Post("/invoice", h.TriggerInvoiceRun)
			r.Post("/reconciliation", h.TriggerReconciliationRun)
		})
		r.Get("/executions", h.ListExecutions)

		// Invoices and their ledger rows
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListPendingInvoices)
			r.Get("/{id}", h.GetInvoice)
			r.Get("/{id}/reconciliations", h.GetInvoiceReconciliations)
		})
		r.Post("/preview/reconciliation", h.PreviewReconciliation)

		// Configuration
		r.Route("/config", func(r chi.Router) {
			r.Get("/{company}", h.GetConfig)
			r.Put("/{company}", h.PutConfig)
		})
		r.Get("/rules", h.ListRules)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
