package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/contaflux/reconciler/internal/importer"
	"github.com/contaflux/reconciler/internal/ledger"
	"github.com/contaflux/reconciler/internal/repository"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	txnRepo *repository.TransactionRepo,
	runRepo *repository.RunRepo,
	gw ledger.Gateway,
	orch *importer.Orchestrator,
	source importer.Source,
) http.Handler {
	h := &Handlers{
		txnRepo: txnRepo,
		runRepo: runRepo,
		gw:      gw,
		orch:    orch,
		source:  source,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		// Imports.
		r.Post("/imports", h.TriggerImport)
		r.Get("/imports", h.ListImports)
		r.Get("/imports/{id}", h.GetImport)

		// Webhook ingestion.
		r.Post("/webhooks/bookkeeping", h.Webhook)

		// Operator suppression of a known-bad external record.
		r.Post("/suppressions", h.SuppressRecord)

		// Ledger views.
		r.Get("/transactions", h.ListTransactions)
		r.Get("/groups", h.ListGroups)

		// Dashboard.
		r.Get("/dashboard", h.GetDashboard)
	})

	return r
}
