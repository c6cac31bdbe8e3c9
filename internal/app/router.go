package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/observability"
	"github.com/campusledger/campusledger/internal/payments"
	"github.com/campusledger/campusledger/internal/reports"
	"github.com/campusledger/campusledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Services   *Services
	JobHandler *jobs.Handler
	Metrics    *observability.Metrics
}

// NewRouter constructs the chi.Router serving the ledger API.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	svc := params.Services
	if svc != nil {
		reportsHandler := reports.NewHandler(logger, svc.Reports)
		paymentsHandler := payments.NewHandler(logger, svc.Payments, svc.Idempotency)
		ledgerHandler := ledger.NewHandler(logger, svc.Ledger)
		invoiceHandler := invoicing.NewHandler(logger, svc.Invoices, svc.Billing)

		r.Route("/accounts", accounts.NewHandler(svc.Accounts).MountRoutes)
		r.Route("/ledger", func(r chi.Router) {
			ledgerHandler.MountRoutes(r)
			r.Get("/summary", reportsHandler.Summary)
		})
		r.Route("/billings", billing.NewHandler(logger, svc.Billing).MountRoutes)
		r.Route("/invoices", func(r chi.Router) {
			invoiceHandler.MountRoutes(r)
			r.Get("/{id}/payments", paymentsHandler.ListForInvoice)
			r.Get("/{id}/aging", reportsHandler.InvoiceAging)
		})
		r.Route("/payments", paymentsHandler.MountRoutes)
		r.Route("/reports", reportsHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
