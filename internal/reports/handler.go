package reports

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/campusledger/campusledger/internal/platform/httpx"
	"github.com/campusledger/campusledger/internal/shared"
)

// Handler exposes summaries and aging over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/summary", h.Summary)
	r.Get("/quarterly", h.quarterly)
	r.Get("/aging", h.aging)
	r.Get("/overview", h.overview)
}

// Summary serves the ledger summary for ?university=&start_date=&end_date=.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	out, err := h.service.LedgerSummary(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

// InvoiceAging serves the aging of the invoice in the id URL parameter.
func (h *Handler) InvoiceAging(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, shared.NewValidationError("id", "must be a uuid"))
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	out, err := h.service.InvoiceAging(r.Context(), id, asOf)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) quarterly(w http.ResponseWriter, r *http.Request) {
	year, err := httpx.QueryInt(r, "year")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	if year == 0 {
		year = time.Now().Year()
	}
	university, err := httpx.QueryInt64(r, "university")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	out, err := h.service.QuarterlyBreakdown(r.Context(), year, university)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"year": year, "quarters": out})
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	filter, err := parseInvoiceFilter(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	out, err := h.service.AgingReport(r.Context(), asOf, filter)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

type overviewResponse struct {
	Summary   Summary          `json:"summary"`
	Quarters  []QuarterSummary `json:"quarters"`
	Aging     AgingBuckets     `json:"aging"`
	Generated time.Time        `json:"generated_at"`
}

// overview loads the summary, the quarterly breakdown and aging concurrently.
func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	university, err := httpx.QueryInt64(r, "university")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	out, err := h.loadOverview(r.Context(), university, asOf)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) loadOverview(ctx context.Context, university *int64, asOf time.Time) (overviewResponse, error) {
	out := overviewResponse{Generated: time.Now().UTC()}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		summary, err := h.service.LedgerSummary(ctx, Filter{UniversityID: university, EndDate: &asOf})
		if err != nil {
			return err
		}
		out.Summary = summary
		return nil
	})

	g.Go(func() error {
		quarters, err := h.service.QuarterlyBreakdown(ctx, asOf.Year(), university)
		if err != nil {
			return err
		}
		out.Quarters = quarters
		return nil
	})

	g.Go(func() error {
		buckets, err := h.service.AgingReport(ctx, asOf, InvoiceFilter{UniversityID: university})
		if err != nil {
			return err
		}
		out.Aging = buckets
		return nil
	})

	if err := g.Wait(); err != nil {
		return overviewResponse{}, err
	}
	return out, nil
}

func parseFilter(r *http.Request) (Filter, error) {
	var (
		f   Filter
		err error
	)
	if f.UniversityID, err = httpx.QueryInt64(r, "university"); err != nil {
		return Filter{}, err
	}
	if f.StartDate, err = httpx.QueryDate(r, "start_date"); err != nil {
		return Filter{}, err
	}
	if f.EndDate, err = httpx.QueryDate(r, "end_date"); err != nil {
		return Filter{}, err
	}
	return f, f.Validate()
}

func parseInvoiceFilter(r *http.Request) (InvoiceFilter, error) {
	var (
		f   InvoiceFilter
		err error
	)
	if f.UniversityID, err = httpx.QueryInt64(r, "university"); err != nil {
		return InvoiceFilter{}, err
	}
	if raw := r.URL.Query().Get("billing"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return InvoiceFilter{}, shared.NewValidationError("billing", "must be a uuid")
		}
		f.BillingID = &id
	}
	return f, nil
}

func asOfParam(r *http.Request) (time.Time, error) {
	asOf, err := httpx.QueryDate(r, "as_of")
	if err != nil {
		return time.Time{}, err
	}
	if asOf == nil {
		return time.Now().UTC(), nil
	}
	return *asOf, nil
}
