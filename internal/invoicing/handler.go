package invoicing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/campusledger/campusledger/internal/platform/httpx"
	"github.com/campusledger/campusledger/internal/shared"
)

// Issuer creates and cancels invoices on behalf of their billing.
type Issuer interface {
	CreateInvoice(ctx context.Context, in CreateInput) (Invoice, error)
	CancelInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
}

// Handler manages invoice endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	issuer    Issuer
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, issuer Issuer) *Handler {
	return &Handler{logger: logger, service: service, issuer: issuer, validator: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
}

type createRequest struct {
	Billing   uuid.UUID `json:"billing" validate:"required"`
	Amount    string    `json:"amount" validate:"required"`
	IssueDate string    `json:"issue_date"`
	DueDate   string    `json:"due_date"`
	Notes     string    `json:"notes" validate:"max=2000"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.PageRequest(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	filter := ListFilter{
		Status: Status(strings.TrimSpace(r.URL.Query().Get("status"))),
		Page:   page,
	}
	if raw := r.URL.Query().Get("billing"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, r, h.logger, shared.NewValidationError("billing", "must be a uuid"))
			return
		}
		filter.BillingID = &id
	}
	invoices, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, shared.NewPage(invoices, total, page, r.URL))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	amount, err := shared.ParseAmount(req.Amount)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	issue, err := httpx.ParseDate("issue_date", req.IssueDate, time.Now())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	in := CreateInput{BillingID: req.Billing, Amount: amount, IssueDate: issue, Notes: req.Notes}
	if req.DueDate != "" {
		due, err := httpx.ParseDate("due_date", req.DueDate, time.Time{})
		if err != nil {
			httpx.RespondError(w, r, h.logger, err)
			return
		}
		in.DueDate = &due
	}
	inv, err := h.issuer.CreateInvoice(r.Context(), in)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.issuer.CancelInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, shared.NewValidationError("id", "must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}
