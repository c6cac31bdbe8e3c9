package payments

import (
	"context"
	"errors"
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

// IdempotencyHeader carries the client supplied request key.
const IdempotencyHeader = "Idempotency-Key"

const idempotencyModule = "payments"

// IdempotencyPort remembers processed request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler manages payment endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyPort
	validator   *validator.Validate
}

// NewHandler builds Handler instance. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyPort) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idempotency, validator: validator.New()}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Patch("/{id}", h.update)
}

type createRequest struct {
	Invoice              uuid.UUID `json:"invoice" validate:"required"`
	Amount               string    `json:"amount" validate:"required"`
	PaymentMethod        string    `json:"payment_method" validate:"required,max=50"`
	PaymentDate          string    `json:"payment_date"`
	TransactionReference string    `json:"transaction_reference" validate:"max=200"`
	Status               string    `json:"status" validate:"omitempty,oneof=pending completed failed"`
}

type updateRequest struct {
	Status string `json:"status" validate:"required,oneof=completed failed reversed"`
	Memo   string `json:"memo" validate:"max=500"`
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
	date, err := httpx.ParseDate("payment_date", req.PaymentDate, time.Now())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			httpx.RespondError(w, r, h.logger, err)
			return
		}
	}
	p, err := h.service.RecordPayment(r.Context(), RecordInput{
		InvoiceID: req.Invoice,
		Amount:    amount,
		Method:    req.PaymentMethod,
		Date:      date,
		Reference: req.TransactionReference,
		Status:    Status(req.Status),
	})
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, h.logger)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, h.logger)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	var (
		p   Payment
		err error
	)
	switch Status(req.Status) {
	case StatusCompleted:
		p, err = h.service.ConfirmPayment(r.Context(), id)
	case StatusFailed:
		p, err = h.service.FailPayment(r.Context(), id)
	case StatusReversed:
		p, err = h.service.ReversePayment(r.Context(), id, req.Memo)
	default:
		err = errors.New("payments: unreachable status")
	}
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

// ListForInvoice serves the payments of an invoice.
func (h *Handler) ListForInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, h.logger)
	if !ok {
		return
	}
	out, err := h.service.ListByInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"count": len(out), "results": out})
}

func parseID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, logger, shared.NewValidationError("id", "must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}
