package billing

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/platform/httpx"
	"github.com/campusledger/campusledger/internal/shared"
)

// Handler manages billing endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/university-year", h.createUniversityYear)
	r.Get("/{id}", h.get)
	r.Post("/{id}/publish", h.publish)
	r.Post("/{id}/archive", h.archive)
	r.Delete("/{id}", h.delete)
}

type createRequest struct {
	University int64  `json:"university" validate:"required,gt=0"`
	Year       int    `json:"year" validate:"required"`
	Name       string `json:"name" validate:"max=200"`
	Notes      string `json:"notes" validate:"max=2000"`
	AllowEmpty bool   `json:"allow_empty"`
}

type createResponse struct {
	Billing
	Warnings []string `json:"warnings"`
}

type transitionRequest struct {
	Version     int64  `json:"version" validate:"required,gt=0"`
	PublishDate string `json:"publish_date"`
}

type publishResponse struct {
	Billing  Billing             `json:"billing"`
	Invoices []invoicing.Invoice `json:"invoices"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.PageRequest(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	university, err := httpx.QueryInt64(r, "university")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	filter := ListFilter{
		Status:       Status(strings.TrimSpace(r.URL.Query().Get("status"))),
		UniversityID: university,
		Search:       r.URL.Query().Get("search"),
		Page:         page,
	}
	billings, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, shared.NewPage(billings, total, page, r.URL))
}

func (h *Handler) createUniversityYear(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	res, err := h.service.CreateUniversityYearBilling(r.Context(), CreateInput{
		UniversityID: req.University,
		Year:         req.Year,
		Name:         req.Name,
		Notes:        req.Notes,
		AllowEmpty:   req.AllowEmpty,
	})
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	httpx.JSON(w, http.StatusCreated, createResponse{Billing: res.Billing, Warnings: warnings})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billingID(w, r)
	if !ok {
		return
	}
	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billingID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	date, err := httpx.ParseDate("publish_date", req.PublishDate, time.Now())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	b, invoices, err := h.service.Publish(r.Context(), id, req.Version, date)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, publishResponse{Billing: b, Invoices: invoices})
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billingID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	b, err := h.service.Archive(r.Context(), id, req.Version)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billingID(w, r)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version <= 0 {
		httpx.RespondError(w, r, h.logger, shared.NewValidationError("version", "required"))
		return
	}
	if err := h.service.Delete(r.Context(), id, version); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) billingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, shared.NewValidationError("id", "must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}
