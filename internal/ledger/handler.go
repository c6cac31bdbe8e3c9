package ledger

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/platform/httpx"
	"github.com/campusledger/campusledger/internal/shared"
)

// Handler exposes the ledger over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listEntries)
	r.Post("/entries", h.postAdjustment)
	r.Post("/events", h.recordEvent)
	r.Post("/reversals", h.reverse)
	r.Get("/sources/{type}/{id}", h.entriesFor)
	r.Get("/balances/{account}", h.balance)
}

type lineRequest struct {
	Account   string `json:"account" validate:"required"`
	EntryType string `json:"entry_type" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
}

type refsRequest struct {
	University        *int64     `json:"university"`
	OEM               *int64     `json:"oem"`
	Billing           *uuid.UUID `json:"billing"`
	Payment           *uuid.UUID `json:"payment"`
	Expense           *int64     `json:"expense"`
	Invoice           *uuid.UUID `json:"invoice"`
	ExternalReference string     `json:"external_reference"`
}

func (r refsRequest) toRefs() Refs {
	return Refs{
		UniversityID:      r.University,
		OEMID:             r.OEM,
		BillingID:         r.Billing,
		PaymentID:         r.Payment,
		ExpenseID:         r.Expense,
		InvoiceID:         r.Invoice,
		ExternalReference: strings.TrimSpace(r.ExternalReference),
	}
}

type adjustmentRequest struct {
	SourceID string        `json:"source_id" validate:"required"`
	Memo     string        `json:"memo" validate:"required"`
	Date     string        `json:"date"`
	Lines    []lineRequest `json:"lines" validate:"required,min=2,dive"`
	refsRequest
}

type eventRequest struct {
	Kind              string `json:"kind" validate:"required"`
	SourceID          string `json:"source_id" validate:"required"`
	Amount            string `json:"amount" validate:"required"`
	Date              string `json:"date"`
	Memo              string `json:"memo"`
	AgainstReceivable bool   `json:"against_receivable"`
	refsRequest
}

type reversalRequest struct {
	SourceType string `json:"source_type" validate:"required"`
	SourceID   string `json:"source_id" validate:"required"`
	Memo       string `json:"memo"`
}

type groupResponse struct {
	TransactionGroup uuid.UUID `json:"transaction_group"`
	Entries          []Entry   `json:"entries"`
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	university, err := httpx.QueryInt64(r, "university")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	start, err := httpx.QueryDate(r, "start_date")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	end, err := httpx.QueryDate(r, "end_date")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	page, err := httpx.PageRequest(r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	filter := EntryFilter{
		UniversityID: university,
		StartDate:    start,
		EndDate:      end,
		SourceType:   SourceType(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("transaction_type")))),
		Search:       r.URL.Query().Get("search"),
		Page:         page,
	}
	entries, total, err := h.service.ListEntries(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, shared.NewPage(entries, total, page, r.URL))
}

func (h *Handler) postAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	date, err := httpx.ParseDate("date", req.Date, time.Now())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	verr := &shared.ValidationError{}
	lines := make([]LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		account, err := accounts.Parse(l.Account)
		if err != nil {
			verr.Add("account", err.Error())
		}
		entryType, err := accounts.ParseEntryType(l.EntryType)
		if err != nil {
			verr.Add("entry_type", err.Error())
		}
		amount, err := shared.ParseAmount(l.Amount)
		if err != nil {
			verr.Merge("amount", err)
		}
		lines = append(lines, LineInput{Account: account, EntryType: entryType, Amount: amount})
	}
	if err := verr.OrNil(); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	input := PostingInput{
		SourceType: SourceAdjustment,
		SourceID:   req.SourceID,
		Lines:      lines,
		Memo:       req.Memo,
		Date:       date,
		Refs:       req.toRefs(),
	}
	id, err := h.service.Post(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	h.respondGroup(w, r, http.StatusCreated, id, SourceAdjustment, input.SourceID)
}

func (h *Handler) recordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	kind, err := ParseEventKind(req.Kind)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	if source, _ := SourceFor(kind); !source.LedgerOwned() {
		httpx.RespondError(w, r, h.logger, fmt.Errorf("ledger: %s events are posted by the %s lifecycle: %w", kind, source, shared.ErrInvalidStateTransition))
		return
	}
	amount, err := shared.ParseAmount(req.Amount)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	date, err := httpx.ParseDate("date", req.Date, time.Now())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	id, err := h.service.RecordEvent(r.Context(), EventInput{
		Kind:              kind,
		SourceID:          req.SourceID,
		Amount:            amount,
		Date:              date,
		Memo:              req.Memo,
		Refs:              req.toRefs(),
		AgainstReceivable: req.AgainstReceivable,
	})
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	source, _ := SourceFor(kind)
	h.respondGroup(w, r, http.StatusCreated, id, source, strings.TrimSpace(req.SourceID))
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	var req reversalRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	sourceType, err := ParseSourceType(req.SourceType)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	if !sourceType.LedgerOwned() {
		httpx.RespondError(w, r, h.logger, fmt.Errorf("ledger: %s postings are reversed by the %s lifecycle: %w", sourceType, sourceType, shared.ErrInvalidStateTransition))
		return
	}
	id, err := h.service.Reverse(r.Context(), sourceType, req.SourceID, req.Memo)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	h.respondGroup(w, r, http.StatusCreated, id, sourceType, strings.TrimSpace(req.SourceID))
}

func (h *Handler) entriesFor(w http.ResponseWriter, r *http.Request) {
	sourceType, err := ParseSourceType(chi.URLParam(r, "type"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	entries, err := h.service.EntriesFor(r.Context(), sourceType, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": entries})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	account, err := accounts.Parse(chi.URLParam(r, "account"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, shared.NewValidationError("account", err.Error()))
		return
	}
	asOf, err := httpx.ParseDate("as_of", r.URL.Query().Get("as_of"), time.Now())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	university, err := httpx.QueryInt64(r, "university")
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	balance, err := h.service.BalanceAsOf(r.Context(), account, asOf, BalanceFilter{UniversityID: university})
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"account": account,
		"as_of":   asOf.Format(httpx.DateLayout),
		"balance": balance,
	})
}

func (h *Handler) respondGroup(w http.ResponseWriter, r *http.Request, status int, id uuid.UUID, sourceType SourceType, sourceID string) {
	entries, err := h.service.EntriesFor(r.Context(), sourceType, sourceID)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	group := make([]Entry, 0, 2)
	for _, e := range entries {
		if e.GroupID == id {
			group = append(group, e)
		}
	}
	httpx.JSON(w, status, groupResponse{TransactionGroup: id, Entries: group})
}
