// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/campusledger/campusledger/internal/shared"
)

// RespondError maps the engine error taxonomy to RFC7807 responses.
// Duplicate and already reversed postings are conflicts. Unbalanced groups
// and unknown errors surface as a generic 500 and are logged for manual
// review.
func RespondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: verr.Error(),
			Fields: verr.Fields,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrOverpayment):
		Problem(w, http.StatusUnprocessableEntity, "Overpayment", err.Error())
	case errors.Is(err, shared.ErrInvalidStateTransition):
		Problem(w, http.StatusUnprocessableEntity, "Invalid State Transition", err.Error())
	case errors.Is(err, shared.ErrStaleVersion):
		Problem(w, http.StatusConflict, "Stale Version", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, shared.ErrDuplicatePosting):
		Problem(w, http.StatusConflict, "Duplicate Posting", err.Error())
	case errors.Is(err, shared.ErrAlreadyReversed):
		Problem(w, http.StatusConflict, "Already Reversed", err.Error())
	case errors.Is(err, shared.ErrUnbalancedEntry):
		logError(r, logger, "ledger integrity violation", err)
		Problem(w, http.StatusInternalServerError, "Internal Error", "internal error")
	default:
		logError(r, logger, "request failed", err)
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func logError(r *http.Request, logger *slog.Logger, msg string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{slog.Any("error", err)}
	if r != nil {
		attrs = append(attrs, slog.String("method", r.Method), slog.String("path", r.URL.Path))
	}
	logger.Error(msg, attrs...)
}
