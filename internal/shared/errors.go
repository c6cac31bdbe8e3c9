package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrUnbalancedEntry indicates debits and credits of a posting differ.
	ErrUnbalancedEntry = errors.New("unbalanced entry")
	// ErrDuplicatePosting indicates a second original posting for one source.
	ErrDuplicatePosting = errors.New("duplicate posting")
	// ErrAlreadyReversed indicates the source posting was already reversed.
	ErrAlreadyReversed = errors.New("already reversed")
	// ErrOverpayment indicates a payment exceeding the outstanding amount.
	ErrOverpayment = errors.New("overpayment")
	// ErrInvalidStateTransition indicates a lifecycle transition not allowed.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrStaleVersion indicates an optimistic concurrency conflict.
	ErrStaleVersion = errors.New("stale version")
)

// ValidationError carries field level messages.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError with a single field.
func NewValidationError(field, message string) *ValidationError {
	v := &ValidationError{Fields: map[string]string{}}
	v.Add(field, message)
	return v
}

// Add records a message for field; the first message per field wins.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, exists := e.Fields[field]; exists {
		return
	}
	e.Fields[field] = message
}

// Merge copies the fields of a ValidationError into e. Any other error is
// recorded under field.
func (e *ValidationError) Merge(field string, err error) {
	var other *ValidationError
	if errors.As(err, &other) {
		for k, msg := range other.Fields {
			e.Add(k, msg)
		}
		return
	}
	e.Add(field, err.Error())
}

// HasErrors reports whether any field failed.
func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// OrNil returns nil when nothing was recorded.
func (e *ValidationError) OrNil() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IsIntegrity reports ledger integrity violations. These point at a
// programming defect rather than a user mistake.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrUnbalancedEntry) ||
		errors.Is(err, ErrDuplicatePosting) ||
		errors.Is(err, ErrAlreadyReversed)
}

// UserSafeMessage returns a message suitable for API consumers.
func UserSafeMessage(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrOverpayment),
		errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrStaleVersion):
		return err.Error()
	default:
		return "internal error"
	}
}
