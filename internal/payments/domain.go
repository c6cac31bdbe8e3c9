package payments

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/shared"
)

// Status enumerates payment states. Only completed payments count towards
// invoices and the ledger.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusReversed},
	StatusFailed:    nil,
	StatusReversed:  nil,
}

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transition(p Payment, to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("payments: payment %s %s -> %s: %w", p.ID, p.Status, to, shared.ErrInvalidStateTransition)
	}
	return nil
}

// Payment is money received against an invoice.
type Payment struct {
	ID                   uuid.UUID       `json:"id"`
	InvoiceID            uuid.UUID       `json:"invoice"`
	Amount               decimal.Decimal `json:"amount"`
	PaymentDate          time.Time       `json:"payment_date"`
	Method               string          `json:"payment_method"`
	Status               Status          `json:"status"`
	TransactionReference string          `json:"transaction_reference"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// RecordInput describes a payment to record.
type RecordInput struct {
	InvoiceID uuid.UUID
	Amount    decimal.Decimal
	Method    string
	Date      time.Time
	Reference string
	// Status defaults to completed.
	Status Status
}

// Validate checks the input shape.
func (in RecordInput) Validate() error {
	verr := &shared.ValidationError{}
	if in.InvoiceID == uuid.Nil {
		verr.Add("invoice", "required")
	}
	if !in.Amount.IsPositive() {
		verr.Add("amount", "must be greater than zero")
	} else if !shared.HasMoneyScale(in.Amount) {
		verr.Add("amount", "at most two decimal places")
	}
	if strings.TrimSpace(in.Method) == "" {
		verr.Add("payment_method", "required")
	}
	if in.Date.IsZero() {
		verr.Add("payment_date", "required")
	}
	switch in.Status {
	case "", StatusPending, StatusCompleted, StatusFailed:
	default:
		verr.Add("status", fmt.Sprintf("cannot record a %s payment", in.Status))
	}
	return verr.OrNil()
}
