package invoicing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/shared"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusUnpaid        Status = "unpaid"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusOverdue       Status = "overdue"
	StatusCancelled     Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusUnpaid:        {StatusPartiallyPaid, StatusPaid, StatusOverdue, StatusCancelled},
	StatusPartiallyPaid: {StatusUnpaid, StatusPaid, StatusOverdue},
	StatusOverdue:       {StatusPartiallyPaid, StatusPaid, StatusUnpaid, StatusCancelled},
	StatusPaid:          {StatusPartiallyPaid, StatusUnpaid, StatusOverdue},
	StatusCancelled:     nil,
}

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from may move to to. Staying put is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Policy selects how a billing total is split into invoices.
type Policy string

const (
	PolicySingle         Policy = "single"
	PolicyByBatch        Policy = "by_batch"
	PolicyCustomSchedule Policy = "custom_schedule"
)

// Valid reports whether the policy is known.
func (p Policy) Valid() bool {
	switch p {
	case PolicySingle, PolicyByBatch, PolicyCustomSchedule:
		return true
	}
	return false
}

// DefaultNetTermsDays applies when no payment terms are configured.
const DefaultNetTermsDays = 30

// Invoice is an amount owed under a billing.
type Invoice struct {
	ID         uuid.UUID       `json:"id"`
	BillingID  uuid.UUID       `json:"billing"`
	Number     string          `json:"number"`
	Amount     decimal.Decimal `json:"amount"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	IssueDate  time.Time       `json:"issue_date"`
	DueDate    time.Time       `json:"due_date"`
	Status     Status          `json:"status"`
	Notes      string          `json:"notes"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Outstanding returns the unpaid remainder.
func (i Invoice) Outstanding() decimal.Decimal {
	return i.Amount.Sub(i.AmountPaid)
}

// RecomputeStatus derives the status from amounts and the due date.
// Cancelled invoices stay cancelled.
func RecomputeStatus(inv Invoice, asOf time.Time) Status {
	switch {
	case inv.Status == StatusCancelled:
		return StatusCancelled
	case inv.AmountPaid.Equal(inv.Amount):
		return StatusPaid
	case inv.AmountPaid.IsPositive():
		return StatusPartiallyPaid
	case dateOnly(asOf).After(dateOnly(inv.DueDate)):
		return StatusOverdue
	default:
		return StatusUnpaid
	}
}

// ApplyPayment adds a completed payment to the invoice. The overpayment
// check never clamps.
func ApplyPayment(inv Invoice, amount decimal.Decimal, asOf time.Time) (Invoice, error) {
	if !amount.IsPositive() {
		return inv, shared.NewValidationError("amount", "must be greater than zero")
	}
	if inv.Status == StatusCancelled {
		return inv, fmt.Errorf("invoicing: invoice %s is cancelled: %w", inv.Number, shared.ErrInvalidStateTransition)
	}
	paid := inv.AmountPaid.Add(amount)
	if paid.GreaterThan(inv.Amount) {
		return inv, fmt.Errorf("invoicing: invoice %s outstanding %s, payment %s: %w",
			inv.Number, shared.FormatAmount(inv.Outstanding()), shared.FormatAmount(amount), shared.ErrOverpayment)
	}
	return withPaid(inv, paid, asOf)
}

// RemovePayment takes a reversed payment back out of the invoice.
func RemovePayment(inv Invoice, amount decimal.Decimal, asOf time.Time) (Invoice, error) {
	paid := inv.AmountPaid.Sub(amount)
	if paid.IsNegative() {
		return inv, fmt.Errorf("invoicing: invoice %s paid %s cannot drop by %s",
			inv.Number, shared.FormatAmount(inv.AmountPaid), shared.FormatAmount(amount))
	}
	return withPaid(inv, paid, asOf)
}

func withPaid(inv Invoice, paid decimal.Decimal, asOf time.Time) (Invoice, error) {
	next := inv
	next.AmountPaid = paid
	next.Status = RecomputeStatus(next, asOf)
	if !CanTransition(inv.Status, next.Status) {
		return inv, fmt.Errorf("invoicing: %s -> %s: %w", inv.Status, next.Status, shared.ErrInvalidStateTransition)
	}
	next.UpdatedAt = asOf
	return next, nil
}

// Cancel marks an invoice without payments as cancelled.
func Cancel(inv Invoice, at time.Time) (Invoice, error) {
	if inv.AmountPaid.IsPositive() {
		return inv, fmt.Errorf("invoicing: invoice %s has payments: %w", inv.Number, shared.ErrInvalidStateTransition)
	}
	if !CanTransition(inv.Status, StatusCancelled) || inv.Status == StatusCancelled {
		return inv, fmt.Errorf("invoicing: %s -> %s: %w", inv.Status, StatusCancelled, shared.ErrInvalidStateTransition)
	}
	inv.Status = StatusCancelled
	inv.UpdatedAt = at
	return inv, nil
}

// Number renders the invoice number for the seq-th invoice of a billing.
func Number(billingID uuid.UUID, issueDate time.Time, seq int) string {
	return fmt.Sprintf("INV-%d-%s-%02d", issueDate.Year(), billingID.String()[:8], seq)
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	BillingID *uuid.UUID
	Status    Status
	Page      shared.PageRequest
}

// CreateInput describes a manual supplementary invoice.
type CreateInput struct {
	BillingID uuid.UUID
	Amount    decimal.Decimal
	IssueDate time.Time
	DueDate   *time.Time
	Notes     string
}

// Validate checks the input shape.
func (in CreateInput) Validate() error {
	verr := &shared.ValidationError{}
	if in.BillingID == uuid.Nil {
		verr.Add("billing", "required")
	}
	if !in.Amount.IsPositive() {
		verr.Add("amount", "must be greater than zero")
	} else if !shared.HasMoneyScale(in.Amount) {
		verr.Add("amount", "at most two decimal places")
	}
	if in.IssueDate.IsZero() {
		verr.Add("issue_date", "required")
	}
	if in.DueDate != nil && dateOnly(*in.DueDate).Before(dateOnly(in.IssueDate)) {
		verr.Add("due_date", "must not be before issue_date")
	}
	return verr.OrNil()
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOnly truncates t to a UTC calendar date.
func DateOnly(t time.Time) time.Time { return dateOnly(t) }
