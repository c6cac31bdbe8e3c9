package invoicing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/shared"
)

var hundred = decimal.NewFromInt(100)

// Installment is one slice of a custom schedule.
type Installment struct {
	Percent decimal.Decimal `json:"percent"`
	// DueInDays counts from the issue date; zero falls back to the net terms.
	DueInDays int `json:"due_in_days"`
}

// Options controls invoice generation.
type Options struct {
	Policy       Policy
	NetTermsDays int
	IssueDate    time.Time
	Schedule     []Installment
}

// Part is a line of the billing that by_batch turns into its own invoice.
type Part struct {
	Label  string
	Amount decimal.Decimal
}

// Source is the billing data invoices are derived from.
type Source struct {
	BillingID uuid.UUID
	Total     decimal.Decimal
	Parts     []Part
}

// ValidateSchedule checks installment percents sum to exactly 100.
func ValidateSchedule(schedule []Installment) error {
	if len(schedule) == 0 {
		return shared.NewValidationError("schedule", "at least one installment required")
	}
	verr := &shared.ValidationError{}
	sum := decimal.Zero
	for i, inst := range schedule {
		if !inst.Percent.IsPositive() {
			verr.Add(fmt.Sprintf("schedule[%d].percent", i), "must be greater than zero")
		}
		if inst.DueInDays < 0 {
			verr.Add(fmt.Sprintf("schedule[%d].due_in_days", i), "must not be negative")
		}
		sum = sum.Add(inst.Percent)
	}
	if !sum.Equal(hundred) {
		verr.Add("schedule", fmt.Sprintf("percents sum to %s, want 100", sum.String()))
	}
	return verr.OrNil()
}

// GenerateInvoices splits the billing total into invoices per the policy.
// The invoice amounts always sum to the total exactly: scheduled
// installments are truncated to cents and the last one takes the remainder.
func GenerateInvoices(src Source, opts Options) ([]Invoice, error) {
	if !src.Total.IsPositive() {
		return nil, shared.NewValidationError("total_amount", "billing has nothing to invoice")
	}
	if opts.IssueDate.IsZero() {
		return nil, shared.NewValidationError("issue_date", "required")
	}
	if opts.Policy == "" {
		opts.Policy = PolicySingle
	}
	if opts.NetTermsDays <= 0 {
		opts.NetTermsDays = DefaultNetTermsDays
	}
	issue := dateOnly(opts.IssueDate)
	due := issue.AddDate(0, 0, opts.NetTermsDays)

	var drafts []Invoice
	switch opts.Policy {
	case PolicySingle:
		drafts = []Invoice{{Amount: src.Total, DueDate: due}}
	case PolicyByBatch:
		sum := decimal.Zero
		for _, part := range src.Parts {
			sum = sum.Add(part.Amount)
			if !part.Amount.IsPositive() {
				continue
			}
			drafts = append(drafts, Invoice{Amount: part.Amount, DueDate: due, Notes: part.Label})
		}
		if !sum.Equal(src.Total) {
			return nil, fmt.Errorf("invoicing: batch amounts %s do not sum to total %s", sum.String(), src.Total.String())
		}
	case PolicyCustomSchedule:
		if err := ValidateSchedule(opts.Schedule); err != nil {
			return nil, err
		}
		allocated := decimal.Zero
		for i, inst := range opts.Schedule {
			amount := src.Total.Mul(inst.Percent).Div(hundred).Truncate(shared.MoneyScale)
			if i == len(opts.Schedule)-1 {
				amount = src.Total.Sub(allocated)
			}
			allocated = allocated.Add(amount)
			instDue := due
			if inst.DueInDays > 0 {
				instDue = issue.AddDate(0, 0, inst.DueInDays)
			}
			drafts = append(drafts, Invoice{
				Amount:  amount,
				DueDate: instDue,
				Notes:   fmt.Sprintf("Installment %d of %d (%s%%)", i+1, len(opts.Schedule), inst.Percent.String()),
			})
		}
	default:
		return nil, shared.NewValidationError("policy", fmt.Sprintf("unknown invoice policy %q", opts.Policy))
	}

	out := make([]Invoice, 0, len(drafts))
	for _, d := range drafts {
		if !d.Amount.IsPositive() {
			continue
		}
		d.ID = uuid.New()
		d.BillingID = src.BillingID
		d.Number = Number(src.BillingID, issue, len(out)+1)
		d.AmountPaid = decimal.Zero
		d.IssueDate = issue
		d.Status = StatusUnpaid
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, shared.NewValidationError("total_amount", "billing has nothing to invoice")
	}
	return out, nil
}
