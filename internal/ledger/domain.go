package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/shared"
)

// SourceType identifies the business event family a posting belongs to.
type SourceType string

const (
	SourcePayment     SourceType = "payment"
	SourceInvoice     SourceType = "invoice"
	SourceExpense     SourceType = "expense"
	SourceOEMPayment  SourceType = "oem_payment"
	SourceOEMCost     SourceType = "oem_cost"
	SourceCommission  SourceType = "commission"
	SourceTaxWithheld SourceType = "tax_withheld"
	SourceRefund      SourceType = "refund"
	SourceAdjustment  SourceType = "adjustment"
)

var sourceTypes = []SourceType{
	SourcePayment,
	SourceInvoice,
	SourceExpense,
	SourceOEMPayment,
	SourceOEMCost,
	SourceCommission,
	SourceTaxWithheld,
	SourceRefund,
	SourceAdjustment,
}

// SourceTypes lists every known source type.
func SourceTypes() []SourceType {
	out := make([]SourceType, len(sourceTypes))
	copy(out, sourceTypes)
	return out
}

// Valid reports whether the source type is known.
func (s SourceType) Valid() bool {
	for _, known := range sourceTypes {
		if s == known {
			return true
		}
	}
	return false
}

// LedgerOwned reports whether postings for the source are written through
// the ledger API. Payments and invoices are posted and reversed only by the
// modules that own their lifecycle.
func (s SourceType) LedgerOwned() bool {
	return s.Valid() && s != SourcePayment && s != SourceInvoice
}

// ParseSourceType normalises raw input into a known source type.
func ParseSourceType(raw string) (SourceType, error) {
	st := SourceType(strings.ToLower(strings.TrimSpace(raw)))
	if !st.Valid() {
		return "", shared.NewValidationError("source_type", fmt.Sprintf("unknown source type %q", raw))
	}
	return st, nil
}

// Refs carries the optional cross references stamped on every entry of a group.
type Refs struct {
	UniversityID      *int64     `json:"university,omitempty"`
	OEMID             *int64     `json:"oem,omitempty"`
	BillingID         *uuid.UUID `json:"billing,omitempty"`
	PaymentID         *uuid.UUID `json:"payment,omitempty"`
	ExpenseID         *int64     `json:"expense,omitempty"`
	InvoiceID         *uuid.UUID `json:"invoice,omitempty"`
	ExternalReference string     `json:"external_reference,omitempty"`
}

// Entry is one immutable ledger line.
type Entry struct {
	ID         uuid.UUID          `json:"id"`
	GroupID    uuid.UUID          `json:"transaction_group"`
	EntryDate  time.Time          `json:"entry_date"`
	Account    accounts.Account   `json:"account"`
	EntryType  accounts.EntryType `json:"entry_type"`
	Amount     decimal.Decimal    `json:"amount"`
	Memo       string             `json:"memo"`
	SourceType SourceType         `json:"source_type"`
	SourceID   string             `json:"source_id"`
	Refs
	Reversing bool      `json:"reversing"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is the set of entries written atomically for one business event.
type Group struct {
	ID         uuid.UUID  `json:"id"`
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	Reversing  bool       `json:"reversing"`
	Memo       string     `json:"memo"`
	EntryDate  time.Time  `json:"entry_date"`
	CreatedAt  time.Time  `json:"created_at"`
	Entries    []Entry    `json:"entries"`
}

// Totals sums debit and credit amounts of the group.
func (g Group) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, e := range g.Entries {
		if e.EntryType == accounts.Debit {
			debit = debit.Add(e.Amount)
		} else {
			credit = credit.Add(e.Amount)
		}
	}
	return debit, credit
}

// Balanced reports whether the group satisfies the double-entry rule.
func (g Group) Balanced() bool {
	debit, credit := g.Totals()
	return len(g.Entries) >= 2 && debit.Equal(credit)
}

// LineInput is one requested line of a posting.
type LineInput struct {
	Account   accounts.Account   `json:"account"`
	EntryType accounts.EntryType `json:"entry_type"`
	Amount    decimal.Decimal    `json:"amount"`
}

// PostingInput describes a balanced posting request.
type PostingInput struct {
	SourceType SourceType
	SourceID   string
	Lines      []LineInput
	Memo       string
	Date       time.Time
	Refs       Refs
}

// Validate checks shape first and balance last, so malformed input is
// reported as a validation error and only well-formed input can be unbalanced.
func (p PostingInput) Validate() error {
	verr := &shared.ValidationError{}
	if !p.SourceType.Valid() {
		verr.Add("source_type", fmt.Sprintf("unknown source type %q", p.SourceType))
	}
	if strings.TrimSpace(p.SourceID) == "" {
		verr.Add("source_id", "required")
	}
	if p.Date.IsZero() {
		verr.Add("date", "required")
	}
	if len(p.Lines) < 2 {
		verr.Add("lines", "at least two lines required")
	}
	for i, line := range p.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if !line.Account.Valid() {
			verr.Add(field+".account", fmt.Sprintf("unknown account %q", line.Account))
		}
		if !line.EntryType.Valid() {
			verr.Add(field+".entry_type", "must be DEBIT or CREDIT")
		}
		if !line.Amount.IsPositive() {
			verr.Add(field+".amount", "must be greater than zero")
		} else if !shared.HasMoneyScale(line.Amount) {
			verr.Add(field+".amount", "at most two decimal places")
		}
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range p.Lines {
		if line.EntryType == accounts.Debit {
			debit = debit.Add(line.Amount)
		} else {
			credit = credit.Add(line.Amount)
		}
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("ledger: %s %s debits %s != credits %s: %w",
			p.SourceType, p.SourceID, shared.FormatAmount(debit), shared.FormatAmount(credit), shared.ErrUnbalancedEntry)
	}
	return nil
}

// BalanceFilter narrows a balance query.
type BalanceFilter struct {
	UniversityID *int64
}

// Totals holds debit and credit sums of an account.
type Totals struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Natural returns the balance in the account's natural sign.
func (t Totals) Natural(account accounts.Account) decimal.Decimal {
	if accounts.SignConvention(account).IncreasesOn == accounts.Debit {
		return t.Debit.Sub(t.Credit)
	}
	return t.Credit.Sub(t.Debit)
}

// EntryFilter narrows ledger listings.
type EntryFilter struct {
	UniversityID *int64
	StartDate    *time.Time
	EndDate      *time.Time
	SourceType   SourceType
	Search       string
	Page         shared.PageRequest
}

// Validate checks filter coherence.
func (f EntryFilter) Validate() error {
	verr := &shared.ValidationError{}
	if f.SourceType != "" && !f.SourceType.Valid() {
		verr.Add("transaction_type", fmt.Sprintf("unknown transaction type %q", f.SourceType))
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		verr.Add("end_date", "must not be before start_date")
	}
	return verr.OrNil()
}

// Imbalance reports a stored group violating the double-entry rule.
type Imbalance struct {
	GroupID    uuid.UUID       `json:"group_id"`
	SourceType SourceType      `json:"source_type"`
	SourceID   string          `json:"source_id"`
	Debit      decimal.Decimal `json:"debit"`
	Credit     decimal.Decimal `json:"credit"`
	Entries    int             `json:"entries"`
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
