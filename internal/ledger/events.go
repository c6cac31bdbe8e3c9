package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/shared"
)

// EventKind names a business event with a canonical posting.
type EventKind string

const (
	EventPaymentReceived EventKind = "payment_received"
	EventOEMPayment      EventKind = "oem_payment"
	EventOEMCost         EventKind = "oem_cost"
	EventExpense         EventKind = "expense"
	EventCommission      EventKind = "commission"
	EventInvoiceIssued   EventKind = "invoice_issued"
	EventTaxWithheld     EventKind = "tax_withheld"
	EventRefund          EventKind = "refund"
)

type postingRule struct {
	source SourceType
	debit  accounts.Account
	credit accounts.Account
	memo   string
}

var eventRules = map[EventKind]postingRule{
	EventPaymentReceived: {SourcePayment, accounts.Cash, accounts.AccountsReceivable, "Payment received"},
	EventOEMPayment:      {SourceOEMPayment, accounts.OEMPayable, accounts.Cash, "OEM payment"},
	EventOEMCost:         {SourceOEMCost, accounts.Expense, accounts.OEMPayable, "OEM cost accrued"},
	EventExpense:         {SourceExpense, accounts.Expense, accounts.Cash, "Operational expense"},
	EventCommission:      {SourceCommission, accounts.CommissionExpense, accounts.Cash, "Channel partner commission"},
	EventInvoiceIssued:   {SourceInvoice, accounts.AccountsReceivable, accounts.Revenue, "Invoice issued"},
	EventTaxWithheld:     {SourceTaxWithheld, accounts.TDSPayable, accounts.Cash, "Tax withheld"},
	EventRefund:          {SourceRefund, accounts.Revenue, accounts.Cash, "Refund issued"},
}

// EventKinds lists the supported events in a stable order.
func EventKinds() []EventKind {
	return []EventKind{
		EventPaymentReceived,
		EventOEMPayment,
		EventOEMCost,
		EventExpense,
		EventCommission,
		EventInvoiceIssued,
		EventTaxWithheld,
		EventRefund,
	}
}

// ParseEventKind normalises raw input into a known event kind.
func ParseEventKind(raw string) (EventKind, error) {
	kind := EventKind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := eventRules[kind]; !ok {
		return "", shared.NewValidationError("kind", fmt.Sprintf("unknown event %q", raw))
	}
	return kind, nil
}

// SourceFor returns the source type an event posts under.
func SourceFor(kind EventKind) (SourceType, bool) {
	rule, ok := eventRules[kind]
	return rule.source, ok
}

// EventInput describes one business event.
type EventInput struct {
	Kind     EventKind
	SourceID string
	Amount   decimal.Decimal
	Date     time.Time
	Memo     string
	Refs     Refs
	// AgainstReceivable credits a refund back to receivables instead of
	// reducing recognised revenue.
	AgainstReceivable bool
}

// EventPosting maps an event onto its two-line posting.
func EventPosting(in EventInput) (PostingInput, error) {
	rule, ok := eventRules[in.Kind]
	if !ok {
		return PostingInput{}, shared.NewValidationError("kind", fmt.Sprintf("unknown event %q", in.Kind))
	}
	debit := rule.debit
	if in.Kind == EventRefund && in.AgainstReceivable {
		debit = accounts.AccountsReceivable
	}
	memo := strings.TrimSpace(in.Memo)
	if memo == "" {
		memo = rule.memo
	}
	return PostingInput{
		SourceType: rule.source,
		SourceID:   in.SourceID,
		Lines: []LineInput{
			{Account: debit, EntryType: accounts.Debit, Amount: in.Amount},
			{Account: rule.credit, EntryType: accounts.Credit, Amount: in.Amount},
		},
		Memo: memo,
		Date: in.Date,
		Refs: in.Refs,
	}, nil
}

// RecordEvent posts the canonical entries for an event in its own transaction.
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (uuid.UUID, error) {
	posting, err := EventPosting(in)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Post(ctx, posting)
}

// RecordEventWithin posts an event inside the caller's transaction.
func (s *Service) RecordEventWithin(ctx context.Context, tx TxRepository, in EventInput) (Group, error) {
	posting, err := EventPosting(in)
	if err != nil {
		return Group{}, err
	}
	return s.PostWithin(ctx, tx, posting)
}
