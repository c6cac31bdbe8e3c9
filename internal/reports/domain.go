package reports

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/shared"
)

// Filter scopes ledger aggregates. Dates are inclusive.
type Filter struct {
	UniversityID *int64
	StartDate    *time.Time
	EndDate      *time.Time
}

// Validate checks filter coherence.
func (f Filter) Validate() error {
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return shared.NewValidationError("end_date", "must not be before start_date")
	}
	return nil
}

// Activity is the debit and credit volume of one account from one source type.
type Activity struct {
	Account    accounts.Account
	SourceType ledger.SourceType
	Debit      decimal.Decimal
	Credit     decimal.Decimal
}

// Income splits recognised revenue.
type Income struct {
	PaymentsReceived decimal.Decimal `json:"payments_received"`
	Refunds          decimal.Decimal `json:"refunds"`
	Total            decimal.Decimal `json:"total"`
}

// Expenses splits expense-class accounts by origin.
type Expenses struct {
	Operational decimal.Decimal `json:"operational"`
	OEM         decimal.Decimal `json:"oem"`
	Commission  decimal.Decimal `json:"commission"`
	Adjustments decimal.Decimal `json:"adjustments"`
	Total       decimal.Decimal `json:"total"`
}

// Summary is the income statement of a period.
type Summary struct {
	Income           Income          `json:"income"`
	Expenses         Expenses        `json:"expenses"`
	ProfitLoss       decimal.Decimal `json:"profit_loss"`
	TransactionCount int             `json:"transaction_count"`
}

// Summarize folds account activity into a summary on an accrual basis.
// Income is the net credit of revenue, with refund-sourced debits shown as
// refunds. Expenses are the net debits of expense and commission_expense.
// ProfitLoss therefore equals the revenue balance less both expense balances.
func Summarize(activity []Activity, transactions int) Summary {
	out := Summary{
		Income:           Income{PaymentsReceived: decimal.Zero, Refunds: decimal.Zero, Total: decimal.Zero},
		Expenses:         Expenses{Operational: decimal.Zero, OEM: decimal.Zero, Commission: decimal.Zero, Adjustments: decimal.Zero, Total: decimal.Zero},
		ProfitLoss:       decimal.Zero,
		TransactionCount: transactions,
	}
	for _, a := range activity {
		switch a.Account {
		case accounts.Revenue:
			if a.SourceType == ledger.SourceRefund {
				out.Income.Refunds = out.Income.Refunds.Add(a.Debit.Sub(a.Credit))
			} else {
				out.Income.PaymentsReceived = out.Income.PaymentsReceived.Add(a.Credit.Sub(a.Debit))
			}
		case accounts.Expense, accounts.CommissionExpense:
			net := a.Debit.Sub(a.Credit)
			switch {
			case a.SourceType == ledger.SourceAdjustment:
				out.Expenses.Adjustments = out.Expenses.Adjustments.Add(net)
			case a.Account == accounts.CommissionExpense:
				out.Expenses.Commission = out.Expenses.Commission.Add(net)
			case a.SourceType == ledger.SourceOEMCost:
				out.Expenses.OEM = out.Expenses.OEM.Add(net)
			default:
				out.Expenses.Operational = out.Expenses.Operational.Add(net)
			}
		}
	}
	out.Income.Total = out.Income.PaymentsReceived.Sub(out.Income.Refunds)
	out.Expenses.Total = shared.SumAmounts(out.Expenses.Operational, out.Expenses.OEM, out.Expenses.Commission, out.Expenses.Adjustments)
	out.ProfitLoss = out.Income.Total.Sub(out.Expenses.Total)
	return out
}

// QuarterSummary is the summary of one calendar quarter.
type QuarterSummary struct {
	Quarter   int       `json:"quarter"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Summary
}

// QuarterBounds returns the inclusive first and last day of quarter q of year.
func QuarterBounds(year, q int) (time.Time, time.Time) {
	start := time.Date(year, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 3, -1)
}

// DaysOverdue counts whole calendar days past the due date of an invoice with
// an unpaid remainder. The due date itself is not overdue.
func DaysOverdue(inv invoicing.Invoice, asOf time.Time) int {
	if inv.Status == invoicing.StatusCancelled || !inv.AmountPaid.LessThan(inv.Amount) {
		return 0
	}
	days := int(invoicing.DateOnly(asOf).Sub(invoicing.DateOnly(inv.DueDate)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// BalanceDue recomputes a billing balance from its invoices.
func BalanceDue(total decimal.Decimal, invoices []invoicing.Invoice) decimal.Decimal {
	paid := decimal.Zero
	for _, inv := range invoices {
		paid = paid.Add(inv.AmountPaid)
	}
	return total.Sub(paid)
}

// AgingBuckets spreads outstanding receivables by days overdue.
type AgingBuckets struct {
	AsOf       time.Time       `json:"as_of"`
	Current    decimal.Decimal `json:"current"`
	Days1To30  decimal.Decimal `json:"days_1_30"`
	Days31To60 decimal.Decimal `json:"days_31_60"`
	Days61To90 decimal.Decimal `json:"days_61_90"`
	Over90     decimal.Decimal `json:"over_90"`
	Total      decimal.Decimal `json:"total"`
	Invoices   int             `json:"invoices"`
}

// Aging buckets the outstanding balance of open invoices as of asOf.
func Aging(invoices []invoicing.Invoice, asOf time.Time) AgingBuckets {
	out := AgingBuckets{
		AsOf:       invoicing.DateOnly(asOf),
		Current:    decimal.Zero,
		Days1To30:  decimal.Zero,
		Days31To60: decimal.Zero,
		Days61To90: decimal.Zero,
		Over90:     decimal.Zero,
		Total:      decimal.Zero,
	}
	for _, inv := range invoices {
		if inv.Status == invoicing.StatusCancelled {
			continue
		}
		outstanding := inv.Outstanding()
		if !outstanding.IsPositive() {
			continue
		}
		days := DaysOverdue(inv, asOf)
		switch {
		case days == 0:
			out.Current = out.Current.Add(outstanding)
		case days <= 30:
			out.Days1To30 = out.Days1To30.Add(outstanding)
		case days <= 60:
			out.Days31To60 = out.Days31To60.Add(outstanding)
		case days <= 90:
			out.Days61To90 = out.Days61To90.Add(outstanding)
		default:
			out.Over90 = out.Over90.Add(outstanding)
		}
		out.Total = out.Total.Add(outstanding)
		out.Invoices++
	}
	return out
}

// InvoiceAging is the aging view of a single invoice.
type InvoiceAging struct {
	Invoice     invoicing.Invoice `json:"invoice"`
	AsOf        time.Time         `json:"as_of"`
	DaysOverdue int               `json:"days_overdue"`
	Outstanding decimal.Decimal   `json:"outstanding"`
}

func summaryKey(f Filter) string {
	uni := "all"
	if f.UniversityID != nil {
		uni = fmt.Sprintf("%d", *f.UniversityID)
	}
	return fmt.Sprintf("%s:%s:%s", uni, dateToken(f.StartDate), dateToken(f.EndDate))
}

func dateToken(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
