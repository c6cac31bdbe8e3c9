package accounts

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Account enumerates the fixed chart of accounts.
type Account string

const (
	Cash               Account = "cash"
	AccountsReceivable Account = "accounts_receivable"
	OEMPayable         Account = "oem_payable"
	Expense            Account = "expense"
	CommissionExpense  Account = "commission_expense"
	Revenue            Account = "revenue"
	TDSPayable         Account = "tds_payable"
)

var chart = []Account{Cash, AccountsReceivable, OEMPayable, Expense, CommissionExpense, Revenue, TDSPayable}

// EntryType is the side of a ledger entry.
type EntryType string

const (
	Debit  EntryType = "DEBIT"
	Credit EntryType = "CREDIT"
)

// Valid reports whether t is DEBIT or CREDIT.
func (t EntryType) Valid() bool {
	return t == Debit || t == Credit
}

// Opposite swaps DEBIT and CREDIT.
func (t EntryType) Opposite() EntryType {
	if t == Debit {
		return Credit
	}
	return Debit
}

// ParseEntryType accepts either case.
func ParseEntryType(raw string) (EntryType, error) {
	t := EntryType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("accounts: unknown entry type %q", raw)
	}
	return t, nil
}

// Class groups accounts for reporting.
type Class string

const (
	ClassAsset     Class = "asset"
	ClassLiability Class = "liability"
	ClassRevenue   Class = "revenue"
	ClassExpense   Class = "expense"
)

// Convention describes which side increases an account.
type Convention struct {
	IncreasesOn EntryType `json:"increases_on"`
}

// ValidAccounts returns the chart in a stable order.
func ValidAccounts() []Account {
	out := make([]Account, len(chart))
	copy(out, chart)
	return out
}

// Valid reports whether a is part of the chart.
func (a Account) Valid() bool {
	for _, c := range chart {
		if a == c {
			return true
		}
	}
	return false
}

// Parse resolves a chart account from its wire name.
func Parse(raw string) (Account, error) {
	a := Account(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("accounts: unknown account %q", raw)
	}
	return a, nil
}

// Class returns the reporting class of a.
func (a Account) Class() Class {
	switch a {
	case Cash, AccountsReceivable:
		return ClassAsset
	case OEMPayable, TDSPayable:
		return ClassLiability
	case Revenue:
		return ClassRevenue
	case Expense, CommissionExpense:
		return ClassExpense
	}
	return ""
}

// SignConvention is used for display and report signs only. Posting
// invariants are symmetric and never consult it.
func SignConvention(a Account) Convention {
	switch a.Class() {
	case ClassAsset, ClassExpense:
		return Convention{IncreasesOn: Debit}
	default:
		return Convention{IncreasesOn: Credit}
	}
}

var titleCaser = cases.Title(language.English)

// Label renders a display name, e.g. "Accounts Receivable".
func (a Account) Label() string {
	switch a {
	case OEMPayable:
		return "OEM Payable"
	case TDSPayable:
		return "TDS Payable"
	}
	return titleCaser.String(strings.ReplaceAll(string(a), "_", " "))
}
