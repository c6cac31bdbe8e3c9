package invoicing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/shared"
)

var (
	billingID = uuid.MustParse("3f2a9c1e-7b44-4d1a-9e0f-112233445566")
	published = time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sum(invoices []Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, inv := range invoices {
		total = total.Add(inv.Amount)
	}
	return total
}

func TestGenerateSingleInvoice(t *testing.T) {
	invoices, err := GenerateInvoices(Source{BillingID: billingID, Total: dec("15000")}, Options{IssueDate: published})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	require.True(t, inv.Amount.Equal(dec("15000")))
	require.True(t, inv.AmountPaid.IsZero())
	require.Equal(t, StatusUnpaid, inv.Status)
	require.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), inv.IssueDate)
	require.Equal(t, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), inv.DueDate)
	require.Equal(t, "INV-2025-3f2a9c1e-01", inv.Number)
}

func TestGenerateByBatchSkipsZeroParts(t *testing.T) {
	src := Source{BillingID: billingID, Total: dec("15000"), Parts: []Part{
		{Label: "Batch A", Amount: dec("10000")},
		{Label: "Batch B", Amount: dec("0")},
		{Label: "Batch C", Amount: dec("5000")},
	}}
	invoices, err := GenerateInvoices(src, Options{Policy: PolicyByBatch, IssueDate: published, NetTermsDays: 45})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	require.Equal(t, "Batch A", invoices[0].Notes)
	require.Equal(t, "INV-2025-3f2a9c1e-02", invoices[1].Number)
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), invoices[1].DueDate)
	require.True(t, sum(invoices).Equal(src.Total))
}

func TestGenerateByBatchRejectsMismatchedParts(t *testing.T) {
	src := Source{BillingID: billingID, Total: dec("100"), Parts: []Part{{Amount: dec("60")}}}
	_, err := GenerateInvoices(src, Options{Policy: PolicyByBatch, IssueDate: published})
	require.Error(t, err)
}

func TestGenerateCustomScheduleAbsorbsRounding(t *testing.T) {
	schedule := []Installment{
		{Percent: dec("33.33")},
		{Percent: dec("33.33"), DueInDays: 60},
		{Percent: dec("33.34"), DueInDays: 90},
	}
	src := Source{BillingID: billingID, Total: dec("1000.01")}
	invoices, err := GenerateInvoices(src, Options{Policy: PolicyCustomSchedule, IssueDate: published, Schedule: schedule})
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	require.Equal(t, "333.30", invoices[0].Amount.StringFixed(2))
	require.Equal(t, "333.30", invoices[1].Amount.StringFixed(2))
	require.Equal(t, "333.41", invoices[2].Amount.StringFixed(2))
	require.True(t, sum(invoices).Equal(src.Total))

	issue := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	require.Equal(t, issue.AddDate(0, 0, 30), invoices[0].DueDate)
	require.Equal(t, issue.AddDate(0, 0, 60), invoices[1].DueDate)
	require.Equal(t, issue.AddDate(0, 0, 90), invoices[2].DueDate)
}

func TestGenerateCustomScheduleManySmallSlices(t *testing.T) {
	schedule := make([]Installment, 10)
	for i := range schedule {
		schedule[i] = Installment{Percent: dec("10")}
	}
	src := Source{BillingID: billingID, Total: dec("0.05")}
	invoices, err := GenerateInvoices(src, Options{Policy: PolicyCustomSchedule, IssueDate: published, Schedule: schedule})
	require.NoError(t, err)
	require.True(t, sum(invoices).Equal(src.Total))
	for _, inv := range invoices {
		require.True(t, inv.Amount.IsPositive())
	}
}

func TestValidateSchedule(t *testing.T) {
	err := ValidateSchedule([]Installment{{Percent: dec("50")}, {Percent: dec("40")}})
	require.ErrorIs(t, err, shared.ErrValidation)

	err = ValidateSchedule(nil)
	require.ErrorIs(t, err, shared.ErrValidation)

	err = ValidateSchedule([]Installment{{Percent: dec("100"), DueInDays: -1}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestGenerateRejectsEmptyTotal(t *testing.T) {
	_, err := GenerateInvoices(Source{BillingID: billingID, Total: decimal.Zero}, Options{IssueDate: published})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = GenerateInvoices(Source{BillingID: billingID, Total: dec("10")}, Options{Policy: "weekly", IssueDate: published})
	require.ErrorIs(t, err, shared.ErrValidation)
}
