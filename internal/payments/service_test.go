package payments_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/payments"
	"github.com/campusledger/campusledger/internal/shared"
	"github.com/campusledger/campusledger/internal/store/memory"
)

var (
	issueDay = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	payDay   = time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Service
	billings *billing.Service
	invoices *invoicing.Service
	payments *payments.Service
	billing  billing.Billing
	invoice  invoicing.Invoice
}

// newFixture publishes a $15,000 billing with a single invoice.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	store.PutBatch(billing.Batch{
		ID: 1, UniversityID: 7, Name: "Cohort A",
		CostPerStudent: dec("500"), NumberOfStudents: 20, TaxRate: decimal.Zero,
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	store.PutBatch(billing.Batch{
		ID: 2, UniversityID: 7, Name: "Cohort B",
		CostPerStudent: dec("250"), NumberOfStudents: 20, TaxRate: decimal.Zero,
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	})

	clock := func() time.Time { return payDay.Add(9 * time.Hour) }
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil)
	ledgerSvc.WithNow(clock)
	billingSvc := billing.NewService(store.Billings(), store, ledgerSvc, nil, nil, billing.Config{})
	billingSvc.WithNow(clock)
	paymentSvc := payments.NewService(store.Payments(), billingSvc, ledgerSvc, nil, nil)
	paymentSvc.WithNow(clock)
	invoiceSvc := invoicing.NewService(store.Invoices(), nil)

	res, err := billingSvc.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 7, Year: 2025})
	require.NoError(t, err)
	b, invoices, err := billingSvc.Publish(ctx, res.Billing.ID, res.Billing.Version, issueDay)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	return &fixture{
		store:    store,
		ledger:   ledgerSvc,
		billings: billingSvc,
		invoices: invoiceSvc,
		payments: paymentSvc,
		billing:  b,
		invoice:  invoices[0],
	}
}

func (f *fixture) pay(t *testing.T, amount string) payments.Payment {
	t.Helper()
	p, err := f.payments.RecordPayment(context.Background(), payments.RecordInput{
		InvoiceID: f.invoice.ID,
		Amount:    dec(amount),
		Method:    "bank_transfer",
		Date:      payDay,
		Reference: "UTR-" + amount,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) balance(t *testing.T, account accounts.Account) string {
	t.Helper()
	bal, err := f.ledger.BalanceAsOf(context.Background(), account, payDay, ledger.BalanceFilter{})
	require.NoError(t, err)
	return bal.String()
}

func (f *fixture) reload(t *testing.T) (invoicing.Invoice, billing.Billing) {
	t.Helper()
	inv, err := f.invoices.Get(context.Background(), f.invoice.ID)
	require.NoError(t, err)
	b, err := f.billings.Get(context.Background(), f.billing.ID)
	require.NoError(t, err)
	return inv, b
}

func TestRecordPaymentSettlesInvoiceAndBilling(t *testing.T) {
	f := newFixture(t)

	f.pay(t, "10000")
	inv, b := f.reload(t)
	require.Equal(t, invoicing.StatusPartiallyPaid, inv.Status)
	require.Equal(t, "10000", inv.AmountPaid.String())
	require.Equal(t, billing.StatusActive, b.Status)
	require.Equal(t, "5000", b.BalanceDue.String())
	require.Equal(t, "10000", f.balance(t, accounts.Cash))
	require.Equal(t, "5000", f.balance(t, accounts.AccountsReceivable))

	f.pay(t, "5000")
	inv, b = f.reload(t)
	require.Equal(t, invoicing.StatusPaid, inv.Status)
	require.Equal(t, billing.StatusPaid, b.Status)
	require.True(t, b.BalanceDue.IsZero())
	require.Equal(t, "15000", f.balance(t, accounts.Cash))
	require.Equal(t, "0", f.balance(t, accounts.AccountsReceivable))
	require.Equal(t, "15000", f.balance(t, accounts.Revenue))
}

func TestRecordPaymentRejectsOverpayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pay(t, "15000")

	before, _, err := f.ledger.ListEntries(ctx, ledger.EntryFilter{})
	require.NoError(t, err)

	_, err = f.payments.RecordPayment(ctx, payments.RecordInput{
		InvoiceID: f.invoice.ID, Amount: dec("1"), Method: "cash", Date: payDay,
	})
	require.True(t, errors.Is(err, shared.ErrOverpayment), "got %v", err)

	after, _, err := f.ledger.ListEntries(ctx, ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, after, len(before))

	list, err := f.payments.ListByInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRecordPaymentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.payments.RecordPayment(ctx, payments.RecordInput{InvoiceID: f.invoice.ID, Amount: dec("0"), Method: "cash", Date: payDay})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "amount")

	_, err = f.payments.RecordPayment(ctx, payments.RecordInput{InvoiceID: f.invoice.ID, Amount: dec("10.001"), Method: "cash", Date: payDay})
	require.ErrorAs(t, err, &verr)

	_, err = f.payments.RecordPayment(ctx, payments.RecordInput{InvoiceID: f.invoice.ID, Amount: dec("10"), Method: "cash", Date: payDay, Status: payments.StatusReversed})
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "status")
}

func TestConcurrentPaymentsNeverOverpay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.payments.RecordPayment(ctx, payments.RecordInput{
				InvoiceID: f.invoice.ID, Amount: dec("1000"), Method: "card", Date: payDay,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, shared.ErrOverpayment):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 15, succeeded)
	require.Equal(t, attempts-15, rejected)
	inv, b := f.reload(t)
	require.Equal(t, "15000", inv.AmountPaid.String())
	require.Equal(t, billing.StatusPaid, b.Status)
	require.Equal(t, "15000", f.balance(t, accounts.Cash))

	imbalances, err := f.ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, imbalances)
}

func TestPendingPaymentPostsOnConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.RecordPayment(ctx, payments.RecordInput{
		InvoiceID: f.invoice.ID, Amount: dec("4000"), Method: "cheque", Date: payDay, Status: payments.StatusPending,
	})
	require.NoError(t, err)
	require.Equal(t, payments.StatusPending, p.Status)

	entries, err := f.ledger.EntriesFor(ctx, ledger.SourcePayment, p.ID.String())
	require.NoError(t, err)
	require.Empty(t, entries)
	inv, _ := f.reload(t)
	require.True(t, inv.AmountPaid.IsZero())

	confirmed, err := f.payments.ConfirmPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusCompleted, confirmed.Status)

	entries, err = f.ledger.EntriesFor(ctx, ledger.SourcePayment, p.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	inv, _ = f.reload(t)
	require.Equal(t, "4000", inv.AmountPaid.String())

	_, err = f.payments.ConfirmPayment(ctx, p.ID)
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
}

func TestFailedPaymentIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.RecordPayment(ctx, payments.RecordInput{
		InvoiceID: f.invoice.ID, Amount: dec("4000"), Method: "cheque", Date: payDay, Status: payments.StatusPending,
	})
	require.NoError(t, err)

	failed, err := f.payments.FailPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusFailed, failed.Status)

	_, err = f.payments.ConfirmPayment(ctx, p.ID)
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
	_, err = f.payments.ReversePayment(ctx, p.ID, "")
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
	require.Equal(t, "0", f.balance(t, accounts.Cash))
}

func TestReversePaymentRestoresBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pay(t, "5000")
	p := f.pay(t, "10000")
	_, b := f.reload(t)
	require.Equal(t, billing.StatusPaid, b.Status)

	reversed, err := f.payments.ReversePayment(ctx, p.ID, "")
	require.NoError(t, err)
	require.Equal(t, payments.StatusReversed, reversed.Status)

	inv, b := f.reload(t)
	require.Equal(t, "5000", inv.AmountPaid.String())
	require.Equal(t, invoicing.StatusPartiallyPaid, inv.Status)
	require.Equal(t, billing.StatusActive, b.Status)
	require.Equal(t, "10000", b.BalanceDue.String())
	require.Equal(t, "5000", f.balance(t, accounts.Cash))
	require.Equal(t, "10000", f.balance(t, accounts.AccountsReceivable))

	entries, err := f.ledger.EntriesFor(ctx, ledger.SourcePayment, p.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.True(t, entries[2].Reversing)

	_, err = f.payments.ReversePayment(ctx, p.ID, "")
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
}

func TestPaymentsRejectedOnClosedInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	extra, err := f.billings.CreateInvoice(ctx, invoicing.CreateInput{BillingID: f.billing.ID, Amount: dec("300"), IssueDate: issueDay})
	require.NoError(t, err)
	_, err = f.billings.CancelInvoice(ctx, extra.ID)
	require.NoError(t, err)
	_, err = f.payments.RecordPayment(ctx, payments.RecordInput{InvoiceID: extra.ID, Amount: dec("10"), Method: "cash", Date: payDay})
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))

	_, b := f.reload(t)
	_, err = f.billings.Archive(ctx, b.ID, b.Version)
	require.NoError(t, err)
	_, err = f.payments.RecordPayment(ctx, payments.RecordInput{InvoiceID: f.invoice.ID, Amount: dec("10"), Method: "cash", Date: payDay})
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))

	_, err = f.payments.Get(ctx, extra.ID)
	require.True(t, errors.Is(err, shared.ErrNotFound))
}
