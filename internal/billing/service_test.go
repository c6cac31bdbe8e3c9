package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/shared"
	"github.com/campusledger/campusledger/internal/store/memory"
)

var publishDay = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Service
	billing *billing.Service
}

func newFixture(t *testing.T, cfg billing.Config) fixture {
	t.Helper()
	store := memory.New()
	store.PutBatch(billing.Batch{
		ID: 1, UniversityID: 7, Name: "Cohort A",
		CostPerStudent: dec("500"), NumberOfStudents: 20, TaxRate: decimal.Zero,
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	store.PutBatch(billing.Batch{
		ID: 2, UniversityID: 7, Name: "Cohort B",
		CostPerStudent: dec("250"), NumberOfStudents: 20, TaxRate: decimal.Zero,
		StartDate: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	store.PutBatch(billing.Batch{
		ID: 3, UniversityID: 8, Name: "Other university",
		CostPerStudent: dec("100"), NumberOfStudents: 5, TaxRate: decimal.Zero,
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	store.PutBatch(billing.Batch{
		ID: 4, UniversityID: 7, Name: "Expired cohort",
		CostPerStudent: dec("100"), NumberOfStudents: 5, TaxRate: decimal.Zero,
		StartDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	})

	clock := func() time.Time { return publishDay.Add(9 * time.Hour) }
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil)
	ledgerSvc.WithNow(clock)
	svc := billing.NewService(store.Billings(), store, ledgerSvc, nil, nil, cfg)
	svc.WithNow(clock)
	return fixture{store: store, ledger: ledgerSvc, billing: svc}
}

func (f fixture) balance(t *testing.T, account accounts.Account) string {
	t.Helper()
	bal, err := f.ledger.BalanceAsOf(context.Background(), account, publishDay.AddDate(1, 0, 0), ledger.BalanceFilter{})
	require.NoError(t, err)
	return bal.String()
}

func (f fixture) create(t *testing.T) billing.Billing {
	t.Helper()
	res, err := f.billing.CreateUniversityYearBilling(context.Background(), billing.CreateInput{UniversityID: 7, Year: 2025})
	require.NoError(t, err)
	return res.Billing
}

func TestCreateUniversityYearBillingSnapshotsActiveBatches(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()

	res, err := f.billing.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 7, Year: 2025})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	b := res.Billing
	require.Equal(t, billing.StatusDraft, b.Status)
	require.Equal(t, int64(1), b.Version)
	require.Equal(t, "University 7 billing 2025", b.Name)
	require.Len(t, b.Snapshots, 2)
	require.Equal(t, int64(2), b.Snapshots[0].BatchID, "ordered by batch start")
	require.Equal(t, "15000", b.TotalAmount.String())
	require.Equal(t, "15000", b.BalanceDue.String())

	// Later edits to the batch leave the stored snapshot alone.
	f.store.PutBatch(billing.Batch{ID: 1, UniversityID: 7, Name: "Cohort A", CostPerStudent: dec("900"), NumberOfStudents: 50})
	stored, err := f.billing.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "15000", stored.TotalAmount.String())
	require.Equal(t, "10000", stored.Snapshots[1].Amount.String())
}

func TestCreateUniversityYearBillingWithoutBatches(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()

	_, err := f.billing.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 99, Year: 2025})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "batches")

	res, err := f.billing.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 99, Year: 2025, AllowEmpty: true})
	require.NoError(t, err)
	require.Equal(t, []string{billing.WarningNoBatches}, res.Warnings)
	require.True(t, res.Billing.TotalAmount.IsZero())
}

func TestPublishIssuesInvoicesAndRecognisesRevenue(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	b := f.create(t)

	published, invoices, err := f.billing.Publish(ctx, b.ID, b.Version, publishDay)
	require.NoError(t, err)
	require.Equal(t, billing.StatusActive, published.Status)
	require.Equal(t, int64(2), published.Version)
	require.NotNil(t, published.PublishedAt)
	require.Len(t, invoices, 1)
	require.Equal(t, "15000", invoices[0].Amount.String())
	require.Equal(t, invoicing.StatusUnpaid, invoices[0].Status)
	require.Equal(t, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), invoices[0].DueDate)

	require.Equal(t, "15000", f.balance(t, accounts.AccountsReceivable))
	require.Equal(t, "15000", f.balance(t, accounts.Revenue))

	entries, err := f.ledger.EntriesFor(ctx, ledger.SourceInvoice, invoices[0].ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].BillingID)
	require.Equal(t, b.ID, *entries[0].BillingID)
	require.Equal(t, invoices[0].Number, entries[0].ExternalReference)
}

func TestPublishRejectsStaleVersionAndRepeat(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	b := f.create(t)

	_, _, err := f.billing.Publish(ctx, b.ID, b.Version+1, publishDay)
	require.True(t, errors.Is(err, shared.ErrStaleVersion))

	published, _, err := f.billing.Publish(ctx, b.ID, b.Version, publishDay)
	require.NoError(t, err)

	_, _, err = f.billing.Publish(ctx, b.ID, published.Version, publishDay)
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
	require.Equal(t, "15000", f.balance(t, accounts.Revenue), "failed publish posts nothing")
}

func TestPublishByBatchSplitsInvoices(t *testing.T) {
	f := newFixture(t, billing.Config{Policy: invoicing.PolicyByBatch})
	ctx := context.Background()
	b := f.create(t)

	_, invoices, err := f.billing.Publish(ctx, b.ID, b.Version, publishDay)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	require.Equal(t, "5000", invoices[0].Amount.String())
	require.Equal(t, "10000", invoices[1].Amount.String())
	require.NotEqual(t, invoices[0].Number, invoices[1].Number)
	require.Equal(t, "15000", f.balance(t, accounts.AccountsReceivable))
}

func TestDeleteOnlyDrafts(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()

	draft := f.create(t)
	require.NoError(t, f.billing.Delete(ctx, draft.ID, draft.Version))
	_, err := f.billing.Get(ctx, draft.ID)
	require.True(t, errors.Is(err, shared.ErrNotFound))

	b := f.create(t)
	published, _, err := f.billing.Publish(ctx, b.ID, b.Version, publishDay)
	require.NoError(t, err)
	err = f.billing.Delete(ctx, published.ID, published.Version)
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
}

func TestSupplementaryInvoiceLifecycle(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	b := f.create(t)

	_, err := f.billing.CreateInvoice(ctx, invoicing.CreateInput{BillingID: b.ID, Amount: dec("500"), IssueDate: publishDay})
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition), "draft billings take no invoices")

	_, _, err = f.billing.Publish(ctx, b.ID, b.Version, publishDay)
	require.NoError(t, err)

	extra, err := f.billing.CreateInvoice(ctx, invoicing.CreateInput{BillingID: b.ID, Amount: dec("500"), IssueDate: publishDay, Notes: "lab fees"})
	require.NoError(t, err)
	require.Equal(t, publishDay.AddDate(0, 0, invoicing.DefaultNetTermsDays), extra.DueDate)
	require.Contains(t, extra.Number, "-02")

	current, err := f.billing.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "15500", current.TotalAmount.String())
	require.Equal(t, "15500", current.BalanceDue.String())
	require.Equal(t, "15500", f.balance(t, accounts.Revenue))

	cancelled, err := f.billing.CancelInvoice(ctx, extra.ID)
	require.NoError(t, err)
	require.Equal(t, invoicing.StatusCancelled, cancelled.Status)

	current, err = f.billing.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "15000", current.TotalAmount.String())
	require.Equal(t, "15000", f.balance(t, accounts.Revenue))
	require.Equal(t, "15000", f.balance(t, accounts.AccountsReceivable))

	_, err = f.billing.CancelInvoice(ctx, extra.ID)
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))
}

func TestArchiveClosesBilling(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	b := f.create(t)

	_, err := f.billing.Archive(ctx, b.ID, b.Version)
	require.True(t, errors.Is(err, shared.ErrInvalidStateTransition))

	published, _, err := f.billing.Publish(ctx, b.ID, b.Version, publishDay)
	require.NoError(t, err)
	archived, err := f.billing.Archive(ctx, b.ID, published.Version)
	require.NoError(t, err)
	require.Equal(t, billing.StatusArchived, archived.Status)
	require.Equal(t, "15000", archived.BalanceDue.String())
}

func TestListFiltersByUniversityAndStatus(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	first := f.create(t)
	_, err := f.billing.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 8, Year: 2025, Name: "Eight"})
	require.NoError(t, err)
	_, _, err = f.billing.Publish(ctx, first.ID, first.Version, publishDay)
	require.NoError(t, err)

	university := int64(7)
	items, total, err := f.billing.List(ctx, billing.ListFilter{UniversityID: &university})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, first.ID, items[0].ID)

	items, total, err = f.billing.List(ctx, billing.ListFilter{Status: billing.StatusDraft})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "Eight", items[0].Name)

	items, _, err = f.billing.List(ctx, billing.ListFilter{Search: "eig"})
	require.NoError(t, err)
	require.Len(t, items, 1)
}
