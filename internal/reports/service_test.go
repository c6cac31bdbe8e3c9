package reports_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/reports"
	"github.com/campusledger/campusledger/internal/store/memory"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

type event struct {
	kind       ledger.EventKind
	id         string
	amount     string
	on         time.Time
	university *int64
}

func seed(t *testing.T, svc *ledger.Service, events ...event) {
	t.Helper()
	for _, e := range events {
		_, err := svc.RecordEvent(context.Background(), ledger.EventInput{
			Kind:     e.kind,
			SourceID: e.id,
			Amount:   dec(e.amount),
			Date:     e.on,
			Refs:     ledger.Refs{UniversityID: e.university},
		})
		require.NoError(t, err)
	}
}

var yearOfEvents = []event{
	{ledger.EventInvoiceIssued, "inv-1", "15000", date(2025, 1, 15), ptr(int64(7))},
	{ledger.EventInvoiceIssued, "inv-2", "3000", date(2025, 2, 1), ptr(int64(8))},
	{ledger.EventPaymentReceived, "pay-1", "10000", date(2025, 2, 10), ptr(int64(7))},
	{ledger.EventOEMCost, "oem-1", "4000", date(2025, 4, 2), nil},
	{ledger.EventCommission, "com-1", "600", date(2025, 5, 5), nil},
	{ledger.EventRefund, "ref-1", "1200", date(2025, 8, 1), ptr(int64(7))},
	{ledger.EventExpense, "exp-1", "800", date(2025, 11, 11), nil},
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLedgerSummaryAcrossUniversities(t *testing.T) {
	store := memory.New()
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil)
	seed(t, ledgerSvc, yearOfEvents...)
	svc := reports.NewService(store.Reports(), nil, nil)
	ctx := context.Background()

	all, err := svc.LedgerSummary(ctx, reports.Filter{})
	require.NoError(t, err)
	require.Equal(t, "18000", all.Income.PaymentsReceived.String())
	require.Equal(t, "1200", all.Income.Refunds.String())
	require.Equal(t, "16800", all.Income.Total.String())
	require.Equal(t, "5400", all.Expenses.Total.String())
	require.Equal(t, "11400", all.ProfitLoss.String())
	require.Equal(t, 7, all.TransactionCount)

	seven, err := svc.LedgerSummary(ctx, reports.Filter{UniversityID: ptr(int64(7))})
	require.NoError(t, err)
	require.Equal(t, "13800", seven.Income.Total.String())
	require.True(t, seven.Expenses.Total.IsZero())
	require.Equal(t, 3, seven.TransactionCount)

	start, end := date(2025, 2, 1), date(2025, 2, 28)
	feb, err := svc.LedgerSummary(ctx, reports.Filter{StartDate: &start, EndDate: &end})
	require.NoError(t, err)
	require.Equal(t, "3000", feb.Income.Total.String())
	require.Equal(t, 2, feb.TransactionCount)

	_, err = svc.LedgerSummary(ctx, reports.Filter{StartDate: &end, EndDate: &start})
	require.Error(t, err)
}

func TestProfitLossMatchesLedgerBalances(t *testing.T) {
	store := memory.New()
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil)
	ledgerSvc.WithNow(func() time.Time { return date(2025, 9, 1) })
	ctx := context.Background()
	seed(t, ledgerSvc, yearOfEvents...)
	seed(t, ledgerSvc,
		event{ledger.EventCommission, "com-2", "250.50", date(2025, 6, 1), ptr(int64(8))},
		event{ledger.EventTaxWithheld, "tds-1", "150", date(2025, 6, 2), ptr(int64(7))},
		event{ledger.EventOEMPayment, "oemp-1", "4000", date(2025, 6, 3), nil},
	)
	_, err := ledgerSvc.Reverse(ctx, ledger.SourceCommission, "com-1", "clawback")
	require.NoError(t, err)
	_, err = ledgerSvc.Post(ctx, ledger.PostingInput{
		SourceType: ledger.SourceAdjustment,
		SourceID:   "adj-1",
		Memo:       "Year end accrual",
		Date:       date(2025, 12, 30),
		Lines: []ledger.LineInput{
			{Account: accounts.Expense, EntryType: accounts.Debit, Amount: dec("99.99")},
			{Account: accounts.Cash, EntryType: accounts.Credit, Amount: dec("99.99")},
		},
	})
	require.NoError(t, err)

	svc := reports.NewService(store.Reports(), nil, nil)
	asOf := date(2025, 12, 31)
	for _, university := range []*int64{nil, ptr(int64(7)), ptr(int64(8))} {
		filter := ledger.BalanceFilter{UniversityID: university}
		revenue, err := ledgerSvc.BalanceAsOf(ctx, accounts.Revenue, asOf, filter)
		require.NoError(t, err)
		expense, err := ledgerSvc.BalanceAsOf(ctx, accounts.Expense, asOf, filter)
		require.NoError(t, err)
		commission, err := ledgerSvc.BalanceAsOf(ctx, accounts.CommissionExpense, asOf, filter)
		require.NoError(t, err)

		summary, err := svc.LedgerSummary(ctx, reports.Filter{UniversityID: university})
		require.NoError(t, err)
		want := revenue.Sub(expense).Sub(commission)
		require.True(t, summary.ProfitLoss.Equal(want), "university %v: profit_loss %s, balances give %s", university, summary.ProfitLoss, want)
	}
}

func TestQuarterlyBreakdown(t *testing.T) {
	store := memory.New()
	seed(t, ledger.NewService(store.Ledger(), nil, nil), yearOfEvents...)
	svc := reports.NewService(store.Reports(), nil, nil)

	quarters, err := svc.QuarterlyBreakdown(context.Background(), 2025, nil)
	require.NoError(t, err)
	require.Len(t, quarters, 4)
	require.Equal(t, "18000", quarters[0].ProfitLoss.String())
	require.Equal(t, 3, quarters[0].TransactionCount)
	require.Equal(t, "-4600", quarters[1].ProfitLoss.String())
	require.Equal(t, "-1200", quarters[2].Income.Total.String())
	require.Equal(t, "800", quarters[3].Expenses.Operational.String())
	require.Equal(t, date(2025, 12, 31), quarters[3].EndDate)

	_, err = svc.QuarterlyBreakdown(context.Background(), 1999, nil)
	require.Error(t, err)
}

func TestSummaryCacheInvalidatedByLedgerPostings(t *testing.T) {
	_, client := newRedis(t)
	cache := reports.NewCache(client, time.Hour)
	store := memory.New()
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil)
	svc := reports.NewService(store.Reports(), cache, nil)
	ctx := context.Background()

	seed(t, ledgerSvc, yearOfEvents[0])
	first, err := svc.LedgerSummary(ctx, reports.Filter{})
	require.NoError(t, err)
	require.Equal(t, "15000", first.Income.Total.String())

	// Without a notifier the cached value is served.
	seed(t, ledgerSvc, yearOfEvents[1])
	stale, err := svc.LedgerSummary(ctx, reports.Filter{})
	require.NoError(t, err)
	require.Equal(t, "15000", stale.Income.Total.String())

	ledgerSvc.SetNotifier(cache)
	seed(t, ledgerSvc, yearOfEvents[2])
	fresh, err := svc.LedgerSummary(ctx, reports.Filter{})
	require.NoError(t, err)
	require.Equal(t, "18000", fresh.Income.Total.String())
	require.Equal(t, 3, fresh.TransactionCount)

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)
}

func TestSummaryFallsBackWhenRedisIsDown(t *testing.T) {
	mr, client := newRedis(t)
	store := memory.New()
	seed(t, ledger.NewService(store.Ledger(), nil, nil), yearOfEvents[0])
	svc := reports.NewService(store.Reports(), reports.NewCache(client, time.Minute), nil)
	mr.Close()

	sum, err := svc.LedgerSummary(context.Background(), reports.Filter{})
	require.NoError(t, err)
	require.Equal(t, "15000", sum.Income.Total.String())
}

func TestListenForInvalidationRaisesVersion(t *testing.T) {
	_, client := newRedis(t)
	cache := reports.NewCache(client, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cache.ListenForInvalidation(ctx, ""))
	require.NoError(t, client.Publish(ctx, reports.BumpChannel, "42").Err())
	require.Eventually(t, func() bool {
		ver, err := cache.Version(ctx)
		return err == nil && ver == 42
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, client.Publish(ctx, reports.BumpChannel, "7").Err())
	time.Sleep(50 * time.Millisecond)
	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), ver, "versions never move backwards")
}

func TestAgingFromPublishedBilling(t *testing.T) {
	store := memory.New()
	store.PutBatch(billing.Batch{
		ID: 1, UniversityID: 7, Name: "Cohort A",
		CostPerStudent: dec("750"), NumberOfStudents: 20, TaxRate: decimal.Zero,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 12, 31),
	})
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil)
	billingSvc := billing.NewService(store.Billings(), store, ledgerSvc, nil, nil, billing.Config{})
	ctx := context.Background()

	res, err := billingSvc.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 7, Year: 2025})
	require.NoError(t, err)
	_, invoices, err := billingSvc.Publish(ctx, res.Billing.ID, res.Billing.Version, date(2025, 1, 15))
	require.NoError(t, err)

	_, client := newRedis(t)
	svc := reports.NewService(store.Reports(), reports.NewCache(client, time.Minute), nil)
	svc.WithNow(func() time.Time { return date(2025, 4, 1) })

	buckets, err := svc.AgingReport(ctx, time.Time{}, reports.InvoiceFilter{})
	require.NoError(t, err)
	require.Equal(t, "15000", buckets.Days31To60.String())
	require.Equal(t, "15000", buckets.Total.String())
	require.Equal(t, 1, buckets.Invoices)

	other, err := svc.AgingReport(ctx, date(2025, 4, 1), reports.InvoiceFilter{UniversityID: ptr(int64(8))})
	require.NoError(t, err)
	require.True(t, other.Total.IsZero())

	aging, err := svc.InvoiceAging(ctx, invoices[0].ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 46, aging.DaysOverdue)
	require.Equal(t, "15000", aging.Outstanding.String())

	require.NoError(t, svc.Warm(ctx))
}
