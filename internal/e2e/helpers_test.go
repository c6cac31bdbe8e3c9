package e2e

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/app"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	_ "github.com/campusledger/campusledger/internal/testing/guard"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newServices(t *testing.T, policy string) *app.Services {
	t.Helper()
	cfg := &app.Config{
		StoreDriver:          app.DriverMemory,
		BillingInvoicePolicy: policy,
		BillingNetTermsDays:  30,
		APIRateLimit:         100,
	}
	if policy == string(invoicing.PolicyCustomSchedule) {
		cfg.BillingSchedule = "50:30,50:90"
	}
	require.NoError(t, cfg.Validate())
	services, err := app.BuildServices(cfg, app.Deps{})
	require.NoError(t, err)
	services.Memory.PutBatch(billing.Batch{
		ID: 1, UniversityID: 7, Name: "Cohort A",
		CostPerStudent: decimal.RequireFromString("500"), NumberOfStudents: 20,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 6, 30),
	})
	services.Memory.PutBatch(billing.Batch{
		ID: 2, UniversityID: 7, Name: "Cohort B",
		CostPerStudent: decimal.RequireFromString("250"), NumberOfStudents: 20,
		StartDate: date(2024, 9, 1), EndDate: date(2025, 3, 31),
	})
	return services
}

// publishYear creates and publishes the 2025 billing of university 7.
func publishYear(t *testing.T, services *app.Services, publishDate time.Time) (billing.Billing, []invoicing.Invoice) {
	t.Helper()
	ctx := context.Background()
	created, err := services.Billing.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 7, Year: 2025})
	require.NoError(t, err)
	b, invoices, err := services.Billing.Publish(ctx, created.Billing.ID, created.Billing.Version, publishDate)
	require.NoError(t, err)
	return b, invoices
}

func balance(t *testing.T, services *app.Services, account accounts.Account) string {
	t.Helper()
	v, err := services.Ledger.BalanceAsOf(context.Background(), account, date(2025, 12, 31), ledger.BalanceFilter{})
	require.NoError(t, err)
	return v.String()
}

func assertCounter(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				if metric.GetCounter() == nil {
					return false
				}
				if metric.GetCounter().GetValue() == expected {
					return true
				}
			}
		}
	}
	return false
}

func metricExists(families []*dto.MetricFamily, name string) bool {
	for _, fam := range families {
		if fam.GetName() == name {
			return true
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	if len(expected) == 0 {
		return true
	}
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
