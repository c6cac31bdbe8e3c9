package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/app"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/ledger"
	_ "github.com/campusledger/campusledger/internal/testing/guard"
)

const batchesJSON = `[
  {"id": 1, "university_id": 7, "name": "Cohort A", "cost_per_student": "500", "number_of_students": 20,
   "tax_rate": "0", "start_date": "2025-01-01", "end_date": "2025-06-30"},
  {"id": 2, "university_id": 7, "name": "Cohort B", "cost_per_student": "250", "number_of_students": 20,
   "tax_rate": "0", "start_date": "2024-09-01", "end_date": "2025-03-31"}
]`

type harness struct {
	cfg *app.Config
	rt  *Runtime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &app.Config{
		StoreDriver:          app.DriverMemory,
		BillingInvoicePolicy: "single",
		BillingNetTermsDays:  30,
		APIRateLimit:         100,
		LogLevel:             "error",
		RedisAddr:            "127.0.0.1:0",
	}
	require.NoError(t, cfg.Validate())
	services, err := app.BuildServices(cfg, app.Deps{})
	require.NoError(t, err)
	return &harness{cfg: cfg, rt: NewRuntime(services, services.Memory)}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := new(bytes.Buffer)
	cmd := NewRootCommand(Options{
		Stdout:     out,
		LoadConfig: func() (*app.Config, error) { return h.cfg, nil },
		Open: func(context.Context, *app.Config, *slog.Logger) (*Runtime, error) {
			return h.rt, nil
		},
	})
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSeedThenSummary(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "batches.json")
	require.NoError(t, os.WriteFile(path, []byte(batchesJSON), 0o600))

	out, err := h.run(t, "seed", "--file", path)
	require.NoError(t, err)
	require.Contains(t, out, "seeded 2 batches")

	ctx := context.Background()
	created, err := h.rt.Services.Billing.CreateUniversityYearBilling(ctx, billing.CreateInput{UniversityID: 7, Year: 2025})
	require.NoError(t, err)
	require.Equal(t, "15000", created.Billing.TotalAmount.String())
	_, _, err = h.rt.Services.Billing.Publish(ctx, created.Billing.ID, created.Billing.Version, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	out, err = h.run(t, "summary", "--university", "7", "--from", "2025-01-01", "--to", "2025-12-31")
	require.NoError(t, err)
	var summary struct {
		ProfitLoss       string `json:"profit_loss"`
		TransactionCount int    `json:"transaction_count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary), out)
	require.Equal(t, "15000", summary.ProfitLoss)
	require.Equal(t, 1, summary.TransactionCount)

	out, err = h.run(t, "verify")
	require.NoError(t, err)
	require.Contains(t, out, "ledger balanced")
}

func TestSummaryRejectsBadDate(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "summary", "--from", "01/02/2025")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--from")
}

func TestVerifyReportsImbalance(t *testing.T) {
	h := newHarness(t)
	day := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()
	bad := ledger.Group{
		ID:         id,
		SourceType: ledger.SourceAdjustment,
		SourceID:   "manual-9",
		EntryDate:  day,
		Entries: []ledger.Entry{
			{ID: uuid.New(), GroupID: id, EntryDate: day, Account: accounts.Cash, EntryType: accounts.Debit, Amount: decimal.RequireFromString("100"), SourceType: ledger.SourceAdjustment, SourceID: "manual-9"},
			{ID: uuid.New(), GroupID: id, EntryDate: day, Account: accounts.Revenue, EntryType: accounts.Credit, Amount: decimal.RequireFromString("90"), SourceType: ledger.SourceAdjustment, SourceID: "manual-9"},
		},
	}
	require.NoError(t, h.rt.Services.Memory.Ledger().WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		return tx.InsertGroup(ctx, bad)
	}))

	out, err := h.run(t, "verify")
	require.True(t, errors.Is(err, ErrIntegrityViolation))
	require.Contains(t, out, "manual-9")
	require.Contains(t, out, "debit=100.00 credit=90.00")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "migrate")
	require.Error(t, err)
	require.Contains(t, err.Error(), "STORE_DRIVER=postgres")
}

func TestJobsTriggerRejectsUnknownTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "jobs", "trigger", "ledger:unknown")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported task")
}
