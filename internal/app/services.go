package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/observability"
	"github.com/campusledger/campusledger/internal/payments"
	"github.com/campusledger/campusledger/internal/reports"
	"github.com/campusledger/campusledger/internal/shared"
	"github.com/campusledger/campusledger/internal/store/memory"
)

// IdempotencyStore is the key store behind POST /payments and the cleanup job.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// Services bundles the wired domain services for one storage driver.
type Services struct {
	Accounts    *accounts.Service
	Ledger      *ledger.Service
	Billing     *billing.Service
	Invoices    *invoicing.Service
	Payments    *payments.Service
	Reports     *reports.Service
	Cache       *reports.Cache
	Idempotency IdempotencyStore
	// Memory is set when STORE_DRIVER=memory.
	Memory *memory.Store
}

// Deps carries the infrastructure a Services build may use. Pool is required
// for the postgres driver; Redis and Metrics are optional.
type Deps struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// BuildServices wires every service against the configured storage driver.
func BuildServices(cfg *Config, deps Deps) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	billingCfg := billing.Config{
		Policy:       invoicing.Policy(cfg.BillingInvoicePolicy),
		NetTermsDays: cfg.BillingNetTermsDays,
		Schedule:     schedule,
	}
	cache := reports.NewCache(deps.Redis, cfg.ReportCacheTTL)

	var (
		ledgerRepo   ledger.Repository
		billingRepo  billing.Repository
		invoiceRepo  invoicing.Repository
		paymentRepo  payments.Repository
		reportRepo   reports.Repository
		batches      billing.BatchSource
		audit        ledger.AuditPort
		accountsRepo accounts.Repository
		idem         IdempotencyStore
		mem          *memory.Store
	)
	switch cfg.StoreDriver {
	case DriverMemory:
		mem = memory.New()
		if cfg.SeedBatchesFile != "" {
			seed, err := LoadBatches(cfg.SeedBatchesFile)
			if err != nil {
				return nil, err
			}
			for _, b := range seed {
				mem.PutBatch(b)
			}
		}
		ledgerRepo = mem.Ledger()
		billingRepo = mem.Billings()
		invoiceRepo = mem.Invoices()
		paymentRepo = mem.Payments()
		reportRepo = mem.Reports()
		batches = mem
		audit = shared.NewSlogAuditRecorder(logger)
		idem = shared.NewMemoryIdempotencyStore()
	case DriverPostgres:
		if deps.Pool == nil {
			return nil, fmt.Errorf("app: postgres driver requires a pool")
		}
		ledgerRepo = ledger.NewRepository(deps.Pool)
		billingRepo = billing.NewRepository(deps.Pool)
		invoiceRepo = invoicing.NewRepository(deps.Pool)
		paymentRepo = payments.NewRepository(deps.Pool)
		reportRepo = reports.NewRepository(deps.Pool)
		batches = billing.NewBatchRepository(deps.Pool)
		audit = shared.NewAuditLogger(deps.Pool)
		accountsRepo = accounts.NewRepository(deps.Pool)
		idem = shared.NewIdempotencyStore(deps.Pool)
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}

	ledgerSvc := ledger.NewService(ledgerRepo, audit, logger)
	ledgerSvc.SetNotifier(cache)
	if deps.Metrics != nil {
		ledgerSvc.SetMetrics(deps.Metrics)
	}
	billingSvc := billing.NewService(billingRepo, batches, ledgerSvc, audit, logger, billingCfg)
	return &Services{
		Accounts:    accounts.NewService(accountsRepo),
		Ledger:      ledgerSvc,
		Billing:     billingSvc,
		Invoices:    invoicing.NewService(invoiceRepo, logger),
		Payments:    payments.NewService(paymentRepo, billingSvc, ledgerSvc, audit, logger),
		Reports:     reports.NewService(reportRepo, cache, logger),
		Cache:       cache,
		Idempotency: idem,
		Memory:      mem,
	}, nil
}

// batchRecord is the JSON shape of a contract batch in a seed file.
type batchRecord struct {
	ID                       int64            `json:"id"`
	UniversityID             int64            `json:"university_id"`
	Name                     string           `json:"name"`
	CostPerStudent           decimal.Decimal  `json:"cost_per_student"`
	CostPerStudentOverride   *decimal.Decimal `json:"cost_per_student_override,omitempty"`
	NumberOfStudents         int              `json:"number_of_students"`
	NumberOfStudentsOverride *int             `json:"number_of_students_override,omitempty"`
	TaxRate                  decimal.Decimal  `json:"tax_rate"`
	StartDate                string           `json:"start_date"`
	EndDate                  string           `json:"end_date"`
}

// LoadBatches reads contract batches from a JSON seed file.
func LoadBatches(path string) ([]billing.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBatches(data)
}

// ParseBatches decodes a JSON array of contract batches.
func ParseBatches(data []byte) ([]billing.Batch, error) {
	var records []batchRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("app: decode batches: %w", err)
	}
	out := make([]billing.Batch, 0, len(records))
	for i, rec := range records {
		start, err := time.Parse(time.DateOnly, rec.StartDate)
		if err != nil {
			return nil, fmt.Errorf("app: batch %d start_date: %w", i, err)
		}
		end, err := time.Parse(time.DateOnly, rec.EndDate)
		if err != nil {
			return nil, fmt.Errorf("app: batch %d end_date: %w", i, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("app: batch %d ends before it starts", i)
		}
		if rec.ID <= 0 || rec.UniversityID <= 0 {
			return nil, fmt.Errorf("app: batch %d needs positive id and university_id", i)
		}
		out = append(out, billing.Batch{
			ID:                       rec.ID,
			UniversityID:             rec.UniversityID,
			Name:                     rec.Name,
			CostPerStudent:           rec.CostPerStudent,
			CostPerStudentOverride:   rec.CostPerStudentOverride,
			NumberOfStudents:         rec.NumberOfStudents,
			NumberOfStudentsOverride: rec.NumberOfStudentsOverride,
			TaxRate:                  rec.TaxRate,
			StartDate:                start,
			EndDate:                  end,
		})
	}
	return out, nil
}
