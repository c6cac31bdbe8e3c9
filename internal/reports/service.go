package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/shared"
)

// InvoiceFilter scopes the receivables considered by aging.
type InvoiceFilter struct {
	UniversityID *int64
	BillingID    *uuid.UUID
}

// Reader serves report queries from one consistent snapshot.
type Reader interface {
	Activity(ctx context.Context, filter Filter) ([]Activity, error)
	CountGroups(ctx context.Context, filter Filter) (int, error)
	// OpenInvoices lists invoices that are not cancelled and not fully paid.
	OpenInvoices(ctx context.Context, filter InvoiceFilter) ([]invoicing.Invoice, error)
	Invoice(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error)
}

// Repository opens read-only snapshots.
type Repository interface {
	Snapshot(ctx context.Context, fn func(context.Context, Reader) error) error
}

// Service derives summaries and aging from the ledger and invoices.
type Service struct {
	repo   Repository
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the reports service. cache may be nil.
func NewService(repo Repository, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// LedgerSummary returns income, expenses and profit for the filter.
func (s *Service) LedgerSummary(ctx context.Context, filter Filter) (Summary, error) {
	if err := filter.Validate(); err != nil {
		return Summary{}, err
	}
	var out Summary
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		var sum Summary
		err := s.repo.Snapshot(ctx, func(ctx context.Context, r Reader) error {
			var err error
			sum, err = summarize(ctx, r, filter)
			return err
		})
		return sum, err
	}, "summary", summaryKey(filter))
	return out, err
}

// QuarterlyBreakdown returns one summary per calendar quarter of year.
func (s *Service) QuarterlyBreakdown(ctx context.Context, year int, universityID *int64) ([]QuarterSummary, error) {
	if year < 2000 || year > 2100 {
		return nil, shared.NewValidationError("year", "must be between 2000 and 2100")
	}
	var out []QuarterSummary
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		quarters := make([]QuarterSummary, 0, 4)
		err := s.repo.Snapshot(ctx, func(ctx context.Context, r Reader) error {
			for q := 1; q <= 4; q++ {
				start, end := QuarterBounds(year, q)
				sum, err := summarize(ctx, r, Filter{UniversityID: universityID, StartDate: &start, EndDate: &end})
				if err != nil {
					return err
				}
				quarters = append(quarters, QuarterSummary{Quarter: q, StartDate: start, EndDate: end, Summary: sum})
			}
			return nil
		})
		return quarters, err
	}, "quarterly", fmt.Sprintf("%d", year), summaryKey(Filter{UniversityID: universityID}))
	return out, err
}

// AgingReport buckets the outstanding receivables as of asOf.
func (s *Service) AgingReport(ctx context.Context, asOf time.Time, filter InvoiceFilter) (AgingBuckets, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	scope := "all"
	if filter.BillingID != nil {
		scope = filter.BillingID.String()
	}
	var out AgingBuckets
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		var invoices []invoicing.Invoice
		err := s.repo.Snapshot(ctx, func(ctx context.Context, r Reader) error {
			var err error
			invoices, err = r.OpenInvoices(ctx, filter)
			return err
		})
		if err != nil {
			return nil, err
		}
		return Aging(invoices, asOf), nil
	}, "aging", summaryKey(Filter{UniversityID: filter.UniversityID}), scope, asOf.Format(time.DateOnly))
	return out, err
}

// InvoiceAging reports how overdue a single invoice is.
func (s *Service) InvoiceAging(ctx context.Context, id uuid.UUID, asOf time.Time) (InvoiceAging, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	var inv invoicing.Invoice
	err := s.repo.Snapshot(ctx, func(ctx context.Context, r Reader) error {
		var err error
		inv, err = r.Invoice(ctx, id)
		return err
	})
	if err != nil {
		return InvoiceAging{}, fmt.Errorf("reports: invoice %s: %w", id, err)
	}
	outstanding := inv.Outstanding()
	if inv.Status == invoicing.StatusCancelled {
		outstanding = decimal.Zero
	}
	return InvoiceAging{
		Invoice:     inv,
		AsOf:        invoicing.DateOnly(asOf),
		DaysOverdue: DaysOverdue(inv, asOf),
		Outstanding: outstanding,
	}, nil
}

// Warm precomputes the reports most dashboards open with.
func (s *Service) Warm(ctx context.Context) error {
	now := s.now()
	if _, err := s.LedgerSummary(ctx, Filter{}); err != nil {
		return err
	}
	if _, err := s.QuarterlyBreakdown(ctx, now.Year(), nil); err != nil {
		return err
	}
	_, err := s.AgingReport(ctx, now, InvoiceFilter{})
	return err
}

// cached deduplicates concurrent loads of the same report and serves them
// from Redis when available. A Redis failure degrades to a direct load.
func (s *Service) cached(ctx context.Context, dest any, loader func(context.Context) (any, error), parts ...string) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		s.logger.Warn("report cache unavailable", slog.Any("error", err))
		return load(ctx, dest, loader, nil)
	}
	raw, err, _ := s.group.Do(key, func() (any, error) {
		var loadErr error
		tracked := func(ctx context.Context) (any, error) {
			v, err := loader(ctx)
			loadErr = err
			return v, err
		}
		var payload json.RawMessage
		err := s.cache.FetchJSON(ctx, key, &payload, tracked)
		if err == nil {
			return []byte(payload), nil
		}
		if loadErr != nil {
			return nil, loadErr
		}
		s.logger.Warn("report cache fetch failed", slog.String("key", key), slog.Any("error", err))
		if err := load(ctx, &payload, loader, nil); err != nil {
			return nil, err
		}
		return []byte(payload), nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}

func summarize(ctx context.Context, r Reader, filter Filter) (Summary, error) {
	activity, err := r.Activity(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	count, err := r.CountGroups(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(activity, count), nil
}
