package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campusledger/campusledger/internal/shared"
)

// TxRepository exposes invoice writes inside one transaction.
type TxRepository interface {
	// GetInvoiceForUpdate locks the invoice row for the rest of the transaction.
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListInvoicesByBilling(ctx context.Context, billingID uuid.UUID) ([]Invoice, error)
	InsertInvoices(ctx context.Context, invoices ...Invoice) error
	UpdateInvoice(ctx context.Context, inv Invoice) error
	DeleteInvoicesByBilling(ctx context.Context, billingID uuid.UUID) error
	// ListOverdueCandidates locks unpaid invoices due before asOf.
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Invoice, error)
}

// Repository abstracts invoice storage.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error)
}

// Service serves invoice reads and the overdue sweep. Issuing and
// cancelling invoices touches the owning billing and lives with it.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get loads one invoice.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: invoice %s: %w", id, err)
	}
	return inv, nil
}

// List pages through invoices.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, shared.NewValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	filter.Page = filter.Page.Normalize()
	return s.repo.ListInvoices(ctx, filter)
}

// MarkOverdue moves unpaid invoices past their due date to overdue. Partially
// paid invoices keep their status; aging still reports their days overdue.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int, error) {
	asOf = dateOnly(asOf)
	var marked int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		marked = 0
		candidates, err := tx.ListOverdueCandidates(ctx, asOf)
		if err != nil {
			return err
		}
		for _, inv := range candidates {
			next := RecomputeStatus(inv, asOf)
			if next != StatusOverdue || inv.Status == StatusOverdue {
				continue
			}
			inv.Status = next
			inv.UpdatedAt = s.now()
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		s.logger.Info("invoices marked overdue", slog.Int("count", marked), slog.String("as_of", asOf.Format("2006-01-02")))
	}
	return marked, nil
}
