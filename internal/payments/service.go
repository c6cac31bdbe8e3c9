package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/shared"
)

// TxRepository exposes the writes a payment needs. Invoice, billing and
// ledger writes share the same transaction.
type TxRepository interface {
	billing.TxRepository
	// GetPaymentForUpdate locks the payment row.
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error)
	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error
}

// Repository abstracts payment storage.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)
}

// AuditPort records payment events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service applies payments to invoices and keeps the ledger in lockstep.
type Service struct {
	repo     Repository
	billings *billing.Service
	ledger   *ledger.Service
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs Service.
func NewService(repo Repository, billings *billing.Service, ledgerSvc *ledger.Service, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, billings: billings, ledger: ledgerSvc, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RecordPayment stores a payment. A completed payment is applied to the
// invoice and posted to the ledger under the invoice row lock, so concurrent
// payments cannot both pass the overpayment check.
func (s *Service) RecordPayment(ctx context.Context, in RecordInput) (Payment, error) {
	if err := in.Validate(); err != nil {
		return Payment{}, err
	}
	if in.Status == "" {
		in.Status = StatusCompleted
	}
	now := s.now().UTC()
	p := Payment{
		ID:                   uuid.New(),
		InvoiceID:            in.InvoiceID,
		Amount:               in.Amount,
		PaymentDate:          invoicing.DateOnly(in.Date),
		Method:               strings.TrimSpace(in.Method),
		Status:               in.Status,
		TransactionReference: strings.TrimSpace(in.Reference),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	var groups []ledger.Group
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		groups = nil
		due := p.Amount
		if p.Status == StatusFailed {
			due = decimal.Zero
		}
		inv, b, err := s.lockPayable(ctx, tx, p.InvoiceID, due)
		if err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		if p.Status != StatusCompleted {
			return nil
		}
		g, err := s.complete(ctx, tx, p, inv, b)
		if err != nil {
			return err
		}
		groups = append(groups, g)
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	s.ledger.AfterCommit(ctx, groups...)
	s.record(ctx, "payment.record", p)
	return p, nil
}

// ConfirmPayment completes a pending payment with the same effects as
// recording it completed.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	var (
		out   Payment
		group ledger.Group
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := s.lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := transition(p, StatusCompleted); err != nil {
			return err
		}
		inv, b, err := s.lockPayable(ctx, tx, p.InvoiceID, p.Amount)
		if err != nil {
			return err
		}
		p.Status = StatusCompleted
		p.UpdatedAt = s.now().UTC()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if group, err = s.complete(ctx, tx, p, inv, b); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	s.ledger.AfterCommit(ctx, group)
	s.record(ctx, "payment.confirm", out)
	return out, nil
}

// FailPayment marks a pending payment as failed. Failed is terminal.
func (s *Service) FailPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	var out Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := s.lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := transition(p, StatusFailed); err != nil {
			return err
		}
		p.Status = StatusFailed
		p.UpdatedAt = s.now().UTC()
		out = p
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return Payment{}, err
	}
	s.record(ctx, "payment.fail", out)
	return out, nil
}

// ReversePayment undoes a completed payment: the ledger posting is reversed
// and the invoice and billing balances are restored in the same transaction.
func (s *Service) ReversePayment(ctx context.Context, id uuid.UUID, memo string) (Payment, error) {
	var (
		out   Payment
		group ledger.Group
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := s.lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := transition(p, StatusReversed); err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		b, err := tx.GetBillingForUpdate(ctx, inv.BillingID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if strings.TrimSpace(memo) == "" {
			memo = fmt.Sprintf("Reversal of payment %s on %s", p.ID, inv.Number)
		}
		if group, err = s.ledger.ReverseWithin(ctx, tx, ledger.SourcePayment, p.ID.String(), memo); err != nil {
			return err
		}
		inv, err = invoicing.RemovePayment(inv, p.Amount, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if _, err := s.billings.SyncSettlement(ctx, tx, b); err != nil {
			return err
		}
		p.Status = StatusReversed
		p.UpdatedAt = now
		out = p
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return Payment{}, err
	}
	s.ledger.AfterCommit(ctx, group)
	s.record(ctx, "payment.reverse", out)
	return out, nil
}

// Get loads one payment.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, fmt.Errorf("payments: %s: %w", id, err)
	}
	return p, nil
}

// ListByInvoice returns the payments of an invoice, oldest first.
func (s *Service) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	out, err := s.repo.ListPaymentsByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Payment{}
	}
	return out, nil
}

// complete applies a completed payment to its locked invoice, posts the
// receipt and settles the billing once nothing is due.
func (s *Service) complete(ctx context.Context, tx TxRepository, p Payment, inv invoicing.Invoice, b billing.Billing) (ledger.Group, error) {
	updated, err := invoicing.ApplyPayment(inv, p.Amount, s.now().UTC())
	if err != nil {
		return ledger.Group{}, err
	}
	if err := tx.UpdateInvoice(ctx, updated); err != nil {
		return ledger.Group{}, err
	}
	university := b.UniversityID
	billingID := b.ID
	invoiceID := inv.ID
	paymentID := p.ID
	group, err := s.ledger.RecordEventWithin(ctx, tx, ledger.EventInput{
		Kind:     ledger.EventPaymentReceived,
		SourceID: p.ID.String(),
		Amount:   p.Amount,
		Date:     p.PaymentDate,
		Memo:     fmt.Sprintf("Payment for %s via %s", inv.Number, p.Method),
		Refs: ledger.Refs{
			UniversityID:      &university,
			BillingID:         &billingID,
			InvoiceID:         &invoiceID,
			PaymentID:         &paymentID,
			ExternalReference: p.TransactionReference,
		},
	})
	if err != nil {
		return ledger.Group{}, err
	}
	if _, err := s.billings.SyncSettlement(ctx, tx, b); err != nil {
		return ledger.Group{}, err
	}
	return group, nil
}

// lockPayable locks the invoice then its billing and checks both accept a
// payment of amount. A zero amount skips the outstanding check.
func (s *Service) lockPayable(ctx context.Context, tx TxRepository, invoiceID uuid.UUID, amount decimal.Decimal) (invoicing.Invoice, billing.Billing, error) {
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return invoicing.Invoice{}, billing.Billing{}, fmt.Errorf("payments: invoice %s: %w", invoiceID, err)
	}
	if inv.Status == invoicing.StatusCancelled {
		return invoicing.Invoice{}, billing.Billing{}, fmt.Errorf("payments: invoice %s is cancelled: %w", inv.Number, shared.ErrInvalidStateTransition)
	}
	if amount.GreaterThan(inv.Outstanding()) {
		return invoicing.Invoice{}, billing.Billing{}, fmt.Errorf("payments: %s exceeds %s outstanding on %s: %w",
			shared.FormatAmount(amount), shared.FormatAmount(inv.Outstanding()), inv.Number, shared.ErrOverpayment)
	}
	b, err := tx.GetBillingForUpdate(ctx, inv.BillingID)
	if err != nil {
		return invoicing.Invoice{}, billing.Billing{}, err
	}
	if b.Status != billing.StatusActive {
		return invoicing.Invoice{}, billing.Billing{}, fmt.Errorf("payments: billing %s is %s: %w", b.ID, b.Status, shared.ErrInvalidStateTransition)
	}
	return inv, b, nil
}

func (s *Service) lockPayment(ctx context.Context, tx TxRepository, id uuid.UUID) (Payment, error) {
	p, err := tx.GetPaymentForUpdate(ctx, id)
	if err != nil {
		return Payment{}, fmt.Errorf("payments: %s: %w", id, err)
	}
	return p, nil
}

func (s *Service) record(ctx context.Context, action string, p Payment) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    "payments",
		Action:   action,
		Entity:   "payment",
		EntityID: p.ID.String(),
		Meta: map[string]any{
			"invoice": p.InvoiceID.String(),
			"amount":  shared.FormatAmount(p.Amount),
			"status":  string(p.Status),
		},
		At: s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
