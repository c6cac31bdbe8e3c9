package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/shared"
)

// TxRepository exposes the writes a billing transition needs. Ledger and
// invoice writes share the same transaction.
type TxRepository interface {
	ledger.TxRepository
	invoicing.TxRepository
	// GetBillingForUpdate locks the billing row.
	GetBillingForUpdate(ctx context.Context, id uuid.UUID) (Billing, error)
	InsertBilling(ctx context.Context, b Billing) error
	// UpdateBilling persists b when the stored version still equals
	// expectedVersion, otherwise it fails with shared.ErrStaleVersion.
	UpdateBilling(ctx context.Context, b Billing, expectedVersion int64) error
	DeleteBilling(ctx context.Context, id uuid.UUID, expectedVersion int64) error
}

// Repository abstracts billing storage.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBilling(ctx context.Context, id uuid.UUID) (Billing, error)
	ListBillings(ctx context.Context, filter ListFilter) ([]Billing, int, error)
}

// BatchSource selects the live batches billable for a university year.
type BatchSource interface {
	ListBillableBatches(ctx context.Context, universityID int64, from, to time.Time) ([]Batch, error)
}

// AuditPort records billing events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config carries invoice generation defaults.
type Config struct {
	Policy       invoicing.Policy
	NetTermsDays int
	Schedule     []invoicing.Installment
}

// Service builds billings and drives their lifecycle.
type Service struct {
	repo    Repository
	batches BatchSource
	ledger  *ledger.Service
	audit   AuditPort
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewService constructs Service.
func NewService(repo Repository, batches BatchSource, ledgerSvc *ledger.Service, audit AuditPort, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == "" {
		cfg.Policy = invoicing.PolicySingle
	}
	if cfg.NetTermsDays <= 0 {
		cfg.NetTermsDays = invoicing.DefaultNetTermsDays
	}
	return &Service{repo: repo, batches: batches, ledger: ledgerSvc, audit: audit, logger: logger, cfg: cfg, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateUniversityYearBilling snapshots every batch of the university active
// during year into a new draft billing.
func (s *Service) CreateUniversityYearBilling(ctx context.Context, in CreateInput) (CreateResult, error) {
	if err := in.Validate(); err != nil {
		return CreateResult{}, err
	}
	from, to := yearBounds(in.Year)
	batches, err := s.batches.ListBillableBatches(ctx, in.UniversityID, from, to)
	if err != nil {
		return CreateResult{}, fmt.Errorf("billing: list batches: %w", err)
	}
	var warnings []string
	if len(batches) == 0 {
		if !in.AllowEmpty {
			return CreateResult{}, shared.NewValidationError("batches", fmt.Sprintf("%s for university %d in %d", WarningNoBatches, in.UniversityID, in.Year))
		}
		warnings = append(warnings, WarningNoBatches)
	}

	now := s.now().UTC()
	b := Billing{
		ID:           uuid.New(),
		UniversityID: in.UniversityID,
		Year:         in.Year,
		Name:         normaliseName(in.Name),
		Notes:        strings.TrimSpace(in.Notes),
		Status:       StatusDraft,
		Snapshots:    make([]BatchSnapshot, 0, len(batches)),
		TotalAmount:  decimal.Zero,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if b.Name == "" {
		b.Name = DefaultName(in.UniversityID, in.Year)
	}
	for _, batch := range batches {
		snap := Snapshot(batch)
		b.Snapshots = append(b.Snapshots, snap)
		b.TotalAmount = b.TotalAmount.Add(snap.Amount)
	}
	b.BalanceDue = b.TotalAmount

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertBilling(ctx, b)
	})
	if err != nil {
		return CreateResult{}, err
	}
	s.record(ctx, "billing.create", b, map[string]any{"batches": len(b.Snapshots), "warnings": warnings})
	return CreateResult{Billing: b, Warnings: warnings}, nil
}

// Publish activates a draft billing, issues its invoices and recognises the
// revenue for each of them in one transaction.
func (s *Service) Publish(ctx context.Context, id uuid.UUID, expectedVersion int64, publishDate time.Time) (Billing, []invoicing.Invoice, error) {
	if publishDate.IsZero() {
		publishDate = s.now()
	}
	var (
		out      Billing
		invoices []invoicing.Invoice
		groups   []ledger.Group
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		groups = nil
		b, err := s.lockVersion(ctx, tx, id, expectedVersion)
		if err != nil {
			return err
		}
		next, err := Next(b.Status, ActionPublish)
		if err != nil {
			return err
		}
		parts := make([]invoicing.Part, 0, len(b.Snapshots))
		for _, snap := range b.Snapshots {
			parts = append(parts, invoicing.Part{Label: snap.BatchName, Amount: snap.Amount})
		}
		invoices, err = invoicing.GenerateInvoices(
			invoicing.Source{BillingID: b.ID, Total: b.TotalAmount, Parts: parts},
			invoicing.Options{Policy: s.cfg.Policy, NetTermsDays: s.cfg.NetTermsDays, IssueDate: publishDate, Schedule: s.cfg.Schedule},
		)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for i := range invoices {
			invoices[i].CreatedAt = now
			invoices[i].UpdatedAt = now
		}
		if err := tx.InsertInvoices(ctx, invoices...); err != nil {
			return err
		}
		for _, inv := range invoices {
			g, err := s.ledger.RecordEventWithin(ctx, tx, issuedEvent(b, inv))
			if err != nil {
				return err
			}
			groups = append(groups, g)
		}
		b.Status = next
		b.PublishedAt = &now
		if err := s.save(ctx, tx, &b, now); err != nil {
			return err
		}
		b.BalanceDue = b.TotalAmount
		out = b
		return nil
	})
	if err != nil {
		return Billing{}, nil, err
	}
	s.ledger.AfterCommit(ctx, groups...)
	s.record(ctx, "billing.publish", out, map[string]any{"invoices": len(invoices)})
	return out, invoices, nil
}

// Archive closes an active or paid billing to further payments.
func (s *Service) Archive(ctx context.Context, id uuid.UUID, expectedVersion int64) (Billing, error) {
	var out Billing
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := s.lockVersion(ctx, tx, id, expectedVersion)
		if err != nil {
			return err
		}
		next, err := Next(b.Status, ActionArchive)
		if err != nil {
			return err
		}
		b.Status = next
		if err := s.save(ctx, tx, &b, s.now().UTC()); err != nil {
			return err
		}
		out, err = withBalance(ctx, tx, b)
		return err
	})
	if err != nil {
		return Billing{}, err
	}
	s.record(ctx, "billing.archive", out, nil)
	return out, nil
}

// Delete removes a draft billing together with its invoices.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	var deleted Billing
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := s.lockVersion(ctx, tx, id, expectedVersion)
		if err != nil {
			return err
		}
		if _, err := Next(b.Status, ActionDelete); err != nil {
			return err
		}
		if err := tx.DeleteInvoicesByBilling(ctx, b.ID); err != nil {
			return err
		}
		deleted = b
		return tx.DeleteBilling(ctx, b.ID, expectedVersion)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "billing.delete", deleted, nil)
	return nil
}

// Get loads a billing with its derived balance.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Billing, error) {
	b, err := s.repo.GetBilling(ctx, id)
	if err != nil {
		return Billing{}, fmt.Errorf("billing: %s: %w", id, err)
	}
	return b, nil
}

// List pages through billings.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Billing, int, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	filter.Page = filter.Page.Normalize()
	filter.Search = strings.TrimSpace(filter.Search)
	return s.repo.ListBillings(ctx, filter)
}

// CreateInvoice issues a supplementary invoice on a published billing,
// raising its total and recognising the revenue.
func (s *Service) CreateInvoice(ctx context.Context, in invoicing.CreateInput) (invoicing.Invoice, error) {
	if err := in.Validate(); err != nil {
		return invoicing.Invoice{}, err
	}
	var (
		inv   invoicing.Invoice
		group ledger.Group
		owner Billing
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBillingForUpdate(ctx, in.BillingID)
		if err != nil {
			return fmt.Errorf("billing: %s: %w", in.BillingID, err)
		}
		switch b.Status {
		case StatusActive:
		case StatusPaid:
			if b.Status, err = Next(b.Status, ActionReopen); err != nil {
				return err
			}
		default:
			return fmt.Errorf("billing: cannot invoice a %s billing: %w", b.Status, shared.ErrInvalidStateTransition)
		}
		existing, err := tx.ListInvoicesByBilling(ctx, b.ID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		issue := invoicing.DateOnly(in.IssueDate)
		due := issue.AddDate(0, 0, s.cfg.NetTermsDays)
		if in.DueDate != nil {
			due = invoicing.DateOnly(*in.DueDate)
		}
		inv = invoicing.Invoice{
			ID:         uuid.New(),
			BillingID:  b.ID,
			Number:     invoicing.Number(b.ID, issue, len(existing)+1),
			Amount:     in.Amount,
			AmountPaid: decimal.Zero,
			IssueDate:  issue,
			DueDate:    due,
			Notes:      strings.TrimSpace(in.Notes),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		inv.Status = invoicing.RecomputeStatus(inv, now)
		if err := tx.InsertInvoices(ctx, inv); err != nil {
			return err
		}
		if group, err = s.ledger.RecordEventWithin(ctx, tx, issuedEvent(b, inv)); err != nil {
			return err
		}
		b.TotalAmount = b.TotalAmount.Add(inv.Amount)
		if err := s.save(ctx, tx, &b, now); err != nil {
			return err
		}
		owner = b
		return nil
	})
	if err != nil {
		return invoicing.Invoice{}, err
	}
	s.ledger.AfterCommit(ctx, group)
	s.record(ctx, "billing.invoice_issued", owner, map[string]any{"invoice": inv.Number, "amount": shared.FormatAmount(inv.Amount)})
	return inv, nil
}

// CancelInvoice cancels an invoice without payments, reverses its revenue
// and lowers the billing total.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error) {
	var (
		inv   invoicing.Invoice
		group ledger.Group
		owner Billing
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("billing: invoice %s: %w", id, err)
		}
		b, err := tx.GetBillingForUpdate(ctx, current.BillingID)
		if err != nil {
			return err
		}
		if b.Status != StatusActive {
			return fmt.Errorf("billing: cannot cancel invoices of a %s billing: %w", b.Status, shared.ErrInvalidStateTransition)
		}
		now := s.now().UTC()
		if inv, err = invoicing.Cancel(current, now); err != nil {
			return err
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if group, err = s.ledger.ReverseWithin(ctx, tx, ledger.SourceInvoice, inv.ID.String(), "Invoice "+inv.Number+" cancelled"); err != nil {
			return err
		}
		b.TotalAmount = b.TotalAmount.Sub(inv.Amount)
		if err := s.save(ctx, tx, &b, now); err != nil {
			return err
		}
		owner, err = s.SyncSettlement(ctx, tx, b)
		return err
	})
	if err != nil {
		return invoicing.Invoice{}, err
	}
	s.ledger.AfterCommit(ctx, group)
	s.record(ctx, "billing.invoice_cancelled", owner, map[string]any{"invoice": inv.Number})
	return inv, nil
}

// SyncSettlement recomputes the balance of a locked billing and settles or
// reopens it so its status follows the balance. It runs inside the caller's
// transaction.
func (s *Service) SyncSettlement(ctx context.Context, tx TxRepository, b Billing) (Billing, error) {
	b, err := withBalance(ctx, tx, b)
	if err != nil {
		return Billing{}, err
	}
	var action Action
	switch {
	case b.Status == StatusActive && b.BalanceDue.IsZero() && b.TotalAmount.IsPositive():
		action = ActionSettle
	case b.Status == StatusPaid && b.BalanceDue.IsPositive():
		action = ActionReopen
	default:
		return b, nil
	}
	next, err := Next(b.Status, action)
	if err != nil {
		return Billing{}, err
	}
	b.Status = next
	if err := s.save(ctx, tx, &b, s.now().UTC()); err != nil {
		return Billing{}, err
	}
	return b, nil
}

func (s *Service) lockVersion(ctx context.Context, tx TxRepository, id uuid.UUID, expectedVersion int64) (Billing, error) {
	b, err := tx.GetBillingForUpdate(ctx, id)
	if err != nil {
		return Billing{}, fmt.Errorf("billing: %s: %w", id, err)
	}
	if b.Version != expectedVersion {
		return Billing{}, fmt.Errorf("billing: %s at version %d, caller has %d: %w", id, b.Version, expectedVersion, shared.ErrStaleVersion)
	}
	return b, nil
}

// save bumps the version and writes b with a compare-and-swap on the
// version it was loaded at.
func (s *Service) save(ctx context.Context, tx TxRepository, b *Billing, now time.Time) error {
	expected := b.Version
	b.Version++
	b.UpdatedAt = now
	if err := tx.UpdateBilling(ctx, *b, expected); err != nil {
		b.Version = expected
		return err
	}
	return nil
}

func withBalance(ctx context.Context, tx TxRepository, b Billing) (Billing, error) {
	invoices, err := tx.ListInvoicesByBilling(ctx, b.ID)
	if err != nil {
		return Billing{}, err
	}
	paid := decimal.Zero
	for _, inv := range invoices {
		paid = paid.Add(inv.AmountPaid)
	}
	b.BalanceDue = b.TotalAmount.Sub(paid)
	return b, nil
}

func issuedEvent(b Billing, inv invoicing.Invoice) ledger.EventInput {
	university := b.UniversityID
	billingID := b.ID
	invoiceID := inv.ID
	return ledger.EventInput{
		Kind:     ledger.EventInvoiceIssued,
		SourceID: inv.ID.String(),
		Amount:   inv.Amount,
		Date:     inv.IssueDate,
		Memo:     fmt.Sprintf("Invoice %s issued for %s", inv.Number, b.Name),
		Refs: ledger.Refs{
			UniversityID:      &university,
			BillingID:         &billingID,
			InvoiceID:         &invoiceID,
			ExternalReference: inv.Number,
		},
	}
}

func (s *Service) record(ctx context.Context, action string, b Billing, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(b.Status)
	meta["version"] = b.Version
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    "billing",
		Action:   action,
		Entity:   "billing",
		EntityID: b.ID.String(),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
