// Package memory provides an in-process store implementing every repository
// port. Transactions run one at a time against a copy of the state that is
// swapped in on success, so readers never observe a partial write.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/payments"
	"github.com/campusledger/campusledger/internal/reports"
	"github.com/campusledger/campusledger/internal/shared"
)

type sourceKey struct {
	sourceType ledger.SourceType
	sourceID   string
	reversing  bool
}

type state struct {
	groups   []ledger.Group
	sources  map[sourceKey]int
	billings map[uuid.UUID]billing.Billing
	invoices map[uuid.UUID]invoicing.Invoice
	payments map[uuid.UUID]payments.Payment
}

func newState() state {
	return state{
		sources:  make(map[sourceKey]int),
		billings: make(map[uuid.UUID]billing.Billing),
		invoices: make(map[uuid.UUID]invoicing.Invoice),
		payments: make(map[uuid.UUID]payments.Payment),
	}
}

// clone copies the containers. Groups are append-only and values are
// replaced wholesale on update, so element copies are enough.
func (s state) clone() state {
	return state{
		groups:   append([]ledger.Group(nil), s.groups...),
		sources:  maps.Clone(s.sources),
		billings: maps.Clone(s.billings),
		invoices: maps.Clone(s.invoices),
		payments: maps.Clone(s.payments),
	}
}

// Store is a thread-safe in-memory backend.
type Store struct {
	mu sync.RWMutex
	st state

	batchMu sync.RWMutex
	batches map[int64]billing.Batch
}

// New creates an empty Store.
func New() *Store {
	return &Store{st: newState(), batches: make(map[int64]billing.Batch)}
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context, *tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{st: s.st.clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	s.st = t.st
	return nil
}

func (s *Store) read() state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// Ledger returns the ledger repository view.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{store: s} }

// Invoices returns the invoicing repository view.
func (s *Store) Invoices() *InvoiceRepository { return &InvoiceRepository{store: s} }

// Billings returns the billing repository view.
func (s *Store) Billings() *BillingRepository { return &BillingRepository{store: s} }

// Payments returns the payments repository view.
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{store: s} }

// Reports returns the reports repository view.
func (s *Store) Reports() *ReportRepository { return &ReportRepository{store: s} }

// PutBatch adds or replaces a billable batch.
func (s *Store) PutBatch(b billing.Batch) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batches[b.ID] = b
}

// UpsertBatches stores every batch, replacing existing ids.
func (s *Store) UpsertBatches(_ context.Context, batches []billing.Batch) (int, error) {
	for _, b := range batches {
		s.PutBatch(b)
	}
	return len(batches), nil
}

// ListBillableBatches returns the university batches overlapping [from, to].
func (s *Store) ListBillableBatches(_ context.Context, universityID int64, from, to time.Time) ([]billing.Batch, error) {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	var out []billing.Batch
	for _, b := range s.batches {
		if b.UniversityID != universityID || b.StartDate.After(to) || b.EndDate.Before(from) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// tx implements every package TxRepository against a private state copy.
type tx struct {
	st state
}

func (t *tx) FindGroup(_ context.Context, sourceType ledger.SourceType, sourceID string, reversing bool) (ledger.Group, error) {
	idx, ok := t.st.sources[sourceKey{sourceType, sourceID, reversing}]
	if !ok {
		return ledger.Group{}, shared.ErrNotFound
	}
	return t.st.groups[idx], nil
}

func (t *tx) InsertGroup(_ context.Context, g ledger.Group) error {
	key := sourceKey{g.SourceType, g.SourceID, g.Reversing}
	if _, ok := t.st.sources[key]; ok {
		return fmt.Errorf("ledger: %s %s: %w", g.SourceType, g.SourceID, shared.ErrDuplicatePosting)
	}
	g.Entries = append([]ledger.Entry(nil), g.Entries...)
	t.st.groups = append(t.st.groups, g)
	t.st.sources[key] = len(t.st.groups) - 1
	return nil
}

func (t *tx) GetInvoiceForUpdate(_ context.Context, id uuid.UUID) (invoicing.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok {
		return invoicing.Invoice{}, shared.ErrNotFound
	}
	return inv, nil
}

func (t *tx) ListInvoicesByBilling(_ context.Context, billingID uuid.UUID) ([]invoicing.Invoice, error) {
	return invoicesOf(t.st, billingID), nil
}

func (t *tx) InsertInvoices(_ context.Context, invoices ...invoicing.Invoice) error {
	for _, inv := range invoices {
		for _, existing := range t.st.invoices {
			if existing.Number == inv.Number {
				return fmt.Errorf("invoicing: invoice number %s taken: %w", inv.Number, shared.ErrStaleVersion)
			}
		}
		t.st.invoices[inv.ID] = inv
	}
	return nil
}

func (t *tx) UpdateInvoice(_ context.Context, inv invoicing.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; !ok {
		return shared.ErrNotFound
	}
	if inv.AmountPaid.IsNegative() || inv.AmountPaid.GreaterThan(inv.Amount) {
		return fmt.Errorf("invoicing: invoice %s paid %s of %s: %w", inv.Number, inv.AmountPaid, inv.Amount, shared.ErrOverpayment)
	}
	t.st.invoices[inv.ID] = inv
	return nil
}

func (t *tx) DeleteInvoicesByBilling(_ context.Context, billingID uuid.UUID) error {
	for id, inv := range t.st.invoices {
		if inv.BillingID == billingID {
			delete(t.st.invoices, id)
		}
	}
	return nil
}

func (t *tx) ListOverdueCandidates(_ context.Context, asOf time.Time) ([]invoicing.Invoice, error) {
	var out []invoicing.Invoice
	for _, inv := range t.st.invoices {
		if inv.Status == invoicing.StatusUnpaid && inv.DueDate.Before(asOf) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (t *tx) GetBillingForUpdate(_ context.Context, id uuid.UUID) (billing.Billing, error) {
	b, ok := t.st.billings[id]
	if !ok {
		return billing.Billing{}, shared.ErrNotFound
	}
	return withBalance(t.st, b), nil
}

func (t *tx) InsertBilling(_ context.Context, b billing.Billing) error {
	if _, ok := t.st.billings[b.ID]; ok {
		return fmt.Errorf("billing: %s exists: %w", b.ID, shared.ErrStaleVersion)
	}
	t.st.billings[b.ID] = b
	return nil
}

func (t *tx) UpdateBilling(_ context.Context, b billing.Billing, expectedVersion int64) error {
	current, ok := t.st.billings[b.ID]
	if !ok || current.Version != expectedVersion {
		return fmt.Errorf("billing: %s: %w", b.ID, shared.ErrStaleVersion)
	}
	current.Status = b.Status
	current.TotalAmount = b.TotalAmount
	current.Version = b.Version
	current.PublishedAt = b.PublishedAt
	current.UpdatedAt = b.UpdatedAt
	t.st.billings[b.ID] = current
	return nil
}

func (t *tx) DeleteBilling(_ context.Context, id uuid.UUID, expectedVersion int64) error {
	current, ok := t.st.billings[id]
	if !ok || current.Version != expectedVersion || current.Status != billing.StatusDraft {
		return fmt.Errorf("billing: %s: %w", id, shared.ErrStaleVersion)
	}
	delete(t.st.billings, id)
	return nil
}

func (t *tx) GetPaymentForUpdate(_ context.Context, id uuid.UUID) (payments.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return payments.Payment{}, shared.ErrNotFound
	}
	return p, nil
}

func (t *tx) InsertPayment(_ context.Context, p payments.Payment) error {
	t.st.payments[p.ID] = p
	return nil
}

func (t *tx) UpdatePayment(_ context.Context, p payments.Payment) error {
	current, ok := t.st.payments[p.ID]
	if !ok {
		return shared.ErrNotFound
	}
	current.Status = p.Status
	current.UpdatedAt = p.UpdatedAt
	t.st.payments[p.ID] = current
	return nil
}

// LedgerRepository implements ledger.Repository.
type LedgerRepository struct {
	store *Store
}

func (r *LedgerRepository) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.store.withTx(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (r *LedgerRepository) EntriesFor(_ context.Context, sourceType ledger.SourceType, sourceID string) ([]ledger.Entry, error) {
	st := r.store.read()
	var out []ledger.Entry
	for _, reversing := range []bool{false, true} {
		idx, ok := st.sources[sourceKey{sourceType, sourceID, reversing}]
		if !ok {
			continue
		}
		entries := append([]ledger.Entry(nil), st.groups[idx].Entries...)
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].EntryType != entries[j].EntryType {
				return entries[i].EntryType > entries[j].EntryType
			}
			return entries[i].Account < entries[j].Account
		})
		out = append(out, entries...)
	}
	return out, nil
}

func (r *LedgerRepository) ListEntries(_ context.Context, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	st := r.store.read()
	search := strings.ToLower(f.Search)
	var matched []ledger.Entry
	for _, g := range st.groups {
		for _, e := range g.Entries {
			if f.UniversityID != nil && (e.UniversityID == nil || *e.UniversityID != *f.UniversityID) {
				continue
			}
			if f.StartDate != nil && e.EntryDate.Before(*f.StartDate) {
				continue
			}
			if f.EndDate != nil && e.EntryDate.After(*f.EndDate) {
				continue
			}
			if f.SourceType != "" && e.SourceType != f.SourceType {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(e.Memo), search) &&
				!strings.Contains(strings.ToLower(e.ExternalReference), search) &&
				!strings.Contains(strings.ToLower(e.SourceID), search) {
				continue
			}
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.After(b.EntryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	page, total := shared.Window(matched, f.Page)
	return page, total, nil
}

func (r *LedgerRepository) SumAccount(_ context.Context, account accounts.Account, asOf time.Time, f ledger.BalanceFilter) (ledger.Totals, error) {
	st := r.store.read()
	t := ledger.Totals{Debit: decimal.Zero, Credit: decimal.Zero}
	for _, g := range st.groups {
		for _, e := range g.Entries {
			if e.Account != account || e.EntryDate.After(asOf) {
				continue
			}
			if f.UniversityID != nil && (e.UniversityID == nil || *e.UniversityID != *f.UniversityID) {
				continue
			}
			if e.EntryType == accounts.Debit {
				t.Debit = t.Debit.Add(e.Amount)
			} else {
				t.Credit = t.Credit.Add(e.Amount)
			}
		}
	}
	return t, nil
}

func (r *LedgerRepository) UnbalancedGroups(_ context.Context) ([]ledger.Imbalance, error) {
	st := r.store.read()
	var out []ledger.Imbalance
	for _, g := range st.groups {
		debit, credit := g.Totals()
		if len(g.Entries) >= 2 && debit.Equal(credit) {
			continue
		}
		out = append(out, ledger.Imbalance{
			GroupID:    g.ID,
			SourceType: g.SourceType,
			SourceID:   g.SourceID,
			Debit:      debit,
			Credit:     credit,
			Entries:    len(g.Entries),
		})
	}
	return out, nil
}

// InvoiceRepository implements invoicing.Repository.
type InvoiceRepository struct {
	store *Store
}

func (r *InvoiceRepository) WithTx(ctx context.Context, fn func(context.Context, invoicing.TxRepository) error) error {
	return r.store.withTx(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (r *InvoiceRepository) GetInvoice(_ context.Context, id uuid.UUID) (invoicing.Invoice, error) {
	inv, ok := r.store.read().invoices[id]
	if !ok {
		return invoicing.Invoice{}, shared.ErrNotFound
	}
	return inv, nil
}

func (r *InvoiceRepository) ListInvoices(_ context.Context, f invoicing.ListFilter) ([]invoicing.Invoice, int, error) {
	var out []invoicing.Invoice
	for _, inv := range r.store.read().invoices {
		if f.BillingID != nil && inv.BillingID != *f.BillingID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.After(out[j].IssueDate)
		}
		return out[i].Number < out[j].Number
	})
	page, total := shared.Window(out, f.Page)
	return page, total, nil
}

// BillingRepository implements billing.Repository.
type BillingRepository struct {
	store *Store
}

func (r *BillingRepository) WithTx(ctx context.Context, fn func(context.Context, billing.TxRepository) error) error {
	return r.store.withTx(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (r *BillingRepository) GetBilling(_ context.Context, id uuid.UUID) (billing.Billing, error) {
	st := r.store.read()
	b, ok := st.billings[id]
	if !ok {
		return billing.Billing{}, shared.ErrNotFound
	}
	return withBalance(st, b), nil
}

func (r *BillingRepository) ListBillings(_ context.Context, f billing.ListFilter) ([]billing.Billing, int, error) {
	st := r.store.read()
	search := strings.ToLower(f.Search)
	var out []billing.Billing
	for _, b := range st.billings {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.UniversityID != nil && b.UniversityID != *f.UniversityID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(b.Name), search) && !strings.Contains(strings.ToLower(b.Notes), search) {
			continue
		}
		out = append(out, withBalance(st, b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	page, total := shared.Window(out, f.Page)
	return page, total, nil
}

// PaymentRepository implements payments.Repository.
type PaymentRepository struct {
	store *Store
}

func (r *PaymentRepository) WithTx(ctx context.Context, fn func(context.Context, payments.TxRepository) error) error {
	return r.store.withTx(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (r *PaymentRepository) GetPayment(_ context.Context, id uuid.UUID) (payments.Payment, error) {
	p, ok := r.store.read().payments[id]
	if !ok {
		return payments.Payment{}, shared.ErrNotFound
	}
	return p, nil
}

func (r *PaymentRepository) ListPaymentsByInvoice(_ context.Context, invoiceID uuid.UUID) ([]payments.Payment, error) {
	var out []payments.Payment
	for _, p := range r.store.read().payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.Before(out[j].PaymentDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReportRepository implements reports.Repository.
type ReportRepository struct {
	store *Store
}

func (r *ReportRepository) Snapshot(ctx context.Context, fn func(context.Context, reports.Reader) error) error {
	return fn(ctx, reader{st: r.store.read()})
}

type reader struct {
	st state
}

func (r reader) entries(f reports.Filter) []ledger.Entry {
	var out []ledger.Entry
	for _, g := range r.st.groups {
		for _, e := range g.Entries {
			if f.UniversityID != nil && (e.UniversityID == nil || *e.UniversityID != *f.UniversityID) {
				continue
			}
			if f.StartDate != nil && e.EntryDate.Before(*f.StartDate) {
				continue
			}
			if f.EndDate != nil && e.EntryDate.After(*f.EndDate) {
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

func (r reader) Activity(_ context.Context, f reports.Filter) ([]reports.Activity, error) {
	type key struct {
		account accounts.Account
		source  ledger.SourceType
	}
	totals := make(map[key]*reports.Activity)
	var order []key
	for _, e := range r.entries(f) {
		k := key{e.Account, e.SourceType}
		a, ok := totals[k]
		if !ok {
			a = &reports.Activity{Account: e.Account, SourceType: e.SourceType, Debit: decimal.Zero, Credit: decimal.Zero}
			totals[k] = a
			order = append(order, k)
		}
		if e.EntryType == accounts.Debit {
			a.Debit = a.Debit.Add(e.Amount)
		} else {
			a.Credit = a.Credit.Add(e.Amount)
		}
	}
	out := make([]reports.Activity, 0, len(order))
	for _, k := range order {
		out = append(out, *totals[k])
	}
	return out, nil
}

func (r reader) CountGroups(_ context.Context, f reports.Filter) (int, error) {
	seen := make(map[uuid.UUID]struct{})
	for _, e := range r.entries(f) {
		seen[e.GroupID] = struct{}{}
	}
	return len(seen), nil
}

func (r reader) OpenInvoices(_ context.Context, f reports.InvoiceFilter) ([]invoicing.Invoice, error) {
	var out []invoicing.Invoice
	for _, inv := range r.st.invoices {
		if inv.Status == invoicing.StatusCancelled || !inv.AmountPaid.LessThan(inv.Amount) {
			continue
		}
		if f.BillingID != nil && inv.BillingID != *f.BillingID {
			continue
		}
		if f.UniversityID != nil {
			b, ok := r.st.billings[inv.BillingID]
			if !ok || b.UniversityID != *f.UniversityID {
				continue
			}
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (r reader) Invoice(_ context.Context, id uuid.UUID) (invoicing.Invoice, error) {
	inv, ok := r.st.invoices[id]
	if !ok {
		return invoicing.Invoice{}, shared.ErrNotFound
	}
	return inv, nil
}

func invoicesOf(st state, billingID uuid.UUID) []invoicing.Invoice {
	var out []invoicing.Invoice
	for _, inv := range st.invoices {
		if inv.BillingID == billingID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func withBalance(st state, b billing.Billing) billing.Billing {
	paid := decimal.Zero
	for _, inv := range invoicesOf(st, b.ID) {
		paid = paid.Add(inv.AmountPaid)
	}
	b.BalanceDue = b.TotalAmount.Sub(paid)
	return b
}

var (
	_ ledger.Repository     = (*LedgerRepository)(nil)
	_ invoicing.Repository  = (*InvoiceRepository)(nil)
	_ billing.Repository    = (*BillingRepository)(nil)
	_ billing.BatchSource   = (*Store)(nil)
	_ payments.Repository   = (*PaymentRepository)(nil)
	_ payments.TxRepository = (*tx)(nil)
	_ reports.Repository    = (*ReportRepository)(nil)
)
