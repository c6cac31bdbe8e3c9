package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/shared"
)

// TxRepository exposes the writes a posting needs inside one transaction.
type TxRepository interface {
	// FindGroup returns shared.ErrNotFound when no group exists.
	FindGroup(ctx context.Context, sourceType SourceType, sourceID string, reversing bool) (Group, error)
	// InsertGroup writes the group and its entries atomically. A second group
	// for the same source and direction fails with shared.ErrDuplicatePosting.
	InsertGroup(ctx context.Context, group Group) error
}

// Repository abstracts ledger storage.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	EntriesFor(ctx context.Context, sourceType SourceType, sourceID string) ([]Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error)
	SumAccount(ctx context.Context, account accounts.Account, asOf time.Time, filter BalanceFilter) (Totals, error)
	UnbalancedGroups(ctx context.Context) ([]Imbalance, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ChangeNotifier is told after ledger state changed.
type ChangeNotifier interface {
	NotifyLedgerChanged(ctx context.Context) error
}

// MetricsRecorder counts postings and integrity failures.
type MetricsRecorder interface {
	ObservePosting(sourceType string, reversal bool)
	ObserveIntegrityFailure(reason string)
}

// Service appends balanced groups and derives balances from them.
type Service struct {
	repo     Repository
	audit    AuditPort
	logger   *slog.Logger
	notifier ChangeNotifier
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetNotifier registers the post-commit change listener.
func (s *Service) SetNotifier(n ChangeNotifier) { s.notifier = n }

// SetMetrics registers the metrics sink.
func (s *Service) SetMetrics(m MetricsRecorder) { s.metrics = m }

// Post validates and appends a posting in its own transaction.
func (s *Service) Post(ctx context.Context, in PostingInput) (uuid.UUID, error) {
	var group Group
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		g, err := s.PostWithin(ctx, tx, in)
		group = g
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	s.AfterCommit(ctx, group)
	return group.ID, nil
}

// PostWithin validates and appends a posting inside the caller's transaction.
// The caller must invoke AfterCommit once its transaction commits.
func (s *Service) PostWithin(ctx context.Context, tx TxRepository, in PostingInput) (Group, error) {
	in.SourceID = strings.TrimSpace(in.SourceID)
	if err := in.Validate(); err != nil {
		s.reportFailure(ctx, in.SourceType, in.SourceID, err)
		return Group{}, err
	}
	_, err := tx.FindGroup(ctx, in.SourceType, in.SourceID, false)
	switch {
	case err == nil:
		err = fmt.Errorf("ledger: %s %s already posted: %w", in.SourceType, in.SourceID, shared.ErrDuplicatePosting)
		s.reportFailure(ctx, in.SourceType, in.SourceID, err)
		return Group{}, err
	case !errors.Is(err, shared.ErrNotFound):
		return Group{}, err
	}

	group := s.buildGroup(in.SourceType, in.SourceID, false, in.Memo, in.Date, in.Refs, in.Lines)
	if err := tx.InsertGroup(ctx, group); err != nil {
		s.reportFailure(ctx, in.SourceType, in.SourceID, err)
		return Group{}, err
	}
	return group, nil
}

// Reverse posts the mirror image of a source's original group.
func (s *Service) Reverse(ctx context.Context, sourceType SourceType, sourceID, memo string) (uuid.UUID, error) {
	var group Group
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		g, err := s.ReverseWithin(ctx, tx, sourceType, sourceID, memo)
		group = g
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	s.AfterCommit(ctx, group)
	return group.ID, nil
}

// ReverseWithin reverses inside the caller's transaction.
func (s *Service) ReverseWithin(ctx context.Context, tx TxRepository, sourceType SourceType, sourceID, memo string) (Group, error) {
	sourceID = strings.TrimSpace(sourceID)
	if !sourceType.Valid() {
		return Group{}, shared.NewValidationError("source_type", fmt.Sprintf("unknown source type %q", sourceType))
	}
	if sourceID == "" {
		return Group{}, shared.NewValidationError("source_id", "required")
	}
	original, err := tx.FindGroup(ctx, sourceType, sourceID, false)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Group{}, fmt.Errorf("ledger: no posting for %s %s: %w", sourceType, sourceID, shared.ErrNotFound)
		}
		return Group{}, err
	}
	_, err = tx.FindGroup(ctx, sourceType, sourceID, true)
	switch {
	case err == nil:
		err = fmt.Errorf("ledger: %s %s: %w", sourceType, sourceID, shared.ErrAlreadyReversed)
		s.reportFailure(ctx, sourceType, sourceID, err)
		return Group{}, err
	case !errors.Is(err, shared.ErrNotFound):
		return Group{}, err
	}

	lines := make([]LineInput, 0, len(original.Entries))
	for _, e := range original.Entries {
		lines = append(lines, LineInput{Account: e.Account, EntryType: e.EntryType.Opposite(), Amount: e.Amount})
	}
	if strings.TrimSpace(memo) == "" {
		memo = "Reversal of " + original.Memo
	}
	var refs Refs
	if len(original.Entries) > 0 {
		refs = original.Entries[0].Refs
	}
	group := s.buildGroup(sourceType, sourceID, true, memo, s.now(), refs, lines)
	if !group.Balanced() {
		err := fmt.Errorf("ledger: reversal of %s %s: %w", sourceType, sourceID, shared.ErrUnbalancedEntry)
		s.reportFailure(ctx, sourceType, sourceID, err)
		return Group{}, err
	}
	if err := tx.InsertGroup(ctx, group); err != nil {
		if errors.Is(err, shared.ErrDuplicatePosting) {
			err = fmt.Errorf("ledger: %s %s: %w", sourceType, sourceID, shared.ErrAlreadyReversed)
		}
		s.reportFailure(ctx, sourceType, sourceID, err)
		return Group{}, err
	}
	return group, nil
}

// AfterCommit runs the side effects of committed groups: metrics, audit and
// change notification. Failures are logged and never surface.
func (s *Service) AfterCommit(ctx context.Context, groups ...Group) {
	if len(groups) == 0 {
		return
	}
	for _, g := range groups {
		if s.metrics != nil {
			s.metrics.ObservePosting(string(g.SourceType), g.Reversing)
		}
		action := "ledger.post"
		if g.Reversing {
			action = "ledger.reverse"
		}
		s.record(ctx, action, g)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyLedgerChanged(ctx); err != nil {
			s.logger.Warn("ledger change notification failed", slog.Any("error", err))
		}
	}
}

// BalanceAsOf returns the account balance through date in its natural sign.
func (s *Service) BalanceAsOf(ctx context.Context, account accounts.Account, date time.Time, filter BalanceFilter) (decimal.Decimal, error) {
	if !account.Valid() {
		return decimal.Zero, shared.NewValidationError("account", fmt.Sprintf("unknown account %q", account))
	}
	totals, err := s.repo.SumAccount(ctx, account, dateOnly(date), filter)
	if err != nil {
		return decimal.Zero, err
	}
	return totals.Natural(account), nil
}

// EntriesFor lists the entries of a source, originals before reversals.
func (s *Service) EntriesFor(ctx context.Context, sourceType SourceType, sourceID string) ([]Entry, error) {
	if !sourceType.Valid() {
		return nil, shared.NewValidationError("source_type", fmt.Sprintf("unknown source type %q", sourceType))
	}
	entries, err := s.repo.EntriesFor(ctx, sourceType, strings.TrimSpace(sourceID))
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// ListEntries pages through entries matching filter, newest first.
func (s *Service) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	filter.Page = filter.Page.Normalize()
	filter.Search = strings.TrimSpace(filter.Search)
	return s.repo.ListEntries(ctx, filter)
}

// VerifyIntegrity scans stored groups and reports those violating the
// double-entry rule.
func (s *Service) VerifyIntegrity(ctx context.Context) ([]Imbalance, error) {
	found, err := s.repo.UnbalancedGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, im := range found {
		s.logger.Error("ledger integrity violation",
			slog.String("group_id", im.GroupID.String()),
			slog.String("source_type", string(im.SourceType)),
			slog.String("source_id", im.SourceID),
			slog.String("debit", shared.FormatAmount(im.Debit)),
			slog.String("credit", shared.FormatAmount(im.Credit)),
		)
		if s.metrics != nil {
			s.metrics.ObserveIntegrityFailure("stored_unbalanced")
		}
	}
	return found, nil
}

func (s *Service) buildGroup(sourceType SourceType, sourceID string, reversing bool, memo string, date time.Time, refs Refs, lines []LineInput) Group {
	now := s.now().UTC()
	group := Group{
		ID:         uuid.New(),
		SourceType: sourceType,
		SourceID:   sourceID,
		Reversing:  reversing,
		Memo:       strings.TrimSpace(memo),
		EntryDate:  dateOnly(date),
		CreatedAt:  now,
	}
	group.Entries = make([]Entry, 0, len(lines))
	for _, line := range lines {
		group.Entries = append(group.Entries, Entry{
			ID:         uuid.New(),
			GroupID:    group.ID,
			EntryDate:  group.EntryDate,
			Account:    line.Account,
			EntryType:  line.EntryType,
			Amount:     line.Amount,
			Memo:       group.Memo,
			SourceType: sourceType,
			SourceID:   sourceID,
			Refs:       refs,
			Reversing:  reversing,
			CreatedAt:  now,
		})
	}
	return group
}

func (s *Service) reportFailure(ctx context.Context, sourceType SourceType, sourceID string, err error) {
	if !shared.IsIntegrity(err) {
		return
	}
	reason := "unbalanced"
	switch {
	case errors.Is(err, shared.ErrDuplicatePosting):
		reason = "duplicate"
	case errors.Is(err, shared.ErrAlreadyReversed):
		reason = "already_reversed"
	}
	s.logger.Error("ledger integrity violation",
		slog.String("reason", reason),
		slog.String("source_type", string(sourceType)),
		slog.String("source_id", sourceID),
		slog.Any("error", err),
	)
	if s.metrics != nil {
		s.metrics.ObserveIntegrityFailure(reason)
	}
	if s.audit != nil {
		s.recordAudit(ctx, shared.AuditLog{
			Actor:    "ledger",
			Action:   "ledger.integrity_violation",
			Entity:   "ledger_source",
			EntityID: fmt.Sprintf("%s:%s", sourceType, sourceID),
			Meta:     map[string]any{"reason": reason, "error": err.Error()},
			At:       s.now(),
		})
	}
}

func (s *Service) record(ctx context.Context, action string, g Group) {
	if s.audit == nil {
		return
	}
	debit, _ := g.Totals()
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    "ledger",
		Action:   action,
		Entity:   "ledger_group",
		EntityID: g.ID.String(),
		Meta: map[string]any{
			"source_type": string(g.SourceType),
			"source_id":   g.SourceID,
			"amount":      shared.FormatAmount(debit),
		},
		At: s.now(),
	})
}

// recordAudit never fails the posting; a lost audit row is logged instead.
func (s *Service) recordAudit(ctx context.Context, entry shared.AuditLog) {
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("ledger audit record failed",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err),
		)
	}
}
