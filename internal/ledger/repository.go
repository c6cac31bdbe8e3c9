package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/platform/db"
	"github.com/campusledger/campusledger/internal/shared"
)

const entryColumns = `id, group_id, entry_date, account, entry_type, amount, memo, source_type, source_id,
university_id, oem_id, billing_id, payment_id, expense_id, invoice_id, external_reference, reversing, created_at`

// PgRepository persists the ledger in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger writes to an open transaction so other
// packages can post atomically with their own changes.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

func (r *txRepository) FindGroup(ctx context.Context, sourceType SourceType, sourceID string, reversing bool) (Group, error) {
	var g Group
	err := r.tx.QueryRow(ctx, `SELECT id, source_type, source_id, reversing, memo, entry_date, created_at
FROM ledger_groups WHERE source_type=$1 AND source_id=$2 AND reversing=$3`, sourceType, sourceID, reversing).
		Scan(&g.ID, &g.SourceType, &g.SourceID, &g.Reversing, &g.Memo, &g.EntryDate, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, shared.ErrNotFound
		}
		return Group{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE group_id=$1 ORDER BY entry_type DESC, account`, g.ID)
	if err != nil {
		return Group{}, err
	}
	g.Entries, err = scanEntries(rows)
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

// InsertGroup writes the group row and all entries with one multi-row insert.
func (r *txRepository) InsertGroup(ctx context.Context, g Group) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_groups (id, source_type, source_id, reversing, memo, entry_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, g.ID, g.SourceType, g.SourceID, g.Reversing, g.Memo, g.EntryDate, g.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_ledger_groups_source") {
			return fmt.Errorf("ledger: %s %s: %w", g.SourceType, g.SourceID, shared.ErrDuplicatePosting)
		}
		return err
	}

	const width = 18
	values := make([]string, 0, len(g.Entries))
	args := make([]any, 0, len(g.Entries)*width)
	for i, e := range g.Entries {
		placeholders := make([]string, width)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*width+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ",")+")")
		args = append(args, entryArgs(e)...)
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`) VALUES `+strings.Join(values, ","), args...)
	return err
}

// EntriesFor returns the entries of a source, originals before reversals.
func (r *PgRepository) EntriesFor(ctx context.Context, sourceType SourceType, sourceID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE source_type=$1 AND source_id=$2 ORDER BY reversing, entry_type DESC, account`, sourceType, sourceID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListEntries returns one page of entries and the total match count.
func (r *PgRepository) ListEntries(ctx context.Context, f EntryFilter) ([]Entry, int, error) {
	where, args := entryConditions(f)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := f.Page.Normalize()
	args = append(args, page.PageSize, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM ledger_entries%s ORDER BY entry_date DESC, created_at DESC, id LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// SumAccount aggregates debit and credit totals of account through asOf.
func (r *PgRepository) SumAccount(ctx context.Context, account accounts.Account, asOf time.Time, f BalanceFilter) (Totals, error) {
	var t Totals
	err := r.pool.QueryRow(ctx, `SELECT
COALESCE(SUM(amount) FILTER (WHERE entry_type='DEBIT'), 0),
COALESCE(SUM(amount) FILTER (WHERE entry_type='CREDIT'), 0)
FROM ledger_entries
WHERE account=$1 AND entry_date <= $2 AND ($3::bigint IS NULL OR university_id=$3)`, string(account), asOf, f.UniversityID).
		Scan(&t.Debit, &t.Credit)
	return t, err
}

// UnbalancedGroups lists groups whose stored debits differ from credits.
func (r *PgRepository) UnbalancedGroups(ctx context.Context) ([]Imbalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT g.id, g.source_type, g.source_id,
COALESCE(SUM(e.amount) FILTER (WHERE e.entry_type='DEBIT'), 0) AS debit,
COALESCE(SUM(e.amount) FILTER (WHERE e.entry_type='CREDIT'), 0) AS credit,
COUNT(e.id)
FROM ledger_groups g
LEFT JOIN ledger_entries e ON e.group_id = g.id
GROUP BY g.id, g.source_type, g.source_id
HAVING COUNT(e.id) < 2
    OR COALESCE(SUM(e.amount) FILTER (WHERE e.entry_type='DEBIT'), 0) <> COALESCE(SUM(e.amount) FILTER (WHERE e.entry_type='CREDIT'), 0)
ORDER BY g.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Imbalance
	for rows.Next() {
		var im Imbalance
		if err := rows.Scan(&im.GroupID, &im.SourceType, &im.SourceID, &im.Debit, &im.Credit, &im.Entries); err != nil {
			return nil, err
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

func entryConditions(f EntryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UniversityID != nil {
		add("university_id = $%d", *f.UniversityID)
	}
	if f.StartDate != nil {
		add("entry_date >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("entry_date <= $%d", *f.EndDate)
	}
	if f.SourceType != "" {
		add("source_type = $%d", string(f.SourceType))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(memo ILIKE $%d OR external_reference ILIKE $%d OR source_id ILIKE $%d)", n, n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			ext *string
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &e.EntryDate, &e.Account, &e.EntryType, &e.Amount, &e.Memo,
			&e.SourceType, &e.SourceID, &e.UniversityID, &e.OEMID, &e.BillingID, &e.PaymentID, &e.ExpenseID,
			&e.InvoiceID, &ext, &e.Reversing, &e.CreatedAt); err != nil {
			return nil, err
		}
		if ext != nil {
			e.ExternalReference = *ext
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// entryArgs binds an entry in entryColumns order. external_reference is
// NOT NULL, so an empty reference is stored as "".
func entryArgs(e Entry) []any {
	return []any{
		e.ID, e.GroupID, e.EntryDate, string(e.Account), string(e.EntryType), e.Amount, e.Memo,
		string(e.SourceType), e.SourceID, e.UniversityID, e.OEMID, e.BillingID, e.PaymentID,
		e.ExpenseID, e.InvoiceID, e.ExternalReference, e.Reversing, e.CreatedAt,
	}
}
