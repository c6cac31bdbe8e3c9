package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusledger/campusledger/internal/accounting/accounts"
	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/platform/db"
	"github.com/campusledger/campusledger/internal/shared"
)

const invoiceSelect = `SELECT i.id, i.billing_id, i.number, i.amount, i.amount_paid, i.issue_date, i.due_date, i.status,
i.notes, i.created_at, i.updated_at FROM invoices i JOIN billings b ON b.id = i.billing_id`

// PgRepository reads report inputs from PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type pgReader struct {
	tx pgx.Tx
}

// Snapshot runs fn inside a read-only repeatable-read transaction.
func (r *PgRepository) Snapshot(ctx context.Context, fn func(context.Context, Reader) error) error {
	if r == nil {
		return errors.New("reports repository not initialised")
	}
	return db.ReadOnly(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgReader{tx: tx})
	})
}

func entryConditions(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.UniversityID != nil {
		add("university_id = $%d", *filter.UniversityID)
	}
	if filter.StartDate != nil {
		add("entry_date >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("entry_date <= $%d", *filter.EndDate)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *pgReader) Activity(ctx context.Context, filter Filter) ([]Activity, error) {
	where, args := entryConditions(filter)
	rows, err := r.tx.Query(ctx, `SELECT account, source_type,
COALESCE(SUM(amount) FILTER (WHERE entry_type = 'DEBIT'), 0),
COALESCE(SUM(amount) FILTER (WHERE entry_type = 'CREDIT'), 0)
FROM ledger_entries`+where+` GROUP BY account, source_type ORDER BY account, source_type`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var (
			a       Activity
			account string
			source  string
		)
		if err := rows.Scan(&account, &source, &a.Debit, &a.Credit); err != nil {
			return nil, err
		}
		a.Account = accounts.Account(account)
		a.SourceType = ledger.SourceType(source)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgReader) CountGroups(ctx context.Context, filter Filter) (int, error) {
	where, args := entryConditions(filter)
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(DISTINCT group_id) FROM ledger_entries`+where, args...).Scan(&n)
	return n, err
}

func (r *pgReader) OpenInvoices(ctx context.Context, filter InvoiceFilter) ([]invoicing.Invoice, error) {
	query := invoiceSelect + ` WHERE i.status <> 'cancelled' AND i.amount_paid < i.amount
AND ($1::bigint IS NULL OR b.university_id = $1) AND ($2::uuid IS NULL OR i.billing_id = $2)
ORDER BY i.due_date, i.number`
	rows, err := r.tx.Query(ctx, query, filter.UniversityID, filter.BillingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []invoicing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *pgReader) Invoice(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error) {
	return scanInvoice(r.tx.QueryRow(ctx, invoiceSelect+` WHERE i.id = $1`, id))
}

func scanInvoice(row pgx.Row) (invoicing.Invoice, error) {
	var inv invoicing.Invoice
	err := row.Scan(&inv.ID, &inv.BillingID, &inv.Number, &inv.Amount, &inv.AmountPaid, &inv.IssueDate, &inv.DueDate,
		&inv.Status, &inv.Notes, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return invoicing.Invoice{}, shared.ErrNotFound
		}
		return invoicing.Invoice{}, err
	}
	return inv, nil
}
