package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusledger/campusledger/internal/platform/db"
	"github.com/campusledger/campusledger/internal/shared"
)

const invoiceColumns = `id, billing_id, number, amount, amount_paid, issue_date, due_date, status, notes, created_at, updated_at`

// PgRepository persists invoices in PostgreSQL.
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

// NewTxRepository binds invoice writes to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("invoice repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

func (r *PgRepository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id)
	return scanInvoice(row)
}

func (r *PgRepository) ListInvoices(ctx context.Context, f ListFilter) ([]Invoice, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.BillingID != nil {
		args = append(args, *f.BillingID)
		conds = append(conds, fmt.Sprintf("billing_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := f.Page.Normalize()
	args = append(args, page.PageSize, page.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM invoices%s ORDER BY issue_date DESC, number LIMIT $%d OFFSET $%d`,
		invoiceColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	invoices, err := scanInvoices(rows)
	if err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1 FOR UPDATE`, id)
	return scanInvoice(row)
}

func (r *txRepository) ListInvoicesByBilling(ctx context.Context, billingID uuid.UUID) ([]Invoice, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE billing_id=$1 ORDER BY number FOR UPDATE`, billingID)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (r *txRepository) InsertInvoices(ctx context.Context, invoices ...Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	for _, inv := range invoices {
		_, err := r.tx.Exec(ctx, `INSERT INTO invoices (`+invoiceColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			inv.ID, inv.BillingID, inv.Number, inv.Amount, inv.AmountPaid, inv.IssueDate, inv.DueDate,
			string(inv.Status), inv.Notes, inv.CreatedAt, inv.UpdatedAt)
		if err != nil {
			if db.IsUniqueViolation(err, "uq_invoices_number") {
				return fmt.Errorf("invoicing: invoice number %s taken: %w", inv.Number, shared.ErrStaleVersion)
			}
			return err
		}
	}
	return nil
}

func (r *txRepository) UpdateInvoice(ctx context.Context, inv Invoice) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET amount=$2, amount_paid=$3, status=$4, notes=$5, updated_at=$6 WHERE id=$1`,
		inv.ID, inv.Amount, inv.AmountPaid, string(inv.Status), inv.Notes, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) DeleteInvoicesByBilling(ctx context.Context, billingID uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM invoices WHERE billing_id=$1`, billingID)
	return err
}

func (r *txRepository) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE status = 'unpaid' AND due_date < $1 ORDER BY due_date FOR UPDATE`, asOf)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.BillingID, &inv.Number, &inv.Amount, &inv.AmountPaid, &inv.IssueDate, &inv.DueDate,
		&inv.Status, &inv.Notes, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, shared.ErrNotFound
		}
		return Invoice{}, err
	}
	return inv, nil
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
