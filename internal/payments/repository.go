package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusledger/campusledger/internal/billing"
	"github.com/campusledger/campusledger/internal/platform/db"
	"github.com/campusledger/campusledger/internal/shared"
)

const paymentColumns = `id, invoice_id, amount, payment_date, method, status, transaction_reference, created_at, updated_at`

// PgRepository persists payments in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type billingTx = billing.TxRepository

type txRepository struct {
	billingTx
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction shared by the
// payment, invoice, billing and ledger writes.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("payment repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{billingTx: billing.NewTxRepository(tx), tx: tx})
	})
}

func (r *PgRepository) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
}

func (r *PgRepository) ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id=$1 ORDER BY payment_date, created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepository) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error) {
	return scanPayment(r.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.InvoiceID, p.Amount, p.PaymentDate, p.Method, string(p.Status), p.TransactionReference, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *txRepository) UpdatePayment(ctx context.Context, p Payment) error {
	tag, err := r.tx.Exec(ctx, `UPDATE payments SET status=$2, updated_at=$3 WHERE id=$1`, p.ID, string(p.Status), p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.PaymentDate, &p.Method, &p.Status, &p.TransactionReference, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, shared.ErrNotFound
		}
		return Payment{}, err
	}
	return p, nil
}
