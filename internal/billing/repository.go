package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusledger/campusledger/internal/invoicing"
	"github.com/campusledger/campusledger/internal/ledger"
	"github.com/campusledger/campusledger/internal/platform/db"
	"github.com/campusledger/campusledger/internal/shared"
)

const billingSelect = `SELECT b.id, b.university_id, b.year, b.name, b.notes, b.status, b.snapshots, b.total_amount,
b.total_amount - COALESCE((SELECT SUM(i.amount_paid) FROM invoices i WHERE i.billing_id = b.id), 0) AS balance_due,
b.version, b.published_at, b.created_at, b.updated_at
FROM billings b`

// PgRepository persists billings in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type (
	ledgerTx  = ledger.TxRepository
	invoiceTx = invoicing.TxRepository
)

type txRepository struct {
	ledgerTx
	invoiceTx
	tx pgx.Tx
}

// NewTxRepository binds billing, invoice and ledger writes to one transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{
		ledgerTx:  ledger.NewTxRepository(tx),
		invoiceTx: invoicing.NewTxRepository(tx),
		tx:        tx,
	}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("billing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

func (r *PgRepository) GetBilling(ctx context.Context, id uuid.UUID) (Billing, error) {
	return scanBilling(r.pool.QueryRow(ctx, billingSelect+` WHERE b.id=$1`, id))
}

func (r *PgRepository) ListBillings(ctx context.Context, f ListFilter) ([]Billing, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("b.status = $%d", len(args)))
	}
	if f.UniversityID != nil {
		args = append(args, *f.UniversityID)
		conds = append(conds, fmt.Sprintf("b.university_id = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf("(b.name ILIKE $%d OR b.notes ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM billings b`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := f.Page.Normalize()
	args = append(args, page.PageSize, page.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`%s%s ORDER BY b.created_at DESC, b.id LIMIT $%d OFFSET $%d`,
		billingSelect, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Billing
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (r *txRepository) GetBillingForUpdate(ctx context.Context, id uuid.UUID) (Billing, error) {
	return scanBilling(r.tx.QueryRow(ctx, billingSelect+` WHERE b.id=$1 FOR UPDATE OF b`, id))
}

func (r *txRepository) InsertBilling(ctx context.Context, b Billing) error {
	snapshots, err := json.Marshal(b.Snapshots)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO billings (id, university_id, year, name, notes, status, snapshots, total_amount, version, published_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.UniversityID, b.Year, b.Name, b.Notes, string(b.Status), snapshots, b.TotalAmount, b.Version, b.PublishedAt, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *txRepository) UpdateBilling(ctx context.Context, b Billing, expectedVersion int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE billings SET status=$3, total_amount=$4, version=$5, published_at=$6, updated_at=$7
WHERE id=$1 AND version=$2`, b.ID, expectedVersion, string(b.Status), b.TotalAmount, b.Version, b.PublishedAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("billing: %s: %w", b.ID, shared.ErrStaleVersion)
	}
	return nil
}

func (r *txRepository) DeleteBilling(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM billings WHERE id=$1 AND version=$2 AND status='draft'`, id, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("billing: %s: %w", id, shared.ErrStaleVersion)
	}
	return nil
}

func scanBilling(row pgx.Row) (Billing, error) {
	var (
		b         Billing
		snapshots []byte
	)
	err := row.Scan(&b.ID, &b.UniversityID, &b.Year, &b.Name, &b.Notes, &b.Status, &snapshots, &b.TotalAmount,
		&b.BalanceDue, &b.Version, &b.PublishedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Billing{}, shared.ErrNotFound
		}
		return Billing{}, err
	}
	b.Snapshots = []BatchSnapshot{}
	if len(snapshots) > 0 {
		if err := json.Unmarshal(snapshots, &b.Snapshots); err != nil {
			return Billing{}, fmt.Errorf("billing: decode snapshots: %w", err)
		}
	}
	return b, nil
}

// BatchRepository reads live contract batches.
type BatchRepository struct {
	pool *pgxpool.Pool
}

// NewBatchRepository constructs BatchRepository.
func NewBatchRepository(pool *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{pool: pool}
}

// ListBillableBatches returns batches of the university overlapping [from, to].
func (r *BatchRepository) ListBillableBatches(ctx context.Context, universityID int64, from, to time.Time) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, university_id, name, cost_per_student, cost_per_student_override,
number_of_students, number_of_students_override, tax_rate, start_date, end_date
FROM batches
WHERE university_id=$1 AND start_date <= $3 AND end_date >= $2
ORDER BY start_date, id`, universityID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		var (
			b        Batch
			students *int32
		)
		if err := rows.Scan(&b.ID, &b.UniversityID, &b.Name, &b.CostPerStudent, &b.CostPerStudentOverride,
			&b.NumberOfStudents, &students, &b.TaxRate, &b.StartDate, &b.EndDate); err != nil {
			return nil, err
		}
		if students != nil {
			n := int(*students)
			b.NumberOfStudentsOverride = &n
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertBatches inserts or replaces contract batches by id in one transaction.
func (r *BatchRepository) UpsertBatches(ctx context.Context, batches []Batch) (int, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, b := range batches {
			var students *int32
			if b.NumberOfStudentsOverride != nil {
				n := int32(*b.NumberOfStudentsOverride)
				students = &n
			}
			if _, err := tx.Exec(ctx, `INSERT INTO batches (id, university_id, name, cost_per_student, cost_per_student_override,
number_of_students, number_of_students_override, tax_rate, start_date, end_date)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET university_id=EXCLUDED.university_id, name=EXCLUDED.name,
cost_per_student=EXCLUDED.cost_per_student, cost_per_student_override=EXCLUDED.cost_per_student_override,
number_of_students=EXCLUDED.number_of_students, number_of_students_override=EXCLUDED.number_of_students_override,
tax_rate=EXCLUDED.tax_rate, start_date=EXCLUDED.start_date, end_date=EXCLUDED.end_date`,
				b.ID, b.UniversityID, b.Name, b.CostPerStudent, b.CostPerStudentOverride,
				b.NumberOfStudents, students, b.TaxRate, b.StartDate, b.EndDate); err != nil {
				return fmt.Errorf("billing: upsert batch %d: %w", b.ID, err)
			}
		}
		if len(batches) > 0 {
			_, err := tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('batches','id'), GREATEST((SELECT MAX(id) FROM batches), 1))`)
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(batches), nil
}
