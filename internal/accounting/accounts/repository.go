package accounts

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository keeps the accounts table aligned with the fixed chart so ledger
// rows can reference it by foreign key.
type Repository interface {
	Sync(ctx context.Context, chart []Account) error
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) Sync(ctx context.Context, chart []Account) error {
	for _, a := range chart {
		if _, err := r.db.Exec(ctx, `INSERT INTO ledger_accounts (code, label, class, increases_on)
VALUES ($1,$2,$3,$4)
ON CONFLICT (code) DO UPDATE SET label=EXCLUDED.label, class=EXCLUDED.class, increases_on=EXCLUDED.increases_on`,
			string(a), a.Label(), string(a.Class()), string(SignConvention(a).IncreasesOn)); err != nil {
			return err
		}
	}
	return nil
}
