package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusledger/campusledger/internal/app"
	"github.com/campusledger/campusledger/internal/platform/db"
	"github.com/campusledger/campusledger/internal/reports"
)

// ErrIntegrityViolation is returned by verify when imbalanced groups exist.
var ErrIntegrityViolation = errors.New("ledgerctl: ledger integrity violation")

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if e.cfg.StoreDriver != app.DriverPostgres {
				return fmt.Errorf("ledgerctl: migrate requires STORE_DRIVER=%s", app.DriverPostgres)
			}
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			applied, err := db.Migrate(cmd.Context(), rt.Pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				cmd.Println("schema up to date")
				return nil
			}
			for _, name := range applied {
				cmd.Printf("applied %s\n", name)
			}
			return nil
		},
	}
}

func newSeedCommand(e *env) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load contract batches from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			batches, err := app.LoadBatches(file)
			if err != nil {
				return err
			}
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Batches == nil {
				return errors.New("ledgerctl: store does not accept batches")
			}
			n, err := rt.Batches.UpsertBatches(cmd.Context(), batches)
			if err != nil {
				return err
			}
			cmd.Printf("seeded %d batches\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "deploy/seed/batches.json", "path to the batches JSON file")
	return cmd
}

func newVerifyCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every stored ledger group for balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			violations, err := rt.Services.Ledger.VerifyIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if len(violations) == 0 {
				cmd.Println("ledger balanced")
				return nil
			}
			for _, v := range violations {
				cmd.Printf("group %s %s/%s debit=%s credit=%s\n",
					v.GroupID, v.SourceType, v.SourceID, v.Debit.StringFixed(2), v.Credit.StringFixed(2))
			}
			return fmt.Errorf("%w: %d groups", ErrIntegrityViolation, len(violations))
		},
	}
}

func newSummaryCommand(e *env) *cobra.Command {
	var (
		university int64
		from, to   string
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the income and expense summary as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter reports.Filter
			if university > 0 {
				filter.UniversityID = &university
			}
			if from != "" {
				d, err := time.Parse(time.DateOnly, from)
				if err != nil {
					return fmt.Errorf("ledgerctl: --from: %w", err)
				}
				filter.StartDate = &d
			}
			if to != "" {
				d, err := time.Parse(time.DateOnly, to)
				if err != nil {
					return fmt.Errorf("ledgerctl: --to: %w", err)
				}
				filter.EndDate = &d
			}
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			summary, err := rt.Services.Reports.LedgerSummary(cmd.Context(), filter)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().Int64Var(&university, "university", 0, "restrict to one university")
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD)")
	return cmd
}
