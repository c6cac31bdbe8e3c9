package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/campusledger/campusledger/internal/app"
	"github.com/campusledger/campusledger/internal/billing"
)

// BatchWriter stores contract batches for the seed command.
type BatchWriter interface {
	UpsertBatches(ctx context.Context, batches []billing.Batch) (int, error)
}

// Runtime is the storage a command operates on.
type Runtime struct {
	Services *app.Services
	Pool     *pgxpool.Pool
	Batches  BatchWriter
	close    func()
}

// Close releases the runtime's connections.
func (r *Runtime) Close() {
	if r != nil && r.close != nil {
		r.close()
	}
}

// NewRuntime wraps prepared services, mainly for tests.
func NewRuntime(services *app.Services, batches BatchWriter) *Runtime {
	return &Runtime{Services: services, Batches: batches}
}

// Options customises how commands load configuration and storage.
type Options struct {
	Stdout     io.Writer
	LoadConfig func() (*app.Config, error)
	Open       func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Runtime, error)
}

// OpenRuntime connects to the configured storage and wires services.
func OpenRuntime(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Runtime, error) {
	deps, closeDeps, err := app.Connect(ctx, cfg, logger, nil)
	if err != nil {
		closeDeps()
		return nil, err
	}
	services, err := app.BuildServices(cfg, deps)
	if err != nil {
		closeDeps()
		return nil, err
	}
	rt := &Runtime{Services: services, Pool: deps.Pool, close: closeDeps}
	if deps.Pool != nil {
		rt.Batches = billing.NewBatchRepository(deps.Pool)
	} else {
		rt.Batches = services.Memory
	}
	return rt, nil
}

type env struct {
	opts   Options
	cfg    *app.Config
	logger *slog.Logger
}

func (e *env) runtime(ctx context.Context) (*Runtime, error) {
	if e.cfg == nil {
		return nil, errors.New("ledgerctl: configuration not loaded")
	}
	return e.opts.Open(ctx, e.cfg, e.logger)
}

// NewRootCommand builds the ledgerctl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.LoadConfig == nil {
		opts.LoadConfig = app.LoadConfig
	}
	if opts.Open == nil {
		opts.Open = OpenRuntime
	}
	e := &env{opts: opts}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the campus ledger: migrations, seed data, jobs and reports",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = app.NewLogger(cfg)
			return nil
		},
	}
	root.SetOut(opts.Stdout)

	root.AddCommand(
		newMigrateCommand(e),
		newSeedCommand(e),
		newVerifyCommand(e),
		newSummaryCommand(e),
		newJobsCommand(e),
	)
	return root
}
