package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/campusledger/campusledger/internal/app"
	"github.com/campusledger/campusledger/internal/observability"
	"github.com/campusledger/campusledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	deps, closeDeps, err := app.Connect(ctx, cfg, logger, metrics)
	defer closeDeps()
	if err != nil {
		return err
	}
	services, err := app.BuildServices(cfg, deps)
	if err != nil {
		return err
	}

	integrityJob := jobs.NewIntegrityScanJob(services.Ledger, logger, metrics.Jobs())
	overdueJob := jobs.NewOverdueSweepJob(services.Invoices, logger, metrics.Jobs())
	warmupJob := jobs.NewSummaryWarmupJob(services.Reports, logger, metrics.Jobs())
	cleanupJob := jobs.NewCleanupJob(services.Idempotency, logger, metrics.Jobs())

	overdueTask, err := jobs.NewOverdueSweepTask(time.Time{})
	if err != nil {
		return err
	}
	cleanupTask, err := jobs.NewCleanupTask(jobs.DefaultKeyRetention)
	if err != nil {
		return err
	}
	retry := []asynq.Option{asynq.MaxRetry(3)}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerIntegrityScan, Handler: integrityJob.Handle},
			{Type: jobs.TaskInvoicesOverdueSweep, Handler: overdueJob.Handle},
			{Type: jobs.TaskReportsSummaryWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "30 0 * * *", Task: overdueTask, Options: retry},
			{Spec: "15 1 * * *", Task: jobs.NewSummaryWarmupTask(), Options: retry},
			{Spec: "0 2 * * *", Task: jobs.NewIntegrityScanTask(), Options: retry},
			{Spec: "45 3 * * *", Task: cleanupTask, Options: retry},
		},
	})
	if err != nil {
		return err
	}

	if cfg.WorkerMetricsAddr != "" {
		srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	return worker.Run(ctx)
}
