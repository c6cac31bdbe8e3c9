package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/campusledger/campusledger/internal/jobs"
	"github.com/campusledger/campusledger/internal/ledger"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IntegrityVerifier reports stored groups whose debits and credits differ.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context) ([]ledger.Imbalance, error)
}

// IntegrityScanJob re-validates the double-entry invariant over stored data.
// Violations are logged and counted; they do not fail the run.
type IntegrityScanJob struct {
	Ledger  IntegrityVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIntegrityScanJob wires dependencies for the scan handler.
func NewIntegrityScanJob(verifier IntegrityVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityScanJob {
	return &IntegrityScanJob{Ledger: verifier, Logger: logger, Metrics: metrics}
}

// Handle processes integrity scan tasks.
func (j *IntegrityScanJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("integrity scan: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskLedgerIntegrityScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskLedgerIntegrityScan)
	found, err := j.Ledger.VerifyIntegrity(ctx)
	if err != nil {
		logger.Error("scan ledger groups", slog.Any("error", err))
		return err
	}
	if len(found) > 0 {
		metricsOrDefault(j.Metrics).AddItems(TaskLedgerIntegrityScan, len(found))
		logger.Error("ledger integrity violations found", slog.Int("groups", len(found)))
		return nil
	}
	logger.Info("ledger integrity verified")
	return nil
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
