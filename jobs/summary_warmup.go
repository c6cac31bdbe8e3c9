package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/campusledger/campusledger/internal/jobs"
)

// ReportWarmer precomputes cached report views.
type ReportWarmer interface {
	Warm(ctx context.Context) error
}

// SummaryWarmupJob pre-populates the report cache ahead of business hours.
type SummaryWarmupJob struct {
	Reports ReportWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
}

// NewSummaryWarmupJob wires dependencies for the warmup handler.
func NewSummaryWarmupJob(reports ReportWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SummaryWarmupJob {
	return &SummaryWarmupJob{Reports: reports, Logger: logger, Metrics: metrics, Timeout: 2 * time.Minute}
}

// Handle processes warmup tasks.
func (j *SummaryWarmupJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Reports == nil {
		return errors.New("summary warmup: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskReportsSummaryWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	logger := jobLogger(j.Logger, TaskReportsSummaryWarmup)
	start := time.Now()
	if err := j.Reports.Warm(ctx); err != nil {
		logger.Error("warm report cache", slog.Any("error", err))
		return err
	}
	logger.Info("completed summary warmup", slog.Duration("duration", time.Since(start)))
	return nil
}
