package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/campusledger/campusledger/internal/jobs"
)

// OverdueMarker flips unpaid invoices past their due date to overdue.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, asOf time.Time) (int, error)
}

// OverdueSweepJob runs the daily overdue sweep.
type OverdueSweepJob struct {
	Invoices OverdueMarker
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewOverdueSweepJob wires dependencies for the sweep handler.
func NewOverdueSweepJob(invoices OverdueMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{
		Invoices: invoices,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes overdue sweep tasks.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Invoices == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	asOf := j.now()
	if raw := strings.TrimSpace(payload.AsOf); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return asynq.SkipRetry
		}
		asOf = parsed
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskInvoicesOverdueSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskInvoicesOverdueSweep).With(slog.String("as_of", asOf.Format(time.DateOnly)))
	marked, err := j.Invoices.MarkOverdue(ctx, asOf)
	if err != nil {
		logger.Error("mark overdue invoices", slog.Any("error", err))
		return err
	}
	metricsOrDefault(j.Metrics).AddItems(TaskInvoicesOverdueSweep, marked)
	logger.Info("overdue sweep completed", slog.Int("invoices", marked))
	return nil
}

// WithClock overrides the clock for testing.
func (j *OverdueSweepJob) WithClock(clock func() time.Time) *OverdueSweepJob {
	j.clock = clock
	return j
}

func (j *OverdueSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
