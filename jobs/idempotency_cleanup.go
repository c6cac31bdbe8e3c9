package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/campusledger/campusledger/internal/jobs"
)

// KeyCleaner expires processed idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// CleanupJob removes idempotency keys past retention.
type CleanupJob struct {
	Keys    KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCleanupJob wires dependencies for the cleanup handler.
func NewCleanupJob(keys KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupJob {
	return &CleanupJob{Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle processes cleanup tasks.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	retention := DefaultKeyRetention
	if len(t.Payload()) > 0 {
		var payload CleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.RetentionHours > 0 {
			retention = time.Duration(payload.RetentionHours) * time.Hour
		}
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskIdempotencyCleanup)
	if err := j.Keys.Cleanup(ctx, retention); err != nil {
		logger.Error("expire idempotency keys", slog.Any("error", err))
		return err
	}
	logger.Info("idempotency keys expired", slog.Duration("retention", retention))
	return nil
}
