package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskLedgerIntegrityScan re-checks every stored group for balance.
	TaskLedgerIntegrityScan = "ledger:integrity_scan"
	// TaskInvoicesOverdueSweep moves unpaid invoices past due to overdue.
	TaskInvoicesOverdueSweep = "invoices:overdue_sweep"
	// TaskReportsSummaryWarmup precomputes cached report views.
	TaskReportsSummaryWarmup = "reports:summary_warmup"
	// TaskIdempotencyCleanup expires processed idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// TaskNames lists the task types an operator may trigger manually.
var TaskNames = []string{
	TaskLedgerIntegrityScan,
	TaskInvoicesOverdueSweep,
	TaskReportsSummaryWarmup,
	TaskIdempotencyCleanup,
}

// OverdueSweepPayload pins the sweep to a date. Empty means today (UTC).
type OverdueSweepPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// CleanupPayload configures key retention.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// DefaultKeyRetention is how long processed idempotency keys are kept.
const DefaultKeyRetention = 72 * time.Hour

// NewIntegrityScanTask constructs the integrity scan task.
func NewIntegrityScanTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrityScan, nil)
}

// NewOverdueSweepTask constructs an overdue sweep task. A zero asOf sweeps as
// of the day the task runs.
func NewOverdueSweepTask(asOf time.Time) (*asynq.Task, error) {
	payload := OverdueSweepPayload{}
	if !asOf.IsZero() {
		payload.AsOf = asOf.Format(time.DateOnly)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoicesOverdueSweep, data), nil
}

// NewSummaryWarmupTask constructs the report warmup task.
func NewSummaryWarmupTask() *asynq.Task {
	return asynq.NewTask(TaskReportsSummaryWarmup, nil)
}

// NewCleanupTask constructs an idempotency cleanup task.
func NewCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		retention = DefaultKeyRetention
	}
	data, err := json.Marshal(CleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// NewTask builds a task by name with default payload.
func NewTask(name string) (*asynq.Task, error) {
	switch name {
	case TaskLedgerIntegrityScan:
		return NewIntegrityScanTask(), nil
	case TaskInvoicesOverdueSweep:
		return NewOverdueSweepTask(time.Time{})
	case TaskReportsSummaryWarmup:
		return NewSummaryWarmupTask(), nil
	case TaskIdempotencyCleanup:
		return NewCleanupTask(DefaultKeyRetention)
	default:
		return nil, fmt.Errorf("jobs: unsupported task %s", name)
	}
}
