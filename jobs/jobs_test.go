package jobs_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/campusledger/internal/shared"
	"github.com/campusledger/campusledger/jobs"
)

type stubMarker struct {
	asOf   time.Time
	marked int
	err    error
}

func (s *stubMarker) MarkOverdue(_ context.Context, asOf time.Time) (int, error) {
	s.asOf = asOf
	return s.marked, s.err
}

type stubWarmer struct {
	calls int
	err   error
}

func (s *stubWarmer) Warm(ctx context.Context) error {
	s.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("warmup must run with a deadline")
	}
	return s.err
}

func TestNewTaskByName(t *testing.T) {
	for _, name := range jobs.TaskNames {
		task, err := jobs.NewTask(name)
		require.NoError(t, err, name)
		require.Equal(t, name, task.Type())
	}
	_, err := jobs.NewTask("mail:send")
	require.Error(t, err)
}

func TestOverdueSweepUsesPayloadDate(t *testing.T) {
	marker := &stubMarker{marked: 3}
	job := jobs.NewOverdueSweepJob(marker, nil, nil)

	task, err := jobs.NewOverdueSweepTask(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), marker.asOf)

	today := time.Date(2025, 6, 30, 0, 30, 0, 0, time.UTC)
	job.WithClock(func() time.Time { return today })
	task, err = jobs.NewOverdueSweepTask(time.Time{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, today, marker.asOf)

	bad := asynq.NewTask(jobs.TaskInvoicesOverdueSweep, []byte(`{"as_of":"30/06/2025"}`))
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)

	marker.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

func TestSummaryWarmupPropagatesErrors(t *testing.T) {
	warmer := &stubWarmer{}
	job := jobs.NewSummaryWarmupJob(warmer, nil, nil)
	require.NoError(t, job.Handle(context.Background(), jobs.NewSummaryWarmupTask()))
	require.Equal(t, 1, warmer.calls)

	warmer.err = errors.New("cache unavailable")
	require.Error(t, job.Handle(context.Background(), jobs.NewSummaryWarmupTask()))

	var unconfigured *jobs.SummaryWarmupJob
	require.Error(t, unconfigured.Handle(context.Background(), jobs.NewSummaryWarmupTask()))
}

func TestCleanupJobExpiresKeys(t *testing.T) {
	store := shared.NewMemoryIdempotencyStore()
	ctx := context.Background()
	require.NoError(t, store.CheckAndInsert(ctx, "k1", "payments"))

	job := jobs.NewCleanupJob(store, nil, nil)
	task, err := jobs.NewCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "k1", "payments"), shared.ErrIdempotencyConflict, "fresh keys survive")

	require.ErrorIs(t, job.Handle(ctx, asynq.NewTask(jobs.TaskIdempotencyCleanup, []byte("{"))), asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", jobs.NewHandler(nil, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rec.Body.String())
}
