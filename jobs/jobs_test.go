package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-rental/internal/jobs"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
)

type sweepStub struct {
	res   rental.SweepResult
	err   error
	calls int
}

func (s *sweepStub) RunOnce(context.Context) (rental.SweepResult, error) {
	s.calls++
	return s.res, s.err
}

type overdueStub struct {
	limit   int
	flagged int
	err     error
}

func (s *overdueStub) MarkOverdue(_ context.Context, limit int) (int, error) {
	s.limit = limit
	return s.flagged, s.err
}

type inspectorStub struct {
	info *asynq.QueueInfo
	err  error
}

func (s inspectorStub) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBookingExpiryJobRunsSweep(t *testing.T) {
	stub := &sweepStub{res: rental.SweepResult{Scanned: 3, Cancelled: 2, Failed: map[int64]error{9: errors.New("lock timeout")}}}
	job := NewBookingExpiryJob(stub, discard(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewBookingExpiryTask()
	require.NoError(t, err)
	require.Equal(t, TaskBookingExpiry, task.Type())
	require.NoError(t, job.Handle(context.Background(), task), "per-booking failures do not fail the run")
	require.Equal(t, 1, stub.calls)
}

func TestBookingExpiryJobPropagatesSweepError(t *testing.T) {
	boom := errors.New("database unavailable")
	job := NewBookingExpiryJob(&sweepStub{err: boom}, discard(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewBookingExpiryTask()
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestJobsRejectMalformedPayload(t *testing.T) {
	task := asynq.NewTask(TaskBookingExpiry, []byte("{"))
	err := NewBookingExpiryJob(&sweepStub{}, discard(), nil).Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = NewInvoiceOverdueJob(&overdueStub{}, discard(), nil).Handle(context.Background(), asynq.NewTask(TaskInvoiceOverdue, []byte("[")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	var job *BookingExpiryJob
	require.Error(t, job.Handle(context.Background(), task))
}

func TestInvoiceOverdueJobLimit(t *testing.T) {
	stub := &overdueStub{flagged: 4}
	job := NewInvoiceOverdueJob(stub, discard(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewInvoiceOverdueTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, DefaultOverdueBatch, stub.limit)

	task, err = NewInvoiceOverdueTask(25)
	require.NoError(t, err)
	var payload BatchPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, 25, payload.Limit)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 25, stub.limit)

	stub.err = errors.New("row lock timeout")
	require.ErrorIs(t, job.Handle(context.Background(), task), stub.err)
}

func TestJobsHealthEndpoint(t *testing.T) {
	router := chi.NewRouter()
	NewHandler(inspectorStub{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, discard()).MountRoutes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body QueueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, QueueHealth{Queue: QueueDefault, Pending: 3, Retry: 1}, body)

	failing := chi.NewRouter()
	NewHandler(inspectorStub{err: errors.New("redis down")}, discard()).MountRoutes(failing)
	rr = httptest.NewRecorder()
	failing.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServeMuxSkipsIncompleteHandlers(t *testing.T) {
	called := false
	mux := NewServeMux([]TaskHandler{
		{Type: TaskInvoiceOverdue, Handler: func(context.Context, *asynq.Task) error { called = true; return nil }},
		{Type: "", Handler: func(context.Context, *asynq.Task) error { return nil }},
		{Type: TaskBookingExpiry},
	})
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TaskInvoiceOverdue, nil)))
	require.True(t, called)
	require.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask(TaskBookingExpiry, nil)), "unregistered types are not found")
}
