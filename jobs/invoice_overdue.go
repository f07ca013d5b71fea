package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-rental/internal/jobs"
)

// DefaultOverdueBatch caps invoices flagged per run.
const DefaultOverdueBatch = 500

// OverdueMarker flags overdue invoices.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, limit int) (int, error)
}

// InvoiceOverdueJob marks SENT invoices OVERDUE once their due day has passed.
type InvoiceOverdueJob struct {
	Invoices OverdueMarker
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewInvoiceOverdueJob constructs the job handler.
func NewInvoiceOverdueJob(invoices OverdueMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceOverdueJob {
	return &InvoiceOverdueJob{Invoices: invoices, Logger: logger, Metrics: metrics}
}

// Handle executes the overdue sweep. A partial failure is returned so asynq retries the run;
// invoices already flagged are not candidates the second time.
func (j *InvoiceOverdueJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Invoices == nil {
		return errors.New("invoice overdue: service not configured")
	}
	payload, err := decodeBatch(task)
	if err != nil {
		return fmt.Errorf("invoice overdue: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = DefaultOverdueBatch
	}

	tracker := j.metrics().Track(TaskInvoiceOverdue)
	flagged, err := j.Invoices.MarkOverdue(ctx, limit)
	j.metrics().AddProcessed(TaskInvoiceOverdue, "overdue", flagged)
	if err != nil {
		j.log().Error("mark invoices overdue", slog.Int("flagged", flagged), slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("marked invoices overdue", slog.Int("flagged", flagged))
	return tracker.End(nil)
}

func (j *InvoiceOverdueJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InvoiceOverdueJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInvoiceOverdue))
	}
	return slog.Default().With(slog.String("job", TaskInvoiceOverdue))
}
