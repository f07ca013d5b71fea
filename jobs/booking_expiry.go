package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-rental/internal/jobs"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
)

// SweepRunner performs one expiry pass.
type SweepRunner interface {
	RunOnce(ctx context.Context) (rental.SweepResult, error)
}

// BookingExpiryJob drives the booking sweeper from the queue.
type BookingExpiryJob struct {
	Sweeper SweepRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBookingExpiryJob constructs the job handler.
func NewBookingExpiryJob(sweeper SweepRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *BookingExpiryJob {
	return &BookingExpiryJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep. Per-booking failures are counted, not retried: the next tick
// picks the booking up again.
func (j *BookingExpiryJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("booking expiry: sweeper not configured")
	}
	if _, err := decodeBatch(task); err != nil {
		return fmt.Errorf("booking expiry: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskBookingExpiry)
	start := j.now()
	res, err := j.Sweeper.RunOnce(ctx)
	if err != nil {
		j.log().Error("sweep bookings", slog.Any("error", err))
		return tracker.End(err)
	}

	j.metrics().AddProcessed(TaskBookingExpiry, "cancelled", res.Cancelled)
	j.metrics().AddProcessed(TaskBookingExpiry, "skipped", res.Skipped)
	j.metrics().AddProcessed(TaskBookingExpiry, "failed", len(res.Failed))
	if res.LeaseHeld {
		j.log().Info("sweep skipped, lease held elsewhere")
		return tracker.End(nil)
	}
	j.log().Info("swept lapsed holds",
		slog.Int("scanned", res.Scanned),
		slog.Int("cancelled", res.Cancelled),
		slog.Int("failed", len(res.Failed)),
		slog.Duration("duration", j.now().Sub(start)))
	return tracker.End(nil)
}

func (j *BookingExpiryJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BookingExpiryJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBookingExpiry))
	}
	return slog.Default().With(slog.String("job", TaskBookingExpiry))
}

func (j *BookingExpiryJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *BookingExpiryJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
