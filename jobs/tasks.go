package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-rental/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBookingExpiry cancels PENDING bookings whose temporary hold lapsed.
	TaskBookingExpiry = "rental:booking_expiry"
	// TaskInvoiceOverdue flags unpaid SENT invoices past their due date.
	TaskInvoiceOverdue = "billing:invoice_overdue"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BatchPayload bounds how many records one run touches. Zero means the job default.
type BatchPayload struct {
	Limit int `json:"limit,omitempty"`
}

// NewBookingExpiryTask creates the sweep task. The batch size comes from the sweeper config.
// Unique keeps cron ticks and manual triggers from queueing overlapping sweeps.
func NewBookingExpiryTask() (*asynq.Task, error) {
	return newBatchTask(TaskBookingExpiry, 0, asynq.Unique(time.Minute))
}

// NewInvoiceOverdueTask creates the overdue sweep task.
func NewInvoiceOverdueTask(limit int) (*asynq.Task, error) {
	return newBatchTask(TaskInvoiceOverdue, limit, asynq.Unique(time.Minute))
}

func newBatchTask(kind string, limit int, opts ...asynq.Option) (*asynq.Task, error) {
	if limit < 0 {
		limit = 0
	}
	body, err := json.Marshal(BatchPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)
	return asynq.NewTask(kind, body, opts...), nil
}

func decodeBatch(task *asynq.Task) (BatchPayload, error) {
	var payload BatchPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
