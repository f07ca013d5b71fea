package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("booking_expiry").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("booking_expiry").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("booking_expiry", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("booking_expiry", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("booking_expiry")))
	require.Greater(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("booking_expiry")), 0.0)
	require.Zero(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("invoice_overdue")))
}

func TestAddProcessedIgnoresEmpty(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddProcessed("booking_expiry", "cancelled", 3)
	m.AddProcessed("booking_expiry", "cancelled", 0)
	require.Equal(t, 3.0, testutil.ToFloat64(m.processed.WithLabelValues("booking_expiry", "cancelled")))

	var nilMetrics *Metrics
	nilMetrics.AddProcessed("booking_expiry", "cancelled", 1)
}
