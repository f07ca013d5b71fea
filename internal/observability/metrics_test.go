package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/rental"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track("rental:booking_expiry").End(nil)
	metrics.Jobs().AddProcessed("rental:booking_expiry", "cancelled", 2)

	body := scrape(t, metrics)
	require.Contains(t, body, `odyssey_jobs_total{job="rental:booking_expiry",status="success"} 1`)
	require.Contains(t, body, `odyssey_job_records_total{job="rental:booking_expiry",outcome="cancelled"} 2`)
	require.Contains(t, body, "go_goroutines")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/ops/sweep")
	req := httptest.NewRequest(http.MethodPost, "/ops/sweep", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `rental_ops_requests_total{code="202",route="/ops/sweep"} 1`)
	require.Contains(t, body, `rental_ops_request_duration_seconds_bucket{route="/ops/sweep"`)
}

func TestMiddlewareLabelsUnmatchedPaths(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.NotFoundHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))

	require.Contains(t, scrape(t, metrics), `rental_ops_requests_total{code="404",route="unmatched"} 1`)
}

func TestObserveSweepCountsOutcomes(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveSweep(rental.SweepResult{Scanned: 4, Cancelled: 2, Skipped: 1, Failed: map[int64]error{9: errors.New("boom")}}, nil)
	metrics.ObserveSweep(rental.SweepResult{Scanned: 1, Cancelled: 1}, nil)
	metrics.ObserveSweep(rental.SweepResult{LeaseHeld: true}, nil)
	metrics.ObserveSweep(rental.SweepResult{}, errors.New("db down"))

	body := scrape(t, metrics)
	require.Contains(t, body, `rental_sweep_bookings_total{outcome="cancelled"} 3`)
	require.Contains(t, body, `rental_sweep_bookings_total{outcome="skipped"} 1`)
	require.Contains(t, body, `rental_sweep_bookings_total{outcome="failed"} 1`)
	require.Contains(t, body, `rental_sweep_runs_total{result="partial"} 1`)
	require.Contains(t, body, `rental_sweep_runs_total{result="ok"} 1`)
	require.Contains(t, body, `rental_sweep_runs_total{result="lease_held"} 1`)
	require.Contains(t, body, `rental_sweep_runs_total{result="error"} 1`)
	require.Contains(t, body, "rental_sweep_last_run_timestamp_seconds")
}

func TestNilMetricsAreInert(t *testing.T) {
	var metrics *Metrics
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	require.NotNil(t, metrics.Middleware(next))
	require.Nil(t, metrics.Jobs())
	metrics.ObserveSweep(rental.SweepResult{Cancelled: 1}, nil)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
