package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/odyssey-rental/internal/jobs"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
)

// Metrics is the registry served on the worker's ops listener: ops routes, expiry sweeps,
// background jobs and the Go runtime.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler
	jobs     *jobmetrics.Metrics

	opsRequests   *prometheus.CounterVec
	opsLatency    *prometheus.HistogramVec
	sweepBookings *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepLastRun  prometheus.Gauge
}

// NewMetrics builds a private registry. Each call is independent, so tests may build many.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		opsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rental_ops_requests_total",
			Help: "Ops listener requests by route and status.",
		}, []string{"route", "code"}),
		opsLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rental_ops_request_duration_seconds",
			Help:    "Ops listener request latency per route.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"route"}),
		sweepBookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rental_sweep_bookings_total",
			Help: "Lapsed bookings handled by the expiry sweep, by outcome.",
		}, []string{"outcome"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rental_sweep_runs_total",
			Help: "Expiry sweep runs by result.",
		}, []string{"result"}),
		sweepLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rental_sweep_last_run_timestamp_seconds",
			Help: "Unix time of the last sweep that held the lease.",
		}),
	}
	registry.MustRegister(m.opsRequests, m.opsLatency, m.sweepBookings, m.sweepRuns, m.sweepLastRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	m.jobs = jobmetrics.NewMetrics(registry)
	return m
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Jobs returns the job collectors registered on this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// ObserveSweep matches rental.SweeperConfig.Observer.
func (m *Metrics) ObserveSweep(res rental.SweepResult, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	case res.LeaseHeld:
		m.sweepRuns.WithLabelValues("lease_held").Inc()
		return
	case len(res.Failed) > 0:
		m.sweepRuns.WithLabelValues("partial").Inc()
	default:
		m.sweepRuns.WithLabelValues("ok").Inc()
	}
	m.sweepBookings.WithLabelValues("cancelled").Add(float64(res.Cancelled))
	m.sweepBookings.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.sweepBookings.WithLabelValues("failed").Add(float64(len(res.Failed)))
	m.sweepLastRun.SetToCurrentTime()
}

// Middleware records one request sample on the ops listener.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.opsRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.opsLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// unmatched paths collapse into one label so scanners cannot blow up cardinality
func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
