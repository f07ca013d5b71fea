package app

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-rental/internal/observability"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-rental/jobs"
)

// HealthCheck probes one dependency for /readyz.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Metrics    *observability.Metrics
	JobHandler *jobs.Handler
	// Sweeper backs POST /ops/sweep, a synchronous expiry pass for operators.
	Sweeper jobs.SweepRunner
	// Checks are keyed by dependency name, e.g. "postgres" or "redis".
	Checks    map[string]HealthCheck
	RateLimit int
}

// NewRouter constructs the chi.Router serving health, readiness, metrics and queue health.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:    logger,
		Config:    params.Config,
		Metrics:   params.Metrics,
		RateLimit: params.RateLimit,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(params.Checks))
		names := make([]string, 0, len(params.Checks))
		for name := range params.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := params.Checks[name](ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("check", name), slog.Any("error", err))
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httpx.JSON(w, status, results)
	})

	if params.Sweeper != nil {
		r.Post("/ops/sweep", func(w http.ResponseWriter, r *http.Request) {
			res, err := params.Sweeper.RunOnce(r.Context())
			if err != nil {
				logger.Error("manual sweep", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			failed := make(map[int64]string, len(res.Failed))
			for id, err := range res.Failed {
				failed[id] = err.Error()
			}
			httpx.JSON(w, http.StatusOK, map[string]any{
				"scanned":    res.Scanned,
				"cancelled":  res.Cancelled,
				"skipped":    res.Skipped,
				"failed":     failed,
				"lease_held": res.LeaseHeld,
			})
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
