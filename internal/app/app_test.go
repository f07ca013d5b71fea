package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/observability"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
	"github.com/odyssey-erp/odyssey-rental/jobs"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8081", cfg.AppAddr)
	require.Equal(t, 5*time.Second, cfg.TxLockTimeout)
	require.Equal(t, 10*time.Second, cfg.TxStatementTimeout)
	require.Equal(t, 5, cfg.TxMaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.TxBackoffBase)
	require.Equal(t, 5*time.Minute, cfg.SweepInterval)
	require.Equal(t, 100, cfg.SweepBatch)
	require.Equal(t, "@every 1h", cfg.OverdueCron)
	require.Equal(t, 15*time.Minute, cfg.DefaultTempLock)

	opts := cfg.TxOptions()
	require.Equal(t, 5, opts.Retry.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, opts.Retry.BaseDelay)
}

func TestLoadConfigRejectsNonPositive(t *testing.T) {
	t.Setenv("TX_MAX_ATTEMPTS", "0")
	t.Setenv("SWEEP_INTERVAL", "-1s")
	_, err := LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "TX_MAX_ATTEMPTS")
	require.Contains(t, err.Error(), "SWEEP_INTERVAL")
}

func TestLoadConfigRejectsUnknownLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "chatty")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "LOG_LEVEL")
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json", LogLevel: "warn"})
	logger.Info("dropped")
	logger.Warn("kept", slog.String("booking", "BK-2025-0001"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "BK-2025-0001", entry["booking"])
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "true")
	RefreshTestMode()
	require.True(t, SkipStartup(slog.New(slog.NewTextHandler(io.Discard, nil)), "worker"))
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
	require.False(t, SkipStartup(nil, "worker"))
}

type sweepStub struct {
	res rental.SweepResult
	err error
}

func (s sweepStub) RunOnce(context.Context) (rental.SweepResult, error) { return s.res, s.err }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestRouterHealthAndReadiness(t *testing.T) {
	router := NewRouter(RouterParams{
		Logger:  quiet(),
		Config:  &Config{},
		Metrics: observability.NewMetrics(),
		Checks: map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
		},
	})

	rr := serve(router, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rr.Header().Get("X-Ratelimit-Limit"))

	rr = serve(router, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var checks map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &checks))
	require.Equal(t, "ok", checks["postgres"])
	require.Contains(t, checks["redis"], "refused")

	rr = serve(router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `rental_ops_requests_total{code="200",route="/healthz"} 1`)
}

func TestRouterManualSweep(t *testing.T) {
	router := NewRouter(RouterParams{
		Logger:     quiet(),
		JobHandler: jobs.NewHandler(nil, quiet()),
		Sweeper:    sweepStub{res: rental.SweepResult{Scanned: 2, Cancelled: 1, Failed: map[int64]error{4: errors.New("lock timeout")}}},
	})

	rr := serve(router, http.MethodPost, "/ops/sweep")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Scanned   int              `json:"scanned"`
		Cancelled int              `json:"cancelled"`
		Failed    map[int64]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 2, body.Scanned)
	require.Equal(t, 1, body.Cancelled)
	require.Equal(t, "lock timeout", body.Failed[4])

	rr = serve(router, http.MethodGet, "/jobs/health")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"queue":"default"`)
}
