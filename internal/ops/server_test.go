package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobsweep/jobsweep/internal/runmetrics"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestRun_NoActiveRun(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRun_LiveSummary(t *testing.T) {
	t.Parallel()

	metrics := runmetrics.NewMetrics("indeed", zap.NewNop())
	metrics.Inc("collected", 5)

	srv := NewServer(metrics, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var summary runmetrics.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, "indeed", summary.Board)
	require.Equal(t, int64(5), summary.Counters["collected"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	runmetrics.Init()
	srv := NewServer(nil, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
