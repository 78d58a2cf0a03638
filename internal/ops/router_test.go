package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/metrics"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, checks map[string]Pinger) (http.Handler, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	handler, err := NewRouter(RouterParams{
		Logger:   logger.New(logger.Options{ServiceName: "ops-test"}),
		Env:      "dev",
		Checks:   checks,
		Gatherer: reg,
	})
	require.NoError(t, err)
	return handler, reg
}

func TestHealthLive(t *testing.T) {
	handler, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev", rec.Header().Get("X-Chainbill-Env"))
	var body successEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "live", body.Data.(map[string]any)["status"])
}

func TestHealthReadyReportsFailingDependency(t *testing.T) {
	handler, _ := newTestRouter(t, map[string]Pinger{
		"db":    pingFunc(func(context.Context) error { return nil }),
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "DEPENDENCY_ERROR", body.Error.Code)
	details := body.Error.Details.(map[string]any)
	assert.Equal(t, "connection refused", details["redis"])
	assert.NotContains(t, details, "db")
}

func TestHealthReadyOK(t *testing.T) {
	handler, _ := newTestRouter(t, map[string]Pinger{
		"db": pingFunc(func(context.Context) error { return nil }),
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	handler, reg := newTestRouter(t, nil)
	metrics.NewBillingMetrics(reg).IncAttempt("succeeded")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chainbill_billing_attempts_total{outcome="succeeded"} 1`)
}

func TestWriteErrorHidesUntypedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(context.Background(), nil, rec, errors.New("pq: password authentication failed"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Equal(t, "internal server error", body.Error.Message)
}

func TestRecovererReturnsInternalError(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "ops-test"})
	handler := recoverer(logg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
