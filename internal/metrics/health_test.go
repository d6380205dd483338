package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeHealthStatus(t *testing.T, rec *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return status
}

func TestHealthHandlerHealthyWhenNoUnhealthyComponents(t *testing.T) {
	RegisterComponent("health_test_ok", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Components["health_test_ok"])
}

func TestHealthHandlerUnhealthyWhenAnyComponentUnhealthy(t *testing.T) {
	RegisterComponent("health_test_bad", false, "connection refused")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Components["health_test_bad"], "connection refused")
}

func TestReadyHandlerNotReadyUntilCriticalComponentsRegistered(t *testing.T) {
	handler := ReadyHandler("health_test_critical")

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "not_ready", status.Status)

	RegisterComponent("health_test_critical", true, "")

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	status = decodeHealthStatus(t, rec)
	assert.Equal(t, "ready", status.Status)
}

func TestReadyHandlerIgnoresNonCriticalComponents(t *testing.T) {
	RegisterComponent("health_test_noncritical", false, "irrelevant")

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "ready", status.Status)
}

func TestLivenessHandlerAlwaysAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}
