package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

func TestMetricsServiceSnapshot(t *testing.T) {
	metrics := NewMetricsService()
	metrics.ObserveHTTPRequest(http.MethodGet, "/api/v1/requests", http.StatusOK, 20*time.Millisecond)
	metrics.ObserveHTTPRequest(http.MethodPost, "/api/v1/provisioning", http.StatusCreated, 40*time.Millisecond)
	metrics.RecordOperation(models.OperationStatusSuccess, models.TriggerAPI)
	metrics.RecordOperation(models.OperationStatusPartial, models.TriggerApproval)
	metrics.ObserveExternalCall("executor", "ok", time.Second)
	metrics.ObserveExternalCall("dispatcher", "ok", time.Second)

	snapshot := metrics.Snapshot()
	require.Equal(t, uint64(2), snapshot.RequestsTotal)
	require.InDelta(t, 30.0, snapshot.AverageRequestDurationMs, 0.001)
	require.Equal(t, uint64(1), snapshot.Operations["success"])
	require.Equal(t, uint64(1), snapshot.Operations["partial"])
	require.Equal(t, uint64(0), snapshot.Operations["failed"])
	require.Equal(t, uint64(1), snapshot.ExecutorCalls)
}

func TestMetricsServiceExposesCollectors(t *testing.T) {
	metrics := NewMetricsService()
	metrics.RecordCallback("approval", "recorded")
	metrics.RecordRequestTransition(models.RequestStatusCompleted)
	metrics.RecordReconcile("applied")

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	require.True(t, names["approval_callbacks_total"])
	require.True(t, names["approval_requests_total"])
	require.True(t, names["reconciler_requests_total"])

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `approval_requests_total{status="completed"} 1`))
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var metrics *MetricsService
	metrics.RecordOperation(models.OperationStatusFailed, models.TriggerAPI)
	metrics.RecordCallback("review", "error")
	metrics.ObserveExternalCall("executor", "error", time.Second)
	require.Equal(t, MetricsSnapshot{}, metrics.Snapshot())

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
