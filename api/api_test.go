package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"gpu-price-tracker/models"
	"gpu-price-tracker/services"
	"gpu-price-tracker/storage"
	"gpu-price-tracker/utils"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "prices.db"), utils.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	at := testNow.Add(-2 * time.Hour)
	_, err = store.InsertBatch(context.Background(), []models.PriceRecord{
		{CollectedAt: at, Provider: "aws", GPUType: "H100", GPUCount: 1, Region: "us-east-1", PricePerHour: 2.50, InstanceCount: 5},
		{CollectedAt: at, Provider: "vastai", GPUType: "H100", GPUCount: 1, PricePerHour: 1.80, InstanceCount: 12},
		{CollectedAt: at, Provider: "runpod", GPUType: models.UnknownGPU, GPUCount: 1, PricePerHour: 0.10, InstanceCount: 2},
	})
	require.NoError(t, err)

	engine := services.NewQueryEngine(store, utils.NewNopLogger()).WithClock(func() time.Time { return testNow })
	return NewRouter(engine, utils.NewNopLogger())
}

func get(t *testing.T, r http.Handler, path string, out interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, get(t, r, "/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestBestDealsEndpoint(t *testing.T) {
	r := newTestRouter(t)

	var body struct {
		Count int                  `json:"count"`
		Deals []models.PriceRecord `json:"deals"`
	}
	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/best-deals?gpu=h100&limit=1", &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "vastai", body.Deals[0].Provider)
	require.Equal(t, 1.80, body.Deals[0].PricePerHour)

	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/best-deals?include_unknown=true", &body))
	require.Equal(t, "runpod", body.Deals[0].Provider)

	require.Equal(t, http.StatusBadRequest, get(t, r, "/api/v1/best-deals?limit=ten", nil))
	require.Equal(t, http.StatusBadRequest, get(t, r, "/api/v1/best-deals?include_unknown=maybe", nil))
}

func TestTrendEndpoint(t *testing.T) {
	r := newTestRouter(t)

	var body struct {
		GPUType string              `json:"gpu_type"`
		Points  []models.TrendPoint `json:"points"`
	}
	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/trend/H100?days=7", &body))
	require.Equal(t, "H100", body.GPUType)
	require.Len(t, body.Points, 1)
	require.Equal(t, 2.15, body.Points[0].AvgPrice)
	require.Equal(t, 17, body.Points[0].TotalInstances)

	require.Equal(t, http.StatusBadRequest, get(t, r, "/api/v1/trend/H100?days=0", nil))
}

func TestProvidersAndRegionsEndpoints(t *testing.T) {
	r := newTestRouter(t)

	var providers struct {
		Providers []providerEntry `json:"providers"`
	}
	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/providers", &providers))
	require.Len(t, providers.Providers, 2)
	require.Equal(t, "aws", providers.Providers[0].Provider)

	var regions struct {
		Regions []regionEntry `json:"regions"`
	}
	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/regions", &regions))
	require.Equal(t, []regionEntry{
		{Region: models.UnspecifiedRegion, Instances: 12},
		{Region: "us-east-1", Instances: 5},
	}, regions.Regions)
}

func TestStatsAndSnapshotsEndpoints(t *testing.T) {
	r := newTestRouter(t)

	var stats models.Stats
	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/stats", &stats))
	require.EqualValues(t, 3, stats.TotalRecords)
	require.EqualValues(t, 1, stats.SnapshotCount)

	var snaps struct {
		Snapshots []models.SnapshotSummary `json:"snapshots"`
	}
	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/snapshots?days=1", &snaps))
	require.Len(t, snaps.Snapshots, 1)
	require.Equal(t, 3, snaps.Snapshots[0].TotalRecords)
}

type downStore struct{}

func (downStore) LatestRecords(context.Context) ([]models.PriceRecord, error) {
	return nil, &storage.UnavailableError{Op: "latest records", Err: context.DeadlineExceeded}
}

func (downStore) RecordsBetween(context.Context, storage.RecordFilter) ([]models.PriceRecord, error) {
	return nil, &storage.UnavailableError{Op: "records between", Err: context.DeadlineExceeded}
}

func (downStore) Snapshots(context.Context, time.Time) ([]models.SnapshotSummary, error) {
	return nil, &storage.UnavailableError{Op: "snapshots", Err: context.DeadlineExceeded}
}

func (downStore) Stats(context.Context) (models.Stats, error) {
	return models.Stats{}, &storage.UnavailableError{Op: "stats", Err: context.DeadlineExceeded}
}

func TestUnavailableStoreReturns503(t *testing.T) {
	r := NewRouter(services.NewQueryEngine(downStore{}, utils.NewNopLogger()), utils.NewNopLogger())

	for _, path := range []string{"/api/v1/stats", "/api/v1/latest", "/api/v1/trend/H100", "/api/v1/best-deals", "/api/v1/snapshots"} {
		require.Equal(t, http.StatusServiceUnavailable, get(t, r, path, nil), path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t)
	require.Equal(t, http.StatusOK, get(t, r, "/api/v1/stats", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `gpu_tracker_api_requests_total{code="200",route="/api/v1/stats"}`)
}
