package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"gpu-price-tracker/collector/catalog"
	"gpu-price-tracker/config"
	"gpu-price-tracker/metrics"
	"gpu-price-tracker/models"
	"gpu-price-tracker/services"
	"gpu-price-tracker/storage"
	"gpu-price-tracker/utils"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	logger := utils.NewNopLogger()
	store, err := storage.Open(filepath.Join(t.TempDir(), "prices.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &app{
		cfg:     &config.Config{},
		logger:  logger,
		store:   store,
		engine:  services.NewQueryEngine(store, logger),
		noColor: true,
	}
}

func seedBatch(t *testing.T, a *app) models.BatchSummary {
	t.Helper()
	summary, err := a.store.InsertBatch(context.Background(), []models.PriceRecord{
		{Provider: "aws", GPUType: "H100", GPUCount: 8, PricePerHour: 98.32, InstanceCount: 2, Region: "us-east-1"},
		{Provider: "vastai", GPUType: "H100", GPUCount: 1, PricePerHour: 1.80, InstanceCount: 12},
	})
	require.NoError(t, err)
	return summary
}

type fakeMirror struct {
	batches []models.BatchSummary
	records []models.PriceRecord
	err     error
	closed  bool
}

func (m *fakeMirror) WriteBatch(_ context.Context, s models.BatchSummary, r []models.PriceRecord) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, s)
	m.records = append(m.records, r...)
	return nil
}

func (m *fakeMirror) Close() error {
	m.closed = true
	return nil
}

type fakeRawWriter struct {
	rows   int
	closed bool
}

func (w *fakeRawWriter) WriteRaw(offers []*models.RawOffer) error {
	w.rows += len(offers)
	return nil
}

func (w *fakeRawWriter) Close() error {
	w.closed = true
	return nil
}

func TestMirrorCopiesStoredBatch(t *testing.T) {
	a := newTestApp(t)
	summary := seedBatch(t, a)

	m := &fakeMirror{}
	a.mirror(context.Background(), m, summary)

	require.True(t, m.closed)
	require.Len(t, m.batches, 1)
	require.Equal(t, summary.BatchID, m.batches[0].BatchID)
	require.Len(t, m.records, 2)
	for _, r := range m.records {
		require.NotZero(t, r.ID)
		require.Equal(t, summary.BatchID, r.BatchID)
	}
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	a := newTestApp(t)
	summary := seedBatch(t, a)

	m := &fakeMirror{err: errors.New("connection refused")}
	a.mirror(context.Background(), m, summary)
	require.True(t, m.closed)

	stats, err := a.store.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.TotalRecords)
}

func TestWriteRawClosesWriter(t *testing.T) {
	a := newTestApp(t)
	w := &fakeRawWriter{}
	a.writeRaw(w, []*models.RawOffer{{Provider: "aws"}, {Provider: "gcp"}})
	require.Equal(t, 2, w.rows)
	require.True(t, w.closed)
}

func TestSaveReportsWritesDatedDirectory(t *testing.T) {
	a := newTestApp(t)
	seedBatch(t, a)

	now := time.Date(2026, 10, 18, 7, 0, 0, 0, time.UTC)
	out, err := a.saveReports(context.Background(), t.TempDir(), now)
	require.NoError(t, err)
	require.Equal(t, "2026-10-18", filepath.Base(out))

	for _, name := range []string{
		"summary.txt", "providers.txt", "best_deals.txt", "availability.txt",
		"history.txt", "latest_snapshot.csv", "gpu_prices.xlsx",
	} {
		info, err := os.Stat(filepath.Join(out, name))
		require.NoError(t, err, name)
		require.NotZero(t, info.Size(), name)
	}
}

// catalogServer answers GET /offers with body for the "aws" provider and an
// empty list for everyone else.
func catalogServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("provider") == "aws" {
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte(`{"offers":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func withCatalog(t *testing.T, a *app, url string) {
	t.Helper()
	a.cfg = &config.Config{
		CatalogURL:     url,
		Providers:      []string{"aws", "gcp"},
		MaxConcurrency: 2,
		RateLimitMs:    1,
		MaxRetries:     1,
		HTTPTimeoutSec: 5,
		RawCSVPath:     filepath.Join(t.TempDir(), "raw", "offers.csv"),
	}
}

func TestCollectStoresBatchAndPrunesOldOnes(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	withCatalog(t, a, catalogServer(t, `{"offers":[
		{"instance_name":"p5.48xlarge","gpu_name":"NVIDIA H100 80GB","gpu_count":8,"location":"us-east-1","price":98.32,"available":2},
		{"instance_name":"g5.xlarge","gpu_name":"A10G","gpu_count":1,"location":"us-east-1","price":1.006}
	]}`).URL)
	a.cfg.RetentionDays = 7

	old := []models.PriceRecord{{
		Provider: "aws", GPUType: "H100", GPUCount: 8, PricePerHour: 110, InstanceCount: 1,
		CollectedAt: time.Now().UTC().AddDate(0, 0, -30),
	}}
	_, err := a.store.InsertBatch(ctx, old)
	require.NoError(t, err)

	summary, err := a.collect(ctx, catalog.Query{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Inserted)
	require.NotEmpty(t, summary.BatchID)
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.LastBatchRecords))

	snaps, err := a.store.Snapshots(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1, "the 30 day old batch should be pruned")
	require.Equal(t, summary.BatchID, snaps[0].BatchID)

	latest, err := a.store.LatestRecords(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	gpus := []string{latest[0].GPUType, latest[1].GPUType}
	require.ElementsMatch(t, []string{"H100", "A10G"}, gpus)
	for _, r := range latest {
		require.Equal(t, "aws", r.Provider)
	}

	raw, err := os.ReadFile(a.cfg.RawCSVPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3, "header plus one row per offer")
	require.Contains(t, lines[1]+lines[2], "p5.48xlarge")
}

func TestCollectWithoutRetentionKeepsHistory(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	withCatalog(t, a, catalogServer(t, `{"offers":[{"gpu_name":"L4","price":0.7}]}`).URL)

	_, err := a.store.InsertBatch(ctx, []models.PriceRecord{{
		Provider: "aws", GPUType: "L4", GPUCount: 1, PricePerHour: 0.8, InstanceCount: 1,
		CollectedAt: time.Now().UTC().AddDate(0, 0, -30),
	}})
	require.NoError(t, err)

	_, err = a.collect(ctx, catalog.Query{})
	require.NoError(t, err)

	snaps, err := a.store.Snapshots(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
}

func TestCollectEmptyCatalog(t *testing.T) {
	a := newTestApp(t)
	withCatalog(t, a, catalogServer(t, `{"offers":[]}`).URL)

	_, err := a.collect(context.Background(), catalog.Query{})
	require.ErrorContains(t, err, "catalog returned no offers")

	stats, err := a.store.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.TotalRecords)
}

func TestCollectAllOffersDropped(t *testing.T) {
	a := newTestApp(t)
	withCatalog(t, a, catalogServer(t, `{"offers":[
		{"instance_name":"bad-1","gpu_name":"H100","price":-1},
		{"instance_name":"bad-2","gpu_name":"A100","price":-2.5}
	]}`).URL)

	_, err := a.collect(context.Background(), catalog.Query{})
	require.ErrorContains(t, err, "all offers were dropped during cleaning")

	stats, err := a.store.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.TotalRecords)
}
