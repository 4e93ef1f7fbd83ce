package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gpu-price-tracker/models"
	"gpu-price-tracker/storage"
	"gpu-price-tracker/utils"
)

var (
	testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	testT1  = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	testT2  = testT1.Add(24 * time.Hour)
)

func newTestEngine(t *testing.T) (*QueryEngine, *storage.PriceStore) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "prices.db"), utils.NewNopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine := NewQueryEngine(store, utils.NewNopLogger()).WithClock(func() time.Time { return testNow })
	return engine, store
}

func insert(t *testing.T, store *storage.PriceStore, at time.Time, records ...models.PriceRecord) {
	t.Helper()
	for i := range records {
		records[i].CollectedAt = at
	}
	if _, err := store.InsertBatch(context.Background(), records); err != nil {
		t.Fatalf("insert batch: %v", err)
	}
}

func offer(provider, gpu string, price float64, count int) models.PriceRecord {
	return models.PriceRecord{Provider: provider, GPUType: gpu, GPUCount: 1, PricePerHour: price, InstanceCount: count}
}

func TestH100Scenario(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	insert(t, store, testT1, offer("aws", "H100", 2.50, 5), offer("vastai", "H100", 1.80, 12))

	deals, err := engine.BestDeals(ctx, "H100", 1, QueryOptions{})
	if err != nil {
		t.Fatalf("BestDeals: %v", err)
	}
	if len(deals) != 1 || deals[0].Provider != "vastai" || deals[0].PricePerHour != 1.80 || deals[0].InstanceCount != 12 {
		t.Fatalf("BestDeals: got %+v, want vastai H100 1.80 x12", deals)
	}

	insert(t, store, testT2, offer("aws", "H100", 2.40, 4))

	trend, err := engine.Trend(ctx, "H100", 2, QueryOptions{})
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(trend) != 2 {
		t.Fatalf("Trend points: got %d, want 2 (%+v)", len(trend), trend)
	}

	want := []struct {
		day   time.Time
		avg   float64
		total int
	}{
		{utcDay(testT1), 2.15, 17},
		{utcDay(testT2), 2.40, 4},
	}
	for i, w := range want {
		got := trend[i]
		if !got.Day.Equal(w.day) || got.AvgPrice != w.avg || got.TotalInstances != w.total {
			t.Errorf("trend[%d]: got (%s, %.4f, %d), want (%s, %.4f, %d)",
				i, got.Day, got.AvgPrice, got.TotalInstances, w.day, w.avg, w.total)
		}
	}
	if trend[0].MinPrice != 1.80 || trend[0].MaxPrice != 2.50 || trend[0].Records != 2 {
		t.Errorf("trend[0] range: got %+v", trend[0])
	}
}

func TestTrendIsSparseAndAscending(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	insert(t, store, testNow.Add(-5*24*time.Hour), offer("aws", "A100", 3.0, 1))
	insert(t, store, testNow.Add(-2*24*time.Hour), offer("aws", "A100", 2.0, 2))
	insert(t, store, testNow.Add(-2*24*time.Hour+time.Hour), offer("gcp", "A100", 4.0, 1))
	insert(t, store, testNow.Add(-30*24*time.Hour), offer("aws", "A100", 9.0, 9))

	trend, err := engine.Trend(ctx, "A100", 7, QueryOptions{})
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(trend) != 2 {
		t.Fatalf("points: got %d, want 2 (gap days must be absent)", len(trend))
	}
	for i := 1; i < len(trend); i++ {
		if !trend[i-1].Day.Before(trend[i].Day) {
			t.Errorf("trend not strictly ascending at %d", i)
		}
	}
	if trend[1].AvgPrice != 3.0 || trend[1].Records != 2 {
		t.Errorf("same-day batches should merge: got %+v", trend[1])
	}

	filtered, err := engine.Trend(ctx, "A100", 7, QueryOptions{Provider: "gcp"})
	if err != nil {
		t.Fatalf("Trend provider: %v", err)
	}
	if len(filtered) != 1 || filtered[0].AvgPrice != 4.0 {
		t.Errorf("provider filter: got %+v", filtered)
	}

	for _, provider := range []string{"GCP", " gcp ", "Google"} {
		mixed, err := engine.Trend(ctx, "A100", 7, QueryOptions{Provider: provider})
		if err != nil {
			t.Fatalf("Trend provider %q: %v", provider, err)
		}
		if len(mixed) != 1 || mixed[0].AvgPrice != 4.0 {
			t.Errorf("provider %q: got %+v, want the gcp point", provider, mixed)
		}
	}

	if _, err := engine.Trend(ctx, "A100", 0, QueryOptions{}); err != ErrInvalidWindow {
		t.Errorf("zero days: got %v, want ErrInvalidWindow", err)
	}
}

func TestGPUTypeArgumentIsNormalised(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	insert(t, store, testT1, offer("aws", "H100", 2.50, 5), offer("vastai", "H100", 1.80, 12))

	for _, gpu := range []string{"H100", "h100", "NVIDIA H100", "h100 80GB"} {
		trend, err := engine.Trend(ctx, gpu, 7, QueryOptions{})
		if err != nil {
			t.Fatalf("Trend %q: %v", gpu, err)
		}
		if len(trend) != 1 || trend[0].Records != 2 {
			t.Errorf("Trend %q: got %+v, want one day with 2 records", gpu, trend)
		}

		deals, err := engine.BestDeals(ctx, gpu, 10, QueryOptions{})
		if err != nil {
			t.Fatalf("BestDeals %q: %v", gpu, err)
		}
		if len(deals) != 2 {
			t.Errorf("BestDeals %q: got %d deals, want 2", gpu, len(deals))
		}
	}

	trend, err := engine.Trend(ctx, "h100", 7, QueryOptions{Provider: "AWS"})
	if err != nil {
		t.Fatalf("Trend AWS: %v", err)
	}
	if len(trend) != 1 || trend[0].Records != 1 || trend[0].AvgPrice != 2.50 {
		t.Errorf("Trend h100/AWS: got %+v, want the aws record only", trend)
	}
}

func TestUnknownExcludedFromTrendAndGPUSummary(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	insert(t, store, testT1, offer("aws", models.UnknownGPU, 0.90, 3), offer("aws", "L4", 0.70, 2))

	trend, err := engine.Trend(ctx, models.UnknownGPU, 7, QueryOptions{})
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(trend) != 0 {
		t.Errorf("Unknown trend by default: got %+v, want none", trend)
	}

	trend, err = engine.Trend(ctx, "unknown", 7, QueryOptions{IncludeUnknown: true})
	if err != nil {
		t.Fatalf("Trend include: %v", err)
	}
	if len(trend) != 1 || trend[0].Records != 1 {
		t.Errorf("Unknown trend when included: got %+v", trend)
	}

	summary, err := engine.GPUSummary(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("GPUSummary: %v", err)
	}
	if len(summary) != 1 || summary[0].GPUType != "L4" {
		t.Errorf("GPUSummary by default: got %+v, want only L4", summary)
	}

	summary, err = engine.GPUSummary(ctx, QueryOptions{IncludeUnknown: true})
	if err != nil {
		t.Fatalf("GPUSummary include: %v", err)
	}
	if len(summary) != 2 {
		t.Errorf("GPUSummary with Unknown: got %d types, want 2", len(summary))
	}
}

func TestTrendNoData(t *testing.T) {
	engine, _ := newTestEngine(t)
	trend, err := engine.Trend(context.Background(), "B200", 30, QueryOptions{})
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(trend) != 0 {
		t.Errorf("expected empty trend, got %+v", trend)
	}
}

func TestBestDealsOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	insert(t, store, testT1,
		offer("aws", "A100", 3.00, 1),
		offer("gcp", "A100", 2.00, 1),
		offer("azure", "A100", 2.00, 7),
		offer("lambda", "H100", 1.00, 2),
		offer("runpod", models.UnknownGPU, 0.10, 50),
	)

	deals, err := engine.BestDeals(ctx, "", 3, QueryOptions{})
	if err != nil {
		t.Fatalf("BestDeals: %v", err)
	}
	if len(deals) != 3 {
		t.Fatalf("limit: got %d, want 3", len(deals))
	}
	wantProviders := []string{"lambda", "azure", "gcp"}
	for i, d := range deals {
		if d.Provider != wantProviders[i] {
			t.Errorf("deal %d: got %s, want %s", i, d.Provider, wantProviders[i])
		}
		if d.IsUnknownGPU() {
			t.Errorf("deal %d is Unknown GPU", i)
		}
		if i > 0 {
			prev := deals[i-1]
			if d.PricePerHour < prev.PricePerHour {
				t.Errorf("price decreased at %d", i)
			}
			if d.PricePerHour == prev.PricePerHour && d.InstanceCount > prev.InstanceCount {
				t.Errorf("tie not broken by instance count at %d", i)
			}
		}
	}

	withUnknown, err := engine.BestDeals(ctx, "", 1, QueryOptions{IncludeUnknown: true})
	if err != nil {
		t.Fatalf("BestDeals: %v", err)
	}
	if len(withUnknown) != 1 || withUnknown[0].Provider != "runpod" {
		t.Errorf("include unknown: got %+v", withUnknown)
	}

	a100, err := engine.BestDeals(ctx, "a100", 10, QueryOptions{})
	if err != nil {
		t.Fatalf("BestDeals: %v", err)
	}
	if len(a100) != 3 {
		t.Errorf("gpu filter: got %d, want 3", len(a100))
	}

	none, err := engine.BestDeals(ctx, "", 0, QueryOptions{})
	if err != nil || len(none) != 0 {
		t.Errorf("zero limit: got %v, %v", none, err)
	}
}

func TestBestDealsOnlyLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	insert(t, store, testT1, offer("vastai", "H100", 0.50, 3))
	insert(t, store, testT2, offer("aws", "H100", 2.40, 4))

	deals, err := engine.BestDeals(ctx, "H100", 5, QueryOptions{})
	if err != nil {
		t.Fatalf("BestDeals: %v", err)
	}
	if len(deals) != 1 || deals[0].Provider != "aws" {
		t.Errorf("expected only the latest batch, got %+v", deals)
	}
}

func TestProvidersSummary(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	insert(t, store, testT1,
		offer("aws", "A100", 3.00, 2),
		offer("aws", "H100", 5.00, 1),
		offer("vastai", "H100", 1.80, 12),
		offer("cudo", models.UnknownGPU, 0.20, 4),
	)

	summary, err := engine.ProvidersSummary(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("ProvidersSummary: %v", err)
	}
	if _, ok := summary["cudo"]; ok {
		t.Error("provider with only Unknown GPUs should be excluded by default")
	}
	aws := summary["aws"]
	if aws.GPUTypeCount != 2 || aws.TotalInstances != 3 || aws.AvgPrice != 4.0 || aws.Records != 2 {
		t.Errorf("aws summary: got %+v", aws)
	}

	all, err := engine.ProvidersSummary(ctx, QueryOptions{IncludeUnknown: true})
	if err != nil {
		t.Fatalf("ProvidersSummary: %v", err)
	}
	if all["cudo"].TotalInstances != 4 {
		t.Errorf("cudo with unknown: got %+v", all["cudo"])
	}
}

func TestAvailabilityByRegion(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	east := offer("aws", "A100", 3.00, 2)
	east.Region = "us-east-1"
	east2 := offer("gcp", "A100", 3.10, 3)
	east2.Region = "us-east-1"
	nowhere := offer("vastai", "H100", 1.80, 12)
	unknown := offer("cudo", models.UnknownGPU, 0.20, 4)
	unknown.Region = "eu-west"

	insert(t, store, testT1, east, east2, nowhere, unknown)

	regions, err := engine.AvailabilityByRegion(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("AvailabilityByRegion: %v", err)
	}
	if regions["us-east-1"] != 5 {
		t.Errorf("us-east-1: got %d, want 5", regions["us-east-1"])
	}
	if regions[models.UnspecifiedRegion] != 12 {
		t.Errorf("unspecified: got %d, want 12", regions[models.UnspecifiedRegion])
	}
	if _, ok := regions["eu-west"]; ok {
		t.Error("Unknown GPU region should be excluded by default")
	}
}

func TestEmptyStoreQueries(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	latest, err := engine.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest == nil || len(latest) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", latest)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.LastSnapshot != nil {
		t.Errorf("LastSnapshot: got %v, want nil", stats.LastSnapshot)
	}

	providers, err := engine.ProvidersSummary(ctx, QueryOptions{})
	if err != nil || len(providers) != 0 {
		t.Errorf("ProvidersSummary on empty store: %v, %v", providers, err)
	}
	regions, err := engine.AvailabilityByRegion(ctx, QueryOptions{})
	if err != nil || len(regions) != 0 {
		t.Errorf("AvailabilityByRegion on empty store: %v, %v", regions, err)
	}
}

func TestGPUSummaryAndHistory(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	eight := offer("aws", "A100", 32.00, 1)
	eight.GPUCount = 8
	eight.InstanceType = "p4d.24xlarge"
	eight.Region = "us-east-1"
	insert(t, store, testT1, eight, offer("lambda", "A100", 1.29, 3))

	later := eight
	later.PricePerHour = 30.00
	insert(t, store, testT2, later, offer("lambda", "A100", 1.10, 2))

	summary, err := engine.GPUSummary(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("GPUSummary: %v", err)
	}
	if len(summary) != 1 {
		t.Fatalf("GPUSummary: got %d types, want 1", len(summary))
	}
	a100 := summary[0]
	if a100.Records != 2 || a100.TotalInstances != 3 || a100.BestPricePerGPU != 1.10 || a100.MaxPrice != 30.00 {
		t.Errorf("A100 summary: got %+v", a100)
	}
	if len(a100.Providers) != 2 || a100.Providers[0] != "aws" {
		t.Errorf("providers: got %v", a100.Providers)
	}

	history, err := engine.InstanceHistory(ctx, "aws", "p4d.24xlarge", "us-east-1", 7)
	if err != nil {
		t.Fatalf("InstanceHistory: %v", err)
	}
	if len(history) != 2 || history[0].PricePerHour != 32.00 || history[1].PricePerHour != 30.00 {
		t.Errorf("history: got %+v", history)
	}

	snaps, err := engine.Snapshots(ctx, 7)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("snapshots: got %d, want 2", len(snaps))
	}
}
