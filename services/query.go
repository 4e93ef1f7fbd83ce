package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gpu-price-tracker/models"
	"gpu-price-tracker/storage"
	"gpu-price-tracker/utils"
)

// ErrInvalidWindow is returned for a non-positive day window.
var ErrInvalidWindow = errors.New("days must be positive")

// PriceReader is the read side of the price store used by the query engine.
type PriceReader interface {
	LatestRecords(ctx context.Context) ([]models.PriceRecord, error)
	RecordsBetween(ctx context.Context, f storage.RecordFilter) ([]models.PriceRecord, error)
	Snapshots(ctx context.Context, since time.Time) ([]models.SnapshotSummary, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// QueryOptions apply to every aggregation. Records with GPU type "Unknown"
// are dropped before aggregating unless IncludeUnknown is set. Provider, when
// non-empty, restricts the input to one provider; it is matched the way the
// Cleaner stores providers, so "AWS" and "amazon" both select "aws".
type QueryOptions struct {
	IncludeUnknown bool
	Provider       string
}

func (o QueryOptions) keep(r *models.PriceRecord) bool {
	if !o.IncludeUnknown && r.IsUnknownGPU() {
		return false
	}
	if o.Provider != "" && !strings.EqualFold(normaliseProvider(o.Provider), r.Provider) {
		return false
	}
	return true
}

// gpuQuery maps a user-supplied GPU type onto the stored form ("h100",
// "NVIDIA H100" → "H100"). Blank stays blank.
func gpuQuery(gpuType string) string {
	if strings.TrimSpace(gpuType) == "" {
		return ""
	}
	return normaliseGPU(gpuType)
}

// QueryEngine answers read-only questions about stored snapshots. It never
// writes and never caches: every call reflects the store as it is.
type QueryEngine struct {
	store  PriceReader
	logger *utils.Logger
	now    func() time.Time
}

// NewQueryEngine creates a QueryEngine over the given store.
func NewQueryEngine(store PriceReader, logger *utils.Logger) *QueryEngine {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &QueryEngine{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the engine's time source. Used for fixed windows in tests.
func (e *QueryEngine) WithClock(now func() time.Time) *QueryEngine {
	e.now = now
	return e
}

// Stats returns store-wide counters.
func (e *QueryEngine) Stats(ctx context.Context) (models.Stats, error) {
	return e.store.Stats(ctx)
}

// LatestSnapshot returns every record of the most recent batch, unfiltered.
func (e *QueryEngine) LatestSnapshot(ctx context.Context) ([]models.PriceRecord, error) {
	records, err := e.store.LatestRecords(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.PriceRecord{}
	}
	return records, nil
}

// Trend aggregates one GPU type per UTC day over [now-days, now]. Days
// without records are absent from the result. gpuType is normalised like
// stored records, so "h100" and "NVIDIA H100" both match "H100".
func (e *QueryEngine) Trend(ctx context.Context, gpuType string, days int, opts QueryOptions) ([]models.TrendPoint, error) {
	if days <= 0 {
		return nil, ErrInvalidWindow
	}
	gpuType = gpuQuery(gpuType)
	if gpuType == models.UnknownGPU && !opts.IncludeUnknown {
		return []models.TrendPoint{}, nil
	}

	now := e.now().UTC()
	records, err := e.store.RecordsBetween(ctx, storage.RecordFilter{
		GPUType:  gpuType,
		Provider: normaliseProvider(opts.Provider),
		Since:    now.Add(-time.Duration(days) * 24 * time.Hour),
		Until:    now,
	})
	if err != nil {
		return nil, err
	}

	byDay := make(map[time.Time]*priceAccumulator)
	for i := range records {
		r := &records[i]
		if !opts.keep(r) {
			continue
		}
		day := utcDay(r.CollectedAt)
		acc, ok := byDay[day]
		if !ok {
			acc = &priceAccumulator{}
			byDay[day] = acc
		}
		acc.add(r)
	}

	points := make([]models.TrendPoint, 0, len(byDay))
	for day, acc := range byDay {
		points = append(points, models.TrendPoint{
			Day:            day,
			AvgPrice:       acc.avg(),
			MinPrice:       acc.min,
			MaxPrice:       acc.max,
			TotalInstances: acc.instances,
			Records:        acc.n,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Day.Before(points[j].Day) })

	e.logger.Debug("[query] Trend %s over %d days: %d points from %d records",
		gpuType, days, len(points), len(records))
	return points, nil
}

// BestDeals ranks the latest snapshot by hourly price, cheapest first. Equal
// prices prefer more available instances. gpuType is normalised like in
// Trend; empty means any type.
func (e *QueryEngine) BestDeals(ctx context.Context, gpuType string, limit int, opts QueryOptions) ([]models.PriceRecord, error) {
	if limit <= 0 {
		return []models.PriceRecord{}, nil
	}

	records, err := e.store.LatestRecords(ctx)
	if err != nil {
		return nil, err
	}

	gpuType = gpuQuery(gpuType)
	deals := make([]models.PriceRecord, 0, len(records))
	for i := range records {
		r := &records[i]
		if !opts.keep(r) {
			continue
		}
		if gpuType != "" && !strings.EqualFold(gpuType, r.GPUType) {
			continue
		}
		deals = append(deals, *r)
	}

	sort.SliceStable(deals, func(i, j int) bool {
		a, b := &deals[i], &deals[j]
		if a.PricePerHour != b.PricePerHour {
			return a.PricePerHour < b.PricePerHour
		}
		if a.InstanceCount != b.InstanceCount {
			return a.InstanceCount > b.InstanceCount
		}
		return a.ID < b.ID
	})

	if len(deals) > limit {
		deals = deals[:limit]
	}
	return deals, nil
}

// ProvidersSummary compares providers over the latest snapshot.
func (e *QueryEngine) ProvidersSummary(ctx context.Context, opts QueryOptions) (map[string]models.ProviderSummary, error) {
	records, err := e.store.LatestRecords(ctx)
	if err != nil {
		return nil, err
	}

	accs := make(map[string]*priceAccumulator)
	gpuTypes := make(map[string]map[string]struct{})
	for i := range records {
		r := &records[i]
		if !opts.keep(r) {
			continue
		}
		acc, ok := accs[r.Provider]
		if !ok {
			acc = &priceAccumulator{}
			accs[r.Provider] = acc
			gpuTypes[r.Provider] = make(map[string]struct{})
		}
		acc.add(r)
		gpuTypes[r.Provider][r.GPUType] = struct{}{}
	}

	out := make(map[string]models.ProviderSummary, len(accs))
	for provider, acc := range accs {
		out[provider] = models.ProviderSummary{
			GPUTypeCount:   len(gpuTypes[provider]),
			TotalInstances: acc.instances,
			Records:        acc.n,
			AvgPrice:       acc.avg(),
			MinPrice:       acc.min,
			MaxPrice:       acc.max,
		}
	}
	return out, nil
}

// AvailabilityByRegion sums available instances per region over the latest
// snapshot. Records without a region count under "unspecified".
func (e *QueryEngine) AvailabilityByRegion(ctx context.Context, opts QueryOptions) (map[string]int, error) {
	records, err := e.store.LatestRecords(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int)
	for i := range records {
		r := &records[i]
		if !opts.keep(r) {
			continue
		}
		region := strings.TrimSpace(r.Region)
		if region == "" {
			region = models.UnspecifiedRegion
		}
		out[region] += r.InstanceCount
	}
	return out, nil
}

// GPUSummary groups the latest snapshot by GPU type, sorted by type name.
func (e *QueryEngine) GPUSummary(ctx context.Context, opts QueryOptions) ([]models.GPUTypeSummary, error) {
	records, err := e.store.LatestRecords(ctx)
	if err != nil {
		return nil, err
	}

	accs := make(map[string]*priceAccumulator)
	perGPU := make(map[string]*priceAccumulator)
	providers := make(map[string]map[string]struct{})
	for i := range records {
		r := &records[i]
		if !opts.keep(r) {
			continue
		}
		acc, ok := accs[r.GPUType]
		if !ok {
			acc = &priceAccumulator{}
			accs[r.GPUType] = acc
			perGPU[r.GPUType] = &priceAccumulator{}
			providers[r.GPUType] = make(map[string]struct{})
		}
		acc.add(r)
		perGPU[r.GPUType].addPrice(r.PricePerGPUHour(), 0)
		providers[r.GPUType][r.Provider] = struct{}{}
	}

	out := make([]models.GPUTypeSummary, 0, len(accs))
	for gpuType, acc := range accs {
		out = append(out, models.GPUTypeSummary{
			GPUType:         gpuType,
			Records:         acc.n,
			TotalInstances:  acc.instances,
			Providers:       sortedKeys(providers[gpuType]),
			MinPrice:        acc.min,
			MaxPrice:        acc.max,
			AvgPrice:        acc.avg(),
			AvgPricePerGPU:  perGPU[gpuType].avg(),
			BestPricePerGPU: perGPU[gpuType].min,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GPUType < out[j].GPUType })
	return out, nil
}

// Snapshots lists batch summaries collected within the last days.
func (e *QueryEngine) Snapshots(ctx context.Context, days int) ([]models.SnapshotSummary, error) {
	if days <= 0 {
		return nil, ErrInvalidWindow
	}
	since := e.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	snaps, err := e.store.Snapshots(ctx, since)
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []models.SnapshotSummary{}
	}
	return snaps, nil
}

// InstanceHistory returns the price series of one instance configuration.
func (e *QueryEngine) InstanceHistory(ctx context.Context, provider, instanceType, region string, days int) ([]models.PricePoint, error) {
	if days <= 0 {
		return nil, ErrInvalidWindow
	}
	now := e.now().UTC()
	records, err := e.store.RecordsBetween(ctx, storage.RecordFilter{
		Provider:     normaliseProvider(provider),
		InstanceType: instanceType,
		Region:       &region,
		Since:        now.Add(-time.Duration(days) * 24 * time.Hour),
		Until:        now,
	})
	if err != nil {
		return nil, err
	}

	points := make([]models.PricePoint, len(records))
	for i := range records {
		points[i] = models.PricePoint{
			CollectedAt:   records[i].CollectedAt,
			PricePerHour:  records[i].PricePerHour,
			InstanceCount: records[i].InstanceCount,
		}
	}
	return points, nil
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
