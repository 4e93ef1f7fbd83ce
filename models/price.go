package models

import "time"

// UnknownGPU is the GPU type recorded when the catalog could not resolve a model.
const UnknownGPU = "Unknown"

// UnspecifiedRegion groups offers that carry no region.
const UnspecifiedRegion = "unspecified"

// RawOffer holds one catalog offer exactly as the provider listing returned it.
// This is written to CSV before any normalization.
type RawOffer struct {
	Provider     string    `json:"provider"`
	InstanceName string    `json:"instance_name"`
	GPUName      string    `json:"gpu_name"`
	GPUCount     int       `json:"gpu_count"`
	GPUMemory    *float64  `json:"gpu_memory"`
	CPU          *float64  `json:"cpu"`
	Memory       float64   `json:"memory"`
	Location     string    `json:"location"`
	Price        float64   `json:"price"`
	Spot         bool      `json:"spot"`
	Available    *int      `json:"available"`
	FetchedAt    time.Time `json:"-"`
}

// PriceRecord is one observed offer at a point in time. Records are immutable
// once stored; every record belongs to exactly one collection batch.
type PriceRecord struct {
	ID            uint64    `json:"id"`
	BatchID       string    `json:"batch_id"`
	CollectedAt   time.Time `json:"collected_at"`
	Provider      string    `json:"provider"`
	InstanceType  string    `json:"instance_type"`
	GPUType       string    `json:"gpu_type"`
	GPUCount      int       `json:"gpu_count"`
	GPUMemoryGB   *int      `json:"gpu_memory_gb,omitempty"`
	CPUCount      *int      `json:"cpu_count,omitempty"`
	RAMGB         float64   `json:"ram_gb"`
	Region        string    `json:"region"`
	PricePerHour  float64   `json:"price_per_hour"`
	InstanceCount int       `json:"instance_count"`
	Spot          bool      `json:"spot"`
}

// PricePerGPUHour is the hourly price divided across the instance's GPUs.
func (r *PriceRecord) PricePerGPUHour() float64 {
	if r.GPUCount > 0 {
		return r.PricePerHour / float64(r.GPUCount)
	}
	return 0
}

// IsUnknownGPU reports whether the GPU model was left unresolved.
func (r *PriceRecord) IsUnknownGPU() bool {
	return r.GPUType == UnknownGPU
}

// BatchSummary describes the outcome of one stored collection run.
type BatchSummary struct {
	BatchID     string    `json:"batch_id"`
	CollectedAt time.Time `json:"collected_at"`
	Inserted    int       `json:"inserted"`
}

// Stats holds store-wide counters. FirstSnapshot and LastSnapshot are nil
// while the store is empty.
type Stats struct {
	TotalRecords  int64      `json:"total_records"`
	Providers     int64      `json:"providers"`
	GPUTypes      int64      `json:"gpu_types"`
	SnapshotCount int64      `json:"snapshot_count"`
	FirstSnapshot *time.Time `json:"first_snapshot"`
	LastSnapshot  *time.Time `json:"last_snapshot"`
}

// PruneResult reports what a retention pass removed.
type PruneResult struct {
	Batches int64 `json:"batches"`
	Records int64 `json:"records"`
}

// SnapshotSummary is the per-batch summary written alongside each batch.
type SnapshotSummary struct {
	BatchID      string    `json:"batch_id"`
	CollectedAt  time.Time `json:"collected_at"`
	TotalRecords int       `json:"total_records"`
	Providers    int       `json:"providers"`
	GPUTypes     int       `json:"gpu_types"`
	MinPrice     float64   `json:"min_price"`
	MaxPrice     float64   `json:"max_price"`
	AvgPrice     float64   `json:"avg_price"`
}

// TrendPoint is one UTC day of a GPU type's price history.
type TrendPoint struct {
	Day            time.Time `json:"day"`
	AvgPrice       float64   `json:"avg_price"`
	MinPrice       float64   `json:"min_price"`
	MaxPrice       float64   `json:"max_price"`
	TotalInstances int       `json:"total_instances"`
	Records        int       `json:"records"`
}

// ProviderSummary aggregates one provider's offers in the latest snapshot.
type ProviderSummary struct {
	GPUTypeCount   int     `json:"gpu_type_count"`
	TotalInstances int     `json:"total_instances"`
	Records        int     `json:"records"`
	AvgPrice       float64 `json:"avg_price"`
	MinPrice       float64 `json:"min_price"`
	MaxPrice       float64 `json:"max_price"`
}

// GPUTypeSummary aggregates one GPU type's offers in the latest snapshot.
type GPUTypeSummary struct {
	GPUType         string   `json:"gpu_type"`
	Records         int      `json:"records"`
	TotalInstances  int      `json:"total_instances"`
	Providers       []string `json:"providers"`
	MinPrice        float64  `json:"min_price"`
	MaxPrice        float64  `json:"max_price"`
	AvgPrice        float64  `json:"avg_price"`
	AvgPricePerGPU  float64  `json:"avg_price_per_gpu"`
	BestPricePerGPU float64  `json:"best_price_per_gpu"`
}

// PricePoint is one observation of a single instance configuration.
type PricePoint struct {
	CollectedAt   time.Time `json:"collected_at"`
	PricePerHour  float64   `json:"price_per_hour"`
	InstanceCount int       `json:"instance_count"`
}
