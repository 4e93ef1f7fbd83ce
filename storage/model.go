package storage

import (
	"time"

	"gpu-price-tracker/models"
)

// priceRow is the gpu_prices table. Timestamps are Unix milliseconds so that
// range scans compare integers.
type priceRow struct {
	ID            uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	BatchID       string  `gorm:"column:batch_id;size:36;not null;index:idx_gpu_prices_batch"`
	CollectedAt   int64   `gorm:"column:collected_at;not null;index:idx_gpu_prices_collected_at;index:idx_gpu_prices_gpu_collected,priority:2"`
	Provider      string  `gorm:"column:provider;not null"`
	InstanceType  string  `gorm:"column:instance_type;not null;default:''"`
	GPUType       string  `gorm:"column:gpu_type;not null;index:idx_gpu_prices_gpu_collected,priority:1"`
	GPUCount      int     `gorm:"column:gpu_count;not null;default:0"`
	GPUMemoryGB   *int    `gorm:"column:gpu_memory_gb"`
	CPUCount      *int    `gorm:"column:cpu_count"`
	RAMGB         float64 `gorm:"column:ram_gb;not null;default:0"`
	Region        string  `gorm:"column:region;not null;default:''"`
	PricePerHour  float64 `gorm:"column:price_per_hour;not null"`
	InstanceCount int     `gorm:"column:instance_count;not null"`
	Spot          bool    `gorm:"column:spot;not null;default:false"`
}

func (priceRow) TableName() string { return "gpu_prices" }

// snapshotRow is the price_snapshots table, one row per batch. The unique
// collected_at keeps two batches from sharing a timestamp.
type snapshotRow struct {
	ID           uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	BatchID      string  `gorm:"column:batch_id;size:36;not null;uniqueIndex"`
	CollectedAt  int64   `gorm:"column:collected_at;not null;uniqueIndex"`
	TotalRecords int     `gorm:"column:total_records;not null"`
	Providers    int     `gorm:"column:providers_count;not null"`
	GPUTypes     int     `gorm:"column:gpu_types_count;not null"`
	MinPrice     float64 `gorm:"column:min_price;not null"`
	MaxPrice     float64 `gorm:"column:max_price;not null"`
	AvgPrice     float64 `gorm:"column:avg_price;not null"`
}

func (snapshotRow) TableName() string { return "price_snapshots" }

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func newPriceRow(r *models.PriceRecord, batchID string, collectedAt int64) priceRow {
	return priceRow{
		BatchID:       batchID,
		CollectedAt:   collectedAt,
		Provider:      r.Provider,
		InstanceType:  r.InstanceType,
		GPUType:       r.GPUType,
		GPUCount:      r.GPUCount,
		GPUMemoryGB:   r.GPUMemoryGB,
		CPUCount:      r.CPUCount,
		RAMGB:         r.RAMGB,
		Region:        r.Region,
		PricePerHour:  r.PricePerHour,
		InstanceCount: r.InstanceCount,
		Spot:          r.Spot,
	}
}

func (row *priceRow) record() models.PriceRecord {
	return models.PriceRecord{
		ID:            row.ID,
		BatchID:       row.BatchID,
		CollectedAt:   fromMillis(row.CollectedAt),
		Provider:      row.Provider,
		InstanceType:  row.InstanceType,
		GPUType:       row.GPUType,
		GPUCount:      row.GPUCount,
		GPUMemoryGB:   row.GPUMemoryGB,
		CPUCount:      row.CPUCount,
		RAMGB:         row.RAMGB,
		Region:        row.Region,
		PricePerHour:  row.PricePerHour,
		InstanceCount: row.InstanceCount,
		Spot:          row.Spot,
	}
}

func (row *snapshotRow) summary() models.SnapshotSummary {
	return models.SnapshotSummary{
		BatchID:      row.BatchID,
		CollectedAt:  fromMillis(row.CollectedAt),
		TotalRecords: row.TotalRecords,
		Providers:    row.Providers,
		GPUTypes:     row.GPUTypes,
		MinPrice:     row.MinPrice,
		MaxPrice:     row.MaxPrice,
		AvgPrice:     row.AvgPrice,
	}
}
