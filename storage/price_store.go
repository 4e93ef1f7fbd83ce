package storage

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gpu-price-tracker/models"
	"gpu-price-tracker/utils"
)

const insertChunk = 200

// PriceStore persists price records in a local SQLite file. Every batch is
// written in a single transaction; rows are never updated.
type PriceStore struct {
	db     *gorm.DB
	logger *utils.Logger
	now    func() time.Time
}

// RecordFilter narrows a history scan. Zero values mean "no constraint",
// except Region which only applies when non-nil.
type RecordFilter struct {
	GPUType      string
	Provider     string
	InstanceType string
	Region       *string
	Since        time.Time
	Until        time.Time
}

// Open creates (if needed) and opens the database file at path, migrates the
// schema and returns a ready-to-use PriceStore.
func Open(path string, logger *utils.Logger) (*PriceStore, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, unavailable("create data dir", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, unavailable("open "+path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("open "+path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, unavailable("ping "+path, err)
	}

	for _, table := range []any{
		&priceRow{},
		&snapshotRow{},
	} {
		if err := db.AutoMigrate(table); err != nil {
			_ = sqlDB.Close()
			return nil, unavailable("migrate", err)
		}
	}

	logger.Debug("[store] Opened price database at %s", path)
	return &PriceStore{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *PriceStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("close", err)
	}
	return unavailable("close", sqlDB.Close())
}

// InsertBatch validates and stores one collection run. Either every record
// is written or none is. Records may carry a shared CollectedAt; when none
// does, the store stamps the batch with the current UTC time.
func (s *PriceStore) InsertBatch(ctx context.Context, records []models.PriceRecord) (models.BatchSummary, error) {
	if len(records) == 0 {
		return models.BatchSummary{}, ErrEmptyBatch
	}

	collectedAt, err := batchTimestamp(records)
	if err != nil {
		return models.BatchSummary{}, err
	}
	if collectedAt.IsZero() {
		collectedAt = s.now()
	}
	collectedAt = collectedAt.UTC().Truncate(time.Millisecond)

	for i := range records {
		if err := validateRecord(i, &records[i]); err != nil {
			return models.BatchSummary{}, err
		}
	}

	batchID := uuid.NewString()
	ts := toMillis(collectedAt)

	rows := make([]priceRow, len(records))
	for i := range records {
		rows[i] = newPriceRow(&records[i], batchID, ts)
	}
	snap := summarize(records, batchID, ts)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&snapshotRow{}).Where("collected_at = ?", ts).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateBatch
		}
		if err := tx.Create(&snap).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(rows, insertChunk).Error
	})
	// A concurrent writer can commit the same timestamp between the check
	// and the insert; the unique index reports it.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = ErrDuplicateBatch
	}
	if errors.Is(err, ErrDuplicateBatch) {
		return models.BatchSummary{}, errors.Wrapf(err, "collected_at %s", collectedAt.Format(time.RFC3339Nano))
	}
	if err != nil {
		return models.BatchSummary{}, unavailable("insert batch", err)
	}

	s.logger.Info("[store] Stored batch %s: %d records at %s",
		batchID, len(rows), collectedAt.Format(time.RFC3339))
	return models.BatchSummary{BatchID: batchID, CollectedAt: collectedAt, Inserted: len(rows)}, nil
}

// Stats returns store-wide counters.
func (s *PriceStore) Stats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&priceRow{}).Count(&stats.TotalRecords).Error; err != nil {
			return err
		}
		if err := tx.Model(&priceRow{}).Distinct("provider").Count(&stats.Providers).Error; err != nil {
			return err
		}
		if err := tx.Model(&priceRow{}).Distinct("gpu_type").Count(&stats.GPUTypes).Error; err != nil {
			return err
		}

		var first, last sql.NullInt64
		row := tx.Model(&priceRow{}).
			Select("COUNT(DISTINCT collected_at), MIN(collected_at), MAX(collected_at)").
			Row()
		if err := row.Scan(&stats.SnapshotCount, &first, &last); err != nil {
			return err
		}
		if first.Valid {
			t := fromMillis(first.Int64)
			stats.FirstSnapshot = &t
		}
		if last.Valid {
			t := fromMillis(last.Int64)
			stats.LastSnapshot = &t
		}
		return nil
	})
	if err != nil {
		return models.Stats{}, unavailable("stats", err)
	}
	return stats, nil
}

// LatestCollectedAt returns the timestamp of the newest batch. ok is false
// when the store holds no records.
func (s *PriceStore) LatestCollectedAt(ctx context.Context) (t time.Time, ok bool, err error) {
	var latest sql.NullInt64
	row := s.db.WithContext(ctx).Model(&priceRow{}).Select("MAX(collected_at)").Row()
	if err := row.Scan(&latest); err != nil {
		return time.Time{}, false, unavailable("latest snapshot", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(latest.Int64), true, nil
}

// LatestRecords returns every record of the newest batch in insertion order,
// or an empty slice when the store is empty.
func (s *PriceStore) LatestRecords(ctx context.Context) ([]models.PriceRecord, error) {
	var rows []priceRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest sql.NullInt64
		if err := tx.Model(&priceRow{}).Select("MAX(collected_at)").Row().Scan(&latest); err != nil {
			return err
		}
		if !latest.Valid {
			return nil
		}
		return tx.Where("collected_at = ?", latest.Int64).Order("id asc").Find(&rows).Error
	})
	if err != nil {
		return nil, unavailable("latest records", err)
	}
	return toRecords(rows), nil
}

// RecordsAt returns the records of the batch collected at t.
func (s *PriceStore) RecordsAt(ctx context.Context, t time.Time) ([]models.PriceRecord, error) {
	var rows []priceRow
	tx := s.db.WithContext(ctx).Where("collected_at = ?", toMillis(t)).Order("id asc").Find(&rows)
	if tx.Error != nil {
		return nil, unavailable("records at", tx.Error)
	}
	return toRecords(rows), nil
}

// RecordsBetween scans history ordered by collection time, then id.
func (s *PriceStore) RecordsBetween(ctx context.Context, f RecordFilter) ([]models.PriceRecord, error) {
	q := s.db.WithContext(ctx).Model(&priceRow{})
	if f.GPUType != "" {
		q = q.Where("gpu_type = ?", f.GPUType)
	}
	if !f.Since.IsZero() {
		q = q.Where("collected_at >= ?", toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		q = q.Where("collected_at <= ?", toMillis(f.Until))
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.InstanceType != "" {
		q = q.Where("instance_type = ?", f.InstanceType)
	}
	if f.Region != nil {
		q = q.Where("region = ?", *f.Region)
	}

	var rows []priceRow
	if err := q.Order("collected_at asc").Order("id asc").Find(&rows).Error; err != nil {
		return nil, unavailable("records between", err)
	}
	return toRecords(rows), nil
}

// Snapshots returns per-batch summaries collected at or after since, oldest first.
func (s *PriceStore) Snapshots(ctx context.Context, since time.Time) ([]models.SnapshotSummary, error) {
	var rows []snapshotRow
	q := s.db.WithContext(ctx)
	if !since.IsZero() {
		q = q.Where("collected_at >= ?", toMillis(since))
	}
	if err := q.Order("collected_at asc").Find(&rows).Error; err != nil {
		return nil, unavailable("snapshots", err)
	}

	out := make([]models.SnapshotSummary, len(rows))
	for i := range rows {
		out[i] = rows[i].summary()
	}
	return out, nil
}

// PruneBefore deletes every batch collected strictly before cutoff. Batches
// share one timestamp, so they are removed whole.
func (s *PriceStore) PruneBefore(ctx context.Context, cutoff time.Time) (models.PruneResult, error) {
	var result models.PruneResult
	ts := toMillis(cutoff)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("collected_at < ?", ts).Delete(&priceRow{})
		if res.Error != nil {
			return res.Error
		}
		result.Records = res.RowsAffected

		res = tx.Where("collected_at < ?", ts).Delete(&snapshotRow{})
		if res.Error != nil {
			return res.Error
		}
		result.Batches = res.RowsAffected
		return nil
	})
	if err != nil {
		return models.PruneResult{}, unavailable("prune", err)
	}

	s.logger.Info("[store] Pruned %d batches (%d records) older than %s",
		result.Batches, result.Records, cutoff.UTC().Format(time.RFC3339))
	return result, nil
}

// batchTimestamp returns the collection time shared by the records that set
// one. Records that leave it zero inherit it.
func batchTimestamp(records []models.PriceRecord) (time.Time, error) {
	var ts time.Time
	for i := range records {
		t := records[i].CollectedAt
		if t.IsZero() {
			continue
		}
		t = t.UTC().Truncate(time.Millisecond)
		if ts.IsZero() {
			ts = t
			continue
		}
		if !t.Equal(ts) {
			return time.Time{}, &ValidationError{
				Index:  i,
				Field:  "collected_at",
				Value:  records[i].CollectedAt,
				Reason: "records of one batch must share a collection time",
			}
		}
	}
	return ts, nil
}

func validateRecord(i int, r *models.PriceRecord) error {
	invalid := func(field string, value any, reason string) error {
		return &ValidationError{Index: i, Field: field, Value: value, Reason: reason}
	}

	switch {
	case strings.TrimSpace(r.Provider) == "":
		return invalid("provider", r.Provider, "must not be empty")
	case strings.TrimSpace(r.GPUType) == "":
		return invalid("gpu_type", r.GPUType, "must not be empty")
	case math.IsNaN(r.PricePerHour) || math.IsInf(r.PricePerHour, 0):
		return invalid("price_per_hour", r.PricePerHour, "must be a finite number")
	case r.PricePerHour < 0:
		return invalid("price_per_hour", r.PricePerHour, "must not be negative")
	case r.InstanceCount < 0:
		return invalid("instance_count", r.InstanceCount, "must not be negative")
	case r.GPUCount < 0:
		return invalid("gpu_count", r.GPUCount, "must not be negative")
	case r.GPUMemoryGB != nil && *r.GPUMemoryGB < 0:
		return invalid("gpu_memory_gb", *r.GPUMemoryGB, "must not be negative")
	case r.CPUCount != nil && *r.CPUCount < 0:
		return invalid("cpu_count", *r.CPUCount, "must not be negative")
	case r.RAMGB < 0 || math.IsNaN(r.RAMGB):
		return invalid("ram_gb", r.RAMGB, "must not be negative")
	}
	return nil
}

func summarize(records []models.PriceRecord, batchID string, ts int64) snapshotRow {
	providers := make(map[string]struct{})
	gpuTypes := make(map[string]struct{})
	total := decimal.Zero

	snap := snapshotRow{
		BatchID:      batchID,
		CollectedAt:  ts,
		TotalRecords: len(records),
		MinPrice:     records[0].PricePerHour,
		MaxPrice:     records[0].PricePerHour,
	}
	for i := range records {
		r := &records[i]
		providers[r.Provider] = struct{}{}
		gpuTypes[r.GPUType] = struct{}{}
		total = total.Add(decimal.NewFromFloat(r.PricePerHour))
		snap.MinPrice = math.Min(snap.MinPrice, r.PricePerHour)
		snap.MaxPrice = math.Max(snap.MaxPrice, r.PricePerHour)
	}
	snap.Providers = len(providers)
	snap.GPUTypes = len(gpuTypes)
	snap.AvgPrice = total.Div(decimal.NewFromInt(int64(len(records)))).Round(6).InexactFloat64()
	return snap
}

func toRecords(rows []priceRow) []models.PriceRecord {
	out := make([]models.PriceRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out
}
