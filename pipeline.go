package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"gpu-price-tracker/collector/catalog"
	"gpu-price-tracker/metrics"
	"gpu-price-tracker/models"
	"gpu-price-tracker/services"
	"gpu-price-tracker/storage"
)

// collect runs one collection: fetch, raw CSV, clean, store, mirror, prune.
func (a *app) collect(ctx context.Context, q catalog.Query) (models.BatchSummary, error) {
	if a.cfg.CollectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.CollectTimeout)*time.Second)
		defer cancel()
	}

	a.logger.Info("=== GPU price collection starting ===")
	a.logger.Info("Config — providers: %d | concurrency: %d | rate: %dms | retries: %d",
		len(a.cfg.Providers), a.cfg.MaxConcurrency, a.cfg.RateLimitMs, a.cfg.MaxRetries)

	raw, err := catalog.New(a.cfg, a.logger).Collect(ctx, q)
	if err != nil {
		return models.BatchSummary{}, err
	}
	if len(raw) == 0 {
		return models.BatchSummary{}, errors.New("catalog returned no offers")
	}

	if w, err := storage.NewCSVWriter(a.cfg.RawCSVPath); err != nil {
		a.logger.Warn("Failed to create raw CSV writer: %v", err)
	} else {
		a.writeRaw(w, raw)
	}

	records := services.NewCleaner(a.logger).Clean(raw)
	if len(records) == 0 {
		return models.BatchSummary{}, errors.New("all offers were dropped during cleaning")
	}

	summary, err := a.store.InsertBatch(ctx, records)
	if err != nil {
		return models.BatchSummary{}, err
	}
	metrics.ObserveBatch(summary.Inserted, summary.CollectedAt)
	a.logger.Info("Stored %d records at %s (batch %s)",
		summary.Inserted, summary.CollectedAt.Format(time.RFC3339), summary.BatchID)

	if a.cfg.PostgresDSN != "" {
		if m, err := storage.NewPostgresWriter(a.cfg.PostgresDSN); err != nil {
			a.logger.Error("Postgres mirror unavailable: %v", err)
		} else {
			a.mirror(ctx, m, summary)
		}
	}

	if a.cfg.RetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)
		res, err := a.store.PruneBefore(ctx, cutoff)
		if err != nil {
			a.logger.Warn("Retention prune failed: %v", err)
		} else if res.Batches > 0 {
			a.logger.Info("Pruned %d batches (%d records) older than %d days", res.Batches, res.Records, a.cfg.RetentionDays)
		}
	}
	return summary, nil
}

func (a *app) writeRaw(w storage.RawOfferWriter, raw []*models.RawOffer) {
	defer w.Close()

	if err := w.WriteRaw(raw); err != nil {
		a.logger.Warn("Raw CSV write failed: %v", err)
		return
	}
	a.logger.Info("Raw offers saved (%d rows)", len(raw))
}

// mirror copies the stored batch into Postgres. SQLite stays authoritative,
// so failures only log.
func (a *app) mirror(ctx context.Context, m storage.BatchMirror, summary models.BatchSummary) {
	defer m.Close()

	records, err := a.store.RecordsAt(ctx, summary.CollectedAt)
	if err != nil {
		a.logger.Error("Failed to read batch %s for mirror: %v", summary.BatchID, err)
		return
	}
	if err := m.WriteBatch(ctx, summary, records); err != nil {
		a.logger.Error("Postgres mirror write failed: %v", err)
		return
	}
	a.logger.Info("Mirrored %d records to PostgreSQL (table: gpu_prices)", len(records))
}

// saveReports writes text reports, the latest snapshot CSV and the workbook
// into a dated subdirectory of dir, returning that subdirectory.
func (a *app) saveReports(ctx context.Context, dir string, now time.Time) (string, error) {
	out := filepath.Join(dir, now.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(out, 0755); err != nil {
		return "", errors.Wrap(err, "create reports dir")
	}

	r := a.reporter(services.QueryOptions{})
	r.NoColor = true

	reports := []struct {
		file  string
		write func(*os.File) error
	}{
		{"summary.txt", func(f *os.File) error { return r.Summary(ctx, f, true) }},
		{"providers.txt", func(f *os.File) error { return r.Providers(ctx, f) }},
		{"best_deals.txt", func(f *os.File) error { return r.BestDeals(ctx, f, "", 50) }},
		{"availability.txt", func(f *os.File) error { return r.Availability(ctx, f) }},
		{"history.txt", func(f *os.File) error { return r.Snapshots(ctx, f, 30) }},
		{"latest_snapshot.csv", func(f *os.File) error {
			records, err := a.engine.LatestSnapshot(ctx)
			if err != nil {
				return err
			}
			return storage.WriteRecordsCSV(f, records)
		}},
	}

	for _, rep := range reports {
		path := filepath.Join(out, rep.file)
		if err := writeFile(path, rep.write); err != nil {
			return out, errors.Wrapf(err, "write %s", path)
		}
		a.logger.Info("[reports] Saved %s", path)
	}

	if err := services.NewWorkbookExporter(a.engine, a.logger).Export(ctx, filepath.Join(out, "gpu_prices.xlsx")); err != nil {
		return out, err
	}
	return out, nil
}

func (a *app) plot(ctx context.Context, dir string, top int, png bool) ([]string, error) {
	p := services.NewPlotter(a.engine, a.logger)
	p.TopN = top
	p.PNG = png
	p.ChromeBin = a.cfg.ChromeBin
	return p.Plot(ctx, dir)
}

func writeFile(path string, fn func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
