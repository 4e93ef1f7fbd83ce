package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"gpu-price-tracker/models"
)

// postgresColumns is the column order of the mirrored gpu_prices table.
const postgresColumns = 14

// PostgresWriter mirrors stored batches into PostgreSQL for shared dashboards.
// The SQLite price store stays the source of truth.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresWriter.
func NewPostgresWriter(dsn string) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, unavailable("postgres open", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		_ = db.Close()
		return nil, unavailable("postgres ping", err)
	}

	pw := NewPostgresWriterFromDB(db)
	if err := pw.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return pw, nil
}

// NewPostgresWriterFromDB wraps an existing *sql.DB without migrating.
func NewPostgresWriterFromDB(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// Migrate creates the mirror table and its indexes.
func (pw *PostgresWriter) Migrate(ctx context.Context) error {
	_, err := pw.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gpu_prices (
			id             BIGINT        PRIMARY KEY,
			batch_id       UUID          NOT NULL,
			collected_at   TIMESTAMPTZ   NOT NULL,
			provider       VARCHAR(64)   NOT NULL,
			instance_type  TEXT          NOT NULL DEFAULT '',
			gpu_type       VARCHAR(128)  NOT NULL,
			gpu_count      INTEGER       NOT NULL DEFAULT 0,
			gpu_memory_gb  INTEGER,
			cpu_count      INTEGER,
			ram_gb         NUMERIC(10,2) NOT NULL DEFAULT 0,
			region         TEXT          NOT NULL DEFAULT '',
			price_per_hour NUMERIC(12,4) NOT NULL,
			instance_count INTEGER       NOT NULL,
			spot           BOOLEAN       NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_gpu_prices_collected_at  ON gpu_prices(collected_at);
		CREATE INDEX IF NOT EXISTS idx_gpu_prices_gpu_collected ON gpu_prices(gpu_type, collected_at);
	`)
	if err != nil {
		return unavailable("postgres migrate", err)
	}
	return nil
}

// WriteBatch copies one committed batch in a single transaction. Rows that
// already exist (same id) are skipped so a replayed batch is harmless.
func (pw *PostgresWriter) WriteBatch(ctx context.Context, summary models.BatchSummary, records []models.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("postgres begin", err)
	}

	const batchSize = 50
	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := insertMirrorRows(ctx, tx, summary, records[i:end]); err != nil {
			_ = tx.Rollback()
			return unavailable("postgres insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("postgres commit", err)
	}
	return nil
}

func insertMirrorRows(ctx context.Context, tx *sql.Tx, summary models.BatchSummary, batch []models.PriceRecord) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*postgresColumns)

	for idx, r := range batch {
		base := idx * postgresColumns
		placeholders := make([]string, postgresColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ",")+")")
		valueArgs = append(valueArgs,
			r.ID, summary.BatchID, summary.CollectedAt, r.Provider, r.InstanceType, r.GPUType,
			r.GPUCount, r.GPUMemoryGB, r.CPUCount, r.RAMGB, r.Region, r.PricePerHour,
			r.InstanceCount, r.Spot)
	}

	query := fmt.Sprintf(`
		INSERT INTO gpu_prices (id, batch_id, collected_at, provider, instance_type, gpu_type,
			gpu_count, gpu_memory_gb, cpu_count, ram_gb, region, price_per_hour, instance_count, spot)
		VALUES %s
		ON CONFLICT (id) DO NOTHING
	`, strings.Join(valueStrings, ","))

	_, err := tx.ExecContext(ctx, query, valueArgs...)
	return errors.Wrap(err, "insert mirror rows")
}

// Close closes the underlying connection pool.
func (pw *PostgresWriter) Close() error {
	return pw.db.Close()
}
