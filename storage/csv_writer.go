package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gpu-price-tracker/models"
)

var rawOfferHeader = []string{
	"provider", "instance_name", "gpu_name", "gpu_count", "gpu_memory", "cpu",
	"memory", "location", "price", "spot", "available", "fetched_at",
}

var recordHeader = []string{
	"id", "batch_id", "collected_at", "provider", "instance_type", "gpu_type",
	"gpu_count", "gpu_memory_gb", "cpu_count", "ram_gb", "region",
	"price_per_hour", "price_per_gpu_hour", "instance_count", "spot",
}

// CSVWriter writes raw (unnormalized) catalog offers to a CSV file.
// It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := createFile(path)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write(rawOfferHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVWriter{file: f, writer: w}, nil
}

// WriteRaw appends raw offers to the CSV file.
func (c *CSVWriter) WriteRaw(offers []*models.RawOffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, o := range offers {
		row := []string{
			o.Provider,
			o.InstanceName,
			o.GPUName,
			strconv.Itoa(o.GPUCount),
			optionalFloat(o.GPUMemory),
			optionalFloat(o.CPU),
			strconv.FormatFloat(o.Memory, 'f', -1, 64),
			o.Location,
			strconv.FormatFloat(o.Price, 'f', -1, 64),
			strconv.FormatBool(o.Spot),
			optionalInt(o.Available),
			o.FetchedAt.UTC().Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}

// WriteRecordsCSV writes stored price records, header first.
func WriteRecordsCSV(out io.Writer, records []models.PriceRecord) error {
	w := csv.NewWriter(out)
	if err := w.Write(recordHeader); err != nil {
		return fmt.Errorf("csv: write header: %w", err)
	}
	for i := range records {
		r := &records[i]
		row := []string{
			strconv.FormatUint(r.ID, 10),
			r.BatchID,
			r.CollectedAt.UTC().Format(time.RFC3339),
			r.Provider,
			r.InstanceType,
			r.GPUType,
			strconv.Itoa(r.GPUCount),
			optionalInt(r.GPUMemoryGB),
			optionalInt(r.CPUCount),
			strconv.FormatFloat(r.RAMGB, 'f', -1, 64),
			r.Region,
			strconv.FormatFloat(r.PricePerHour, 'f', 4, 64),
			strconv.FormatFloat(r.PricePerGPUHour(), 'f', 4, 64),
			strconv.Itoa(r.InstanceCount),
			strconv.FormatBool(r.Spot),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}
	return f, nil
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
