package storage

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gpu-price-tracker/models"
)

func TestCSVWriterWriteRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "raw.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter: %v", err)
	}

	mem := 80.0
	avail := 4
	offers := []*models.RawOffer{
		{Provider: "aws", InstanceName: "p5.48xlarge", GPUName: "H100", GPUCount: 8, GPUMemory: &mem, Location: "us-east-1", Price: 98.32, Available: &avail, FetchedAt: time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)},
		{Provider: "vastai", GPUName: "", Price: 0.4},
	}
	if err := w.WriteRaw(offers); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows: got %d, want 3 (header + 2)", len(rows))
	}
	if rows[1][4] != "80" || rows[1][10] != "4" || rows[1][11] != "2026-10-17T10:00:00Z" {
		t.Errorf("unexpected first row: %v", rows[1])
	}
	if rows[2][4] != "" || rows[2][10] != "" {
		t.Errorf("missing optional values should be blank: %v", rows[2])
	}
}

func TestWriteRecordsCSV(t *testing.T) {
	var buf bytes.Buffer
	records := []models.PriceRecord{
		{ID: 7, Provider: "lambda", GPUType: "A100", GPUCount: 8, PricePerHour: 10.32, InstanceCount: 2},
	}
	if err := WriteRecordsCSV(&buf, records); err != nil {
		t.Fatalf("WriteRecordsCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: got %d, want 2", len(rows))
	}
	if rows[1][0] != "7" || rows[1][11] != "10.3200" || rows[1][12] != "1.2900" {
		t.Errorf("unexpected row: %v", rows[1])
	}
}
