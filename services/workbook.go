package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"gpu-price-tracker/utils"
)

const (
	sheetSummary      = "Summary"
	sheetProviders    = "Providers"
	sheetBestDeals    = "BestDeals"
	sheetAvailability = "Availability"
)

// WorkbookExporter writes the latest snapshot as an xlsx workbook, one sheet
// per report with a chart beside each table.
type WorkbookExporter struct {
	engine    *QueryEngine
	logger    *utils.Logger
	Opts      QueryOptions
	DealLimit int
}

// NewWorkbookExporter creates an exporter over the given engine.
func NewWorkbookExporter(engine *QueryEngine, logger *utils.Logger) *WorkbookExporter {
	return &WorkbookExporter{engine: engine, logger: logger, DealLimit: 25}
}

// Export builds the workbook and saves it to path.
func (x *WorkbookExporter) Export(ctx context.Context, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"DCE6F1"}, Pattern: 1},
	})
	if err != nil {
		return errors.Wrap(err, "create header style")
	}

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return errors.Wrap(err, "rename default sheet")
	}
	for _, name := range []string{sheetProviders, sheetBestDeals, sheetAvailability} {
		if _, err := f.NewSheet(name); err != nil {
			return errors.Wrapf(err, "create sheet %s", name)
		}
	}

	steps := []struct {
		name string
		fn   func(context.Context, *excelize.File, int) error
	}{
		{sheetSummary, x.writeSummary},
		{sheetProviders, x.writeProviders},
		{sheetBestDeals, x.writeBestDeals},
		{sheetAvailability, x.writeAvailability},
	}
	for _, s := range steps {
		if err := s.fn(ctx, f, header); err != nil {
			return errors.Wrapf(err, "write %s sheet", s.name)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create workbook dir")
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "save workbook %s", path)
	}
	x.logger.Info("[workbook] Saved %s", path)
	return nil
}

func (x *WorkbookExporter) writeSummary(ctx context.Context, f *excelize.File, header int) error {
	summary, err := x.engine.GPUSummary(ctx, x.Opts)
	if err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(summary))
	for _, s := range summary {
		rows = append(rows, []interface{}{
			s.GPUType, s.Records, s.TotalInstances, strings.Join(s.Providers, ", "),
			s.MinPrice, s.MaxPrice, s.AvgPrice, s.BestPricePerGPU,
		})
	}
	headers := []interface{}{"GPU Type", "Records", "Instances", "Providers", "Min $/hr", "Max $/hr", "Avg $/hr", "Best $/GPU/hr"}
	if err := writeTable(f, sheetSummary, header, headers, rows); err != nil {
		return err
	}
	return addChart(f, sheetSummary, "J2", excelize.Col, "Average $/hr", "A", "G", len(rows))
}

func (x *WorkbookExporter) writeProviders(ctx context.Context, f *excelize.File, header int) error {
	summary, err := x.engine.ProvidersSummary(ctx, x.Opts)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]interface{}, 0, len(names))
	for _, name := range names {
		p := summary[name]
		rows = append(rows, []interface{}{name, p.Records, p.TotalInstances, p.GPUTypeCount, p.MinPrice, p.MaxPrice, p.AvgPrice})
	}
	headers := []interface{}{"Provider", "Records", "Instances", "GPU Types", "Min $/hr", "Max $/hr", "Avg $/hr"}
	if err := writeTable(f, sheetProviders, header, headers, rows); err != nil {
		return err
	}
	return addChart(f, sheetProviders, "I2", excelize.Col, "Available instances", "A", "C", len(rows))
}

func (x *WorkbookExporter) writeBestDeals(ctx context.Context, f *excelize.File, header int) error {
	deals, err := x.engine.BestDeals(ctx, "", x.DealLimit, x.Opts)
	if err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(deals))
	for _, d := range deals {
		rows = append(rows, []interface{}{
			d.Provider, d.InstanceType, d.GPUType, d.GPUCount, d.Region, d.Spot,
			d.InstanceCount, d.PricePerHour, d.PricePerGPUHour(),
		})
	}
	headers := []interface{}{"Provider", "Instance", "GPU", "GPUs", "Region", "Spot", "Available", "$/hr", "$/GPU/hr"}
	if err := writeTable(f, sheetBestDeals, header, headers, rows); err != nil {
		return err
	}
	return addChart(f, sheetBestDeals, "K2", excelize.Scatter, "Price vs availability", "G", "H", len(rows))
}

func (x *WorkbookExporter) writeAvailability(ctx context.Context, f *excelize.File, header int) error {
	byRegion, err := x.engine.AvailabilityByRegion(ctx, x.Opts)
	if err != nil {
		return err
	}

	regions := make([]string, 0, len(byRegion))
	for region := range byRegion {
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool {
		if byRegion[regions[i]] != byRegion[regions[j]] {
			return byRegion[regions[i]] > byRegion[regions[j]]
		}
		return regions[i] < regions[j]
	})

	rows := make([][]interface{}, 0, len(regions))
	for _, region := range regions {
		rows = append(rows, []interface{}{region, byRegion[region]})
	}
	if err := writeTable(f, sheetAvailability, header, []interface{}{"Region", "Instances"}, rows); err != nil {
		return err
	}
	return addChart(f, sheetAvailability, "D2", excelize.Col, "Instances by region", "A", "B", len(rows))
}

func writeTable(f *excelize.File, sheet string, header int, headers []interface{}, rows [][]interface{}) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, header); err != nil {
		return err
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return err
		}
	}
	last, err := excelize.ColumnNumberToName(len(headers))
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", last, 14)
}

// addChart plots valueCol against categoryCol for rows 2..n+1. Empty tables
// get no chart.
func addChart(f *excelize.File, sheet, anchor string, kind excelize.ChartType, name, categoryCol, valueCol string, n int) error {
	if n == 0 {
		return nil
	}
	ref := func(col string) string {
		return fmt.Sprintf("%s!$%s$2:$%s$%d", sheet, col, col, n+1)
	}
	return f.AddChart(sheet, anchor, &excelize.Chart{
		Type: kind,
		Series: []excelize.ChartSeries{{
			Name:       name,
			Categories: ref(categoryCol),
			Values:     ref(valueCol),
		}},
		Legend:    excelize.ChartLegend{Position: "bottom"},
		Dimension: excelize.ChartDimension{Width: 640, Height: 360},
	})
}
