package services

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	"gpu-price-tracker/models"
	"gpu-price-tracker/utils"
)

const (
	chartWidth  = 1000
	chartMargin = 150
	barHeight   = 24
	barGap      = 6
	chartTop    = 70
)

// Chart file names written by Plotter.Plot.
const (
	ChartAvgPrices      = "gpu_avg_prices"
	ChartInstanceCounts = "gpu_instance_counts"
	ChartPriceVsAvail   = "gpu_price_vs_availability"
)

var svgTemplates = template.Must(template.New("charts").Parse(`
{{define "bars"}}<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="{{.Height}}" font-family="sans-serif" font-size="12">
<rect width="100%" height="100%" fill="white"/>
<text x="{{.CenterX}}" y="28" text-anchor="middle" font-size="16" font-weight="bold">{{.Title}}</text>
<text x="{{.CenterX}}" y="48" text-anchor="middle" fill="#555">{{.Subtitle}}</text>
{{range .Bars}}<text x="{{.LabelX}}" y="{{.TextY}}" text-anchor="end">{{html .Label}}</text>
<rect x="{{.X}}" y="{{.Y}}" width="{{printf "%.1f" .W}}" height="{{.H}}" fill="{{.Fill}}"/>
<text x="{{printf "%.1f" .ValueX}}" y="{{.TextY}}">{{html .Value}}</text>
{{end}}<text x="{{.CenterX}}" y="{{.AxisY}}" text-anchor="middle" font-weight="bold">{{.XLabel}}</text>
</svg>
{{end}}
{{define "scatter"}}<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="{{.Height}}" font-family="sans-serif" font-size="12">
<rect width="100%" height="100%" fill="white"/>
<text x="{{.CenterX}}" y="28" text-anchor="middle" font-size="16" font-weight="bold">{{.Title}}</text>
<text x="{{.CenterX}}" y="48" text-anchor="middle" fill="#555">{{.Subtitle}}</text>
<line x1="{{.Left}}" y1="{{.Bottom}}" x2="{{.Right}}" y2="{{.Bottom}}" stroke="black"/>
<line x1="{{.Left}}" y1="{{.Top}}" x2="{{.Left}}" y2="{{.Bottom}}" stroke="black"/>
{{range .Points}}<circle cx="{{printf "%.1f" .X}}" cy="{{printf "%.1f" .Y}}" r="{{printf "%.1f" .R}}" fill="{{.Fill}}" fill-opacity="0.6" stroke="black"/>
<text x="{{printf "%.1f" .X}}" y="{{printf "%.1f" .LabelY}}" text-anchor="middle">{{html .Label}}</text>
{{end}}<text x="{{.CenterX}}" y="{{.AxisY}}" text-anchor="middle" font-weight="bold">{{.XLabel}}</text>
<text x="20" y="{{.MidY}}" text-anchor="middle" font-weight="bold" transform="rotate(-90 20 {{.MidY}})">{{.YLabel}}</text>
</svg>
{{end}}`))

type barChart struct {
	Title, Subtitle, XLabel string
	Width, Height           int
	CenterX, AxisY          int
	Bars                    []bar
}

type bar struct {
	Label, Value, Fill string
	LabelX, X, Y, H    int
	TextY              int
	W, ValueX          float64
}

type scatterChart struct {
	Title, Subtitle, XLabel, YLabel string
	Width, Height                   int
	CenterX, AxisY, MidY            int
	Left, Right, Top, Bottom        int
	Points                          []scatterPoint
}

type scatterPoint struct {
	Label, Fill string
	X, Y, R     float64
	LabelY      float64
}

// Plotter renders the latest snapshot's per-GPU summary as SVG charts and,
// when PNG is set, rasterizes them with headless Chrome.
type Plotter struct {
	engine    *QueryEngine
	logger    *utils.Logger
	TopN      int
	PNG       bool
	ChromeBin string
	Opts      QueryOptions
}

// NewPlotter creates a Plotter showing the 25 GPU types with most instances.
func NewPlotter(engine *QueryEngine, logger *utils.Logger) *Plotter {
	return &Plotter{engine: engine, logger: logger, TopN: 25}
}

// Plot writes the three charts into dir and returns the written file paths.
// An empty snapshot writes nothing.
func (p *Plotter) Plot(ctx context.Context, dir string) ([]string, error) {
	summary, err := p.engine.GPUSummary(ctx, p.Opts)
	if err != nil {
		return nil, err
	}
	if len(summary) == 0 {
		p.logger.Warn("[plot] No data in latest snapshot, skipping charts")
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create figures dir")
	}

	top := topByInstances(summary, p.TopN)
	charts := []struct {
		name string
		tmpl string
		data interface{}
	}{
		{ChartAvgPrices, "bars", avgPriceChart(top)},
		{ChartInstanceCounts, "bars", instanceCountChart(top)},
		{ChartPriceVsAvail, "scatter", priceVsAvailabilityChart(top)},
	}

	var written []string
	for _, c := range charts {
		var buf bytes.Buffer
		if err := svgTemplates.ExecuteTemplate(&buf, c.tmpl, c.data); err != nil {
			return written, errors.Wrapf(err, "render %s", c.name)
		}
		path := filepath.Join(dir, c.name+".svg")
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return written, errors.Wrapf(err, "write %s", path)
		}
		written = append(written, path)
		p.logger.Info("[plot] Saved %s", path)
	}

	if p.PNG {
		pngs, err := p.rasterize(ctx, written)
		if err != nil {
			return written, err
		}
		written = append(written, pngs...)
	}
	return written, nil
}

// rasterize screenshots each SVG in one headless browser.
func (p *Plotter) rasterize(ctx context.Context, svgs []string) ([]string, error) {
	chromeBin := p.ChromeBin
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	p.logger.Info("[plot] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()

	var written []string
	for _, svg := range svgs {
		abs, err := filepath.Abs(svg)
		if err != nil {
			return written, errors.Wrapf(err, "resolve %s", svg)
		}

		tabCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
		var shot []byte
		err = chromedp.Run(tabCtx,
			chromedp.EmulateViewport(chartWidth, 600),
			chromedp.Navigate("file://"+abs),
			chromedp.FullScreenshot(&shot, 100),
		)
		cancel()
		if err != nil {
			return written, errors.Wrapf(err, "rasterize %s", svg)
		}

		out := strings.TrimSuffix(svg, ".svg") + ".png"
		if err := os.WriteFile(out, shot, 0644); err != nil {
			return written, errors.Wrapf(err, "write %s", out)
		}
		written = append(written, out)
		p.logger.Info("[plot] Saved %s", out)
	}
	return written, nil
}

// topByInstances keeps the n GPU types with most available instances.
func topByInstances(summary []models.GPUTypeSummary, n int) []models.GPUTypeSummary {
	sorted := make([]models.GPUTypeSummary, len(summary))
	copy(sorted, summary)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TotalInstances != sorted[j].TotalInstances {
			return sorted[i].TotalInstances > sorted[j].TotalInstances
		}
		return sorted[i].GPUType < sorted[j].GPUType
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func avgPriceChart(top []models.GPUTypeSummary) barChart {
	sorted := make([]models.GPUTypeSummary, len(top))
	copy(sorted, top)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AvgPricePerGPU < sorted[j].AvgPricePerGPU })

	maxPrice := 0.0
	for _, s := range sorted {
		maxPrice = math.Max(maxPrice, s.AvgPricePerGPU)
	}

	chart := newBarChart(len(sorted),
		fmt.Sprintf("Average GPU Pricing - Top %d GPU Types by Instance Count", len(sorted)),
		"Average Price per GPU ($/hour)")
	for i, s := range sorted {
		chart.Bars = append(chart.Bars, newBar(i, s.GPUType, fmt.Sprintf("$%.3f", s.AvgPricePerGPU),
			s.AvgPricePerGPU, maxPrice, priceFill(s.AvgPricePerGPU, maxPrice)))
	}
	return chart
}

func instanceCountChart(top []models.GPUTypeSummary) barChart {
	maxCount := 0.0
	for _, s := range top {
		maxCount = math.Max(maxCount, float64(s.TotalInstances))
	}

	chart := newBarChart(len(top),
		fmt.Sprintf("GPU Instance Availability - Top %d GPU Types", len(top)),
		"Number of Instances")
	for i, s := range top {
		chart.Bars = append(chart.Bars, newBar(i, s.GPUType,
			fmt.Sprintf("%d (%d providers)", s.TotalInstances, len(s.Providers)),
			float64(s.TotalInstances), maxCount, "#3b7dd8"))
	}
	return chart
}

func priceVsAvailabilityChart(top []models.GPUTypeSummary) scatterChart {
	const width, height = chartWidth, 600
	const left, right, topY, bottom = 80, width - 40, chartTop, height - 70

	maxPrice, maxInstances, maxRecords := 0.0, 0.0, 0.0
	for _, s := range top {
		maxPrice = math.Max(maxPrice, s.AvgPricePerGPU)
		maxInstances = math.Max(maxInstances, float64(s.TotalInstances))
		maxRecords = math.Max(maxRecords, float64(s.Records))
	}

	chart := scatterChart{
		Title:    "GPU Price vs Availability",
		Subtitle: "bubble size = offer count",
		XLabel:   "Average Price per GPU ($/hour)",
		YLabel:   "Available Instances",
		Width:    width,
		Height:   height,
		CenterX:  width / 2,
		AxisY:    height - 25,
		MidY:     height / 2,
		Left:     left,
		Right:    right,
		Top:      topY,
		Bottom:   bottom,
	}
	for _, s := range top {
		x := float64(left) + scale(s.AvgPricePerGPU, maxPrice)*float64(right-left)
		y := float64(bottom) - scale(float64(s.TotalInstances), maxInstances)*float64(bottom-topY)
		r := 4 + 16*scale(float64(s.Records), maxRecords)
		chart.Points = append(chart.Points, scatterPoint{
			Label:  s.GPUType,
			Fill:   priceFill(s.AvgPricePerGPU, maxPrice),
			X:      x,
			Y:      y,
			R:      r,
			LabelY: y - r - 4,
		})
	}
	return chart
}

func newBarChart(n int, title, xLabel string) barChart {
	height := chartTop + n*(barHeight+barGap) + 60
	return barChart{
		Title:    title,
		Subtitle: time.Now().UTC().Format("2006-01-02"),
		XLabel:   xLabel,
		Width:    chartWidth,
		Height:   height,
		CenterX:  chartWidth / 2,
		AxisY:    height - 20,
	}
}

func newBar(i int, label, value string, v, max float64, fill string) bar {
	y := chartTop + i*(barHeight+barGap)
	w := scale(v, max) * float64(chartWidth-2*chartMargin)
	return bar{
		Label:  label,
		Value:  value,
		Fill:   fill,
		LabelX: chartMargin - 8,
		X:      chartMargin,
		Y:      y,
		H:      barHeight,
		TextY:  y + barHeight/2 + 4,
		W:      w,
		ValueX: float64(chartMargin) + w + 6,
	}
}

func scale(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

// priceFill runs green to red as the price approaches the maximum.
func priceFill(v, max float64) string {
	t := scale(v, max)
	return fmt.Sprintf("#%02x%02x40", int(60+180*t), int(200-140*t))
}

// findChromeBinary locates a Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
