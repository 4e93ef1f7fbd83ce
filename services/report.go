package services

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gpu-price-tracker/models"
	"gpu-price-tracker/utils"
)

// providerColors mirrors the color each provider has always had in terminal
// reports. Every code is five bytes so tabwriter columns stay aligned.
var providerColors = map[string]string{
	"aws":        "\033[33m",
	"gcp":        "\033[34m",
	"azure":      "\033[36m",
	"lambda":     "\033[35m",
	"runpod":     "\033[32m",
	"vastai":     "\033[31m",
	"tensordock": "\033[95m",
	"datacrunch": "\033[94m",
	"cudo":       "\033[92m",
	"nebius":     "\033[93m",
}

const (
	colorReset  = "\033[0m"
	colorHeader = "\033[36m"
	colorWarn   = "\033[33m"
	colorGood   = "\033[32m"
	colorPlain  = "\033[37m"
)

// verboseDetailRows caps the per-GPU detail table in verbose summaries.
const verboseDetailRows = 10

// Reporter renders query results as terminal tables.
type Reporter struct {
	engine  *QueryEngine
	logger  *utils.Logger
	NoColor bool
	Opts    QueryOptions
}

// NewReporter creates a Reporter over the given engine.
func NewReporter(engine *QueryEngine, logger *utils.Logger) *Reporter {
	return &Reporter{engine: engine, logger: logger}
}

// Summary prints store counters and one row per GPU type of the latest
// snapshot. With verbose set, the cheapest offers of each type follow.
func (r *Reporter) Summary(ctx context.Context, w io.Writer, verbose bool) error {
	r.banner(w, "GPU Price & Availability Report")

	stats, err := r.engine.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.TotalRecords == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, "No data available. Run collection first."))
		return nil
	}

	fmt.Fprintf(w, "Last Updated: %s\n", r.paint(colorGood, formatTime(stats.LastSnapshot)))
	fmt.Fprintf(w, "Total Records: %d\n", stats.TotalRecords)
	fmt.Fprintf(w, "Providers: %d\n", stats.Providers)
	fmt.Fprintf(w, "GPU Types: %d\n\n", stats.GPUTypes)

	summary, err := r.engine.GPUSummary(ctx, r.Opts)
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, "No instances found in latest snapshot."))
		return nil
	}

	r.banner(w, "Prices by GPU Type")
	tw := newTable(w)
	fmt.Fprintln(tw, "GPU Type\tRecords\tInstances\tProviders\tMin $/hr\tMax $/hr\tAvg $/hr\tBest $/GPU/hr\t")
	for _, s := range summary {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t$%.3f\t$%.3f\t$%.3f\t$%.3f\t\n",
			s.GPUType, s.Records, s.TotalInstances, strings.Join(s.Providers, ", "),
			s.MinPrice, s.MaxPrice, s.AvgPrice, s.BestPricePerGPU)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !verbose {
		return nil
	}

	latest, err := r.engine.LatestSnapshot(ctx)
	if err != nil {
		return err
	}
	byGPU := make(map[string][]models.PriceRecord)
	for _, rec := range latest {
		if r.Opts.keep(&rec) {
			byGPU[rec.GPUType] = append(byGPU[rec.GPUType], rec)
		}
	}

	r.banner(w, "Detailed Pricing by GPU Type")
	for _, s := range summary {
		records := byGPU[s.GPUType]
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].PricePerHour < records[j].PricePerHour
		})

		fmt.Fprintf(w, "\n%s\n\n", r.paint(colorWarn, fmt.Sprintf("=== %s (%d offers) ===", s.GPUType, len(records))))
		shown := records
		if len(shown) > verboseDetailRows {
			shown = shown[:verboseDetailRows]
		}
		if err := r.offerTable(w, shown, false); err != nil {
			return err
		}
		if len(records) > verboseDetailRows {
			fmt.Fprintf(w, "\n  ... and %d more offers\n", len(records)-verboseDetailRows)
		}
	}
	return nil
}

// Providers prints one row per provider of the latest snapshot.
func (r *Reporter) Providers(ctx context.Context, w io.Writer) error {
	r.banner(w, "Prices by Provider")

	summary, err := r.engine.ProvidersSummary(ctx, r.Opts)
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, "No providers found."))
		return nil
	}

	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := newTable(w)
	fmt.Fprintln(tw, "Provider\tRecords\tInstances\tGPU Types\tMin $/hr\tMax $/hr\tAvg $/hr\t")
	for _, name := range names {
		p := summary[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t$%.3f\t$%.3f\t$%.3f\t\n",
			r.provider(name), p.Records, p.TotalInstances, p.GPUTypeCount, p.MinPrice, p.MaxPrice, p.AvgPrice)
	}
	return tw.Flush()
}

// BestDeals prints the cheapest offers of the latest snapshot.
func (r *Reporter) BestDeals(ctx context.Context, w io.Writer, gpuType string, limit int) error {
	r.banner(w, "Best Deals")
	if gpuType != "" {
		fmt.Fprintf(w, "GPU Type: %s\n\n", gpuType)
	}

	deals, err := r.engine.BestDeals(ctx, gpuType, limit, r.Opts)
	if err != nil {
		return err
	}
	if len(deals) == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, "No instances found."))
		return nil
	}
	return r.offerTable(w, deals, true)
}

// Availability prints available instances per region, largest first.
func (r *Reporter) Availability(ctx context.Context, w io.Writer) error {
	r.banner(w, "Availability by Region")

	byRegion, err := r.engine.AvailabilityByRegion(ctx, r.Opts)
	if err != nil {
		return err
	}
	if len(byRegion) == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, "No availability data."))
		return nil
	}

	type regionCount struct {
		region string
		count  int
	}
	regions := make([]regionCount, 0, len(byRegion))
	for region, count := range byRegion {
		regions = append(regions, regionCount{region, count})
	}
	sort.Slice(regions, func(i, j int) bool {
		if regions[i].count != regions[j].count {
			return regions[i].count > regions[j].count
		}
		return regions[i].region < regions[j].region
	})

	tw := newTable(w)
	fmt.Fprintln(tw, "Region\tInstances\t")
	for _, rc := range regions {
		fmt.Fprintf(tw, "%s\t%d\t\n", rc.region, rc.count)
	}
	return tw.Flush()
}

// Trend prints the daily price trend of one GPU type.
func (r *Reporter) Trend(ctx context.Context, w io.Writer, gpuType string, days int) error {
	r.banner(w, fmt.Sprintf("Price Trend: %s (last %d days)", gpuType, days))

	points, err := r.engine.Trend(ctx, gpuType, days, r.Opts)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, fmt.Sprintf("No data for %s in the last %d days.", gpuType, days)))
		return nil
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "Date\tRecords\tInstances\tMin $/hr\tAvg $/hr\tMax $/hr\t")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t%d\t%d\t$%.3f\t$%.3f\t$%.3f\t\n",
			p.Day.Format("2006-01-02"), p.Records, p.TotalInstances, p.MinPrice, p.AvgPrice, p.MaxPrice)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(points) > 1 {
		first, last := points[0].AvgPrice, points[len(points)-1].AvgPrice
		if first > 0 {
			fmt.Fprintf(w, "\nChange: %+.1f%% ($%.3f → $%.3f)\n", (last-first)/first*100, first, last)
		}
	}
	return nil
}

// Snapshots prints the collection history of the last days.
func (r *Reporter) Snapshots(ctx context.Context, w io.Writer, days int) error {
	r.banner(w, fmt.Sprintf("Collection History (last %d days)", days))

	snaps, err := r.engine.Snapshots(ctx, days)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, "No snapshots found."))
		return nil
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "Collected At\tRecords\tProviders\tGPU Types\tMin $/hr\tAvg $/hr\tMax $/hr\t")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t$%.3f\t$%.3f\t$%.3f\t\n",
			s.CollectedAt.Format("2006-01-02 15:04:05"), s.TotalRecords, s.Providers, s.GPUTypes,
			s.MinPrice, s.AvgPrice, s.MaxPrice)
	}
	return tw.Flush()
}

// InstanceHistory prints every observation of one instance configuration.
func (r *Reporter) InstanceHistory(ctx context.Context, w io.Writer, provider, instanceType, region string, days int) error {
	r.banner(w, fmt.Sprintf("Price History: %s %s %s", r.provider(provider), instanceType, region))

	points, err := r.engine.InstanceHistory(ctx, provider, instanceType, region, days)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		fmt.Fprintln(w, r.paint(colorWarn, "No observations found."))
		return nil
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "Collected At\t$/hr\tAvailable\t")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t$%.3f\t%d\t\n", p.CollectedAt.Format("2006-01-02 15:04:05"), p.PricePerHour, p.InstanceCount)
	}
	return tw.Flush()
}

// Stats prints store-wide counters.
func (r *Reporter) Stats(ctx context.Context, w io.Writer) error {
	r.banner(w, "Database Statistics")

	stats, err := r.engine.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Total records  : %d\n", stats.TotalRecords)
	fmt.Fprintf(w, "Snapshots      : %d\n", stats.SnapshotCount)
	fmt.Fprintf(w, "Providers      : %d\n", stats.Providers)
	fmt.Fprintf(w, "GPU types      : %d\n", stats.GPUTypes)
	fmt.Fprintf(w, "First snapshot : %s\n", formatTime(stats.FirstSnapshot))
	fmt.Fprintf(w, "Last snapshot  : %s\n", formatTime(stats.LastSnapshot))
	return nil
}

func (r *Reporter) offerTable(w io.Writer, records []models.PriceRecord, withGPU bool) error {
	tw := newTable(w)
	if withGPU {
		fmt.Fprintln(tw, "Provider\tInstance\tGPU\tGPUs\tvCPUs\tRAM (GB)\tRegion\tAvail\t$/hr\t$/GPU/hr\t")
	} else {
		fmt.Fprintln(tw, "Provider\tInstance\tGPUs\tvCPUs\tRAM (GB)\tRegion\tAvail\t$/hr\t$/GPU/hr\t")
	}
	for _, rec := range records {
		gpu := ""
		if withGPU {
			gpu = rec.GPUType + "\t"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s%d\t%s\t%.0f\t%s\t%d\t$%.3f\t$%.3f\t\n",
			r.provider(rec.Provider), rec.InstanceType, gpu, rec.GPUCount, optionalCount(rec.CPUCount),
			rec.RAMGB, rec.Region, rec.InstanceCount, rec.PricePerHour, rec.PricePerGPUHour())
	}
	return tw.Flush()
}

func (r *Reporter) banner(w io.Writer, title string) {
	sep := strings.Repeat("=", 80)
	fmt.Fprintf(w, "\n%s\n%s\n%s\n\n", r.paint(colorHeader, sep), r.paint(colorHeader, title), r.paint(colorHeader, sep))
}

func (r *Reporter) provider(name string) string {
	color, ok := providerColors[strings.ToLower(name)]
	if !ok {
		color = colorPlain
	}
	return r.paint(color, strings.ToUpper(name))
}

func (r *Reporter) paint(color, s string) string {
	if r.NoColor {
		return s
	}
	return color + s + colorReset
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func optionalCount(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
