package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"gpu-price-tracker/api"
	"gpu-price-tracker/collector/catalog"
	"gpu-price-tracker/services"
)

func collectCommand() *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Fetch current offers from the catalog and store them as one snapshot",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "min-gpu-memory", Usage: "Minimum GPU memory in GB"},
			&cli.Float64Flag{Name: "min-cpu", Usage: "Minimum number of vCPUs"},
			&cli.Float64Flag{Name: "max-price", Usage: "Maximum price per hour"},
			&cli.StringFlag{Name: "gpu-name", Usage: "GPU name filter (e.g. A100, H100)"},
			&cli.StringFlag{Name: "provider", Usage: "Collect a single provider"},
			&cli.BoolFlag{Name: "stats", Usage: "Print database statistics after collecting"},
		},
		Action: withApp(runCollect),
	}
}

func runCollect(c *cli.Context, a *app) error {
	ctx := c.Context
	summary, err := a.collect(ctx, catalog.Query{
		MinGPUMemory: c.Float64("min-gpu-memory"),
		MinCPU:       c.Float64("min-cpu"),
		MaxPrice:     c.Float64("max-price"),
		GPUName:      c.String("gpu-name"),
		Provider:     c.String("provider"),
	})
	if err != nil {
		return errors.Wrap(err, "collect")
	}

	fmt.Printf("Collected %d records at %s\n", summary.Inserted, summary.CollectedAt.Format(time.RFC3339))
	if c.Bool("stats") {
		return a.reporter(services.QueryOptions{}).Stats(ctx, os.Stdout)
	}
	return nil
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print reports for the latest snapshot",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "summary", Usage: "Summary by GPU type (default)"},
			&cli.BoolFlag{Name: "providers", Usage: "Summary by provider"},
			&cli.BoolFlag{Name: "best-deals", Usage: "Cheapest offers"},
			&cli.BoolFlag{Name: "availability", Usage: "Available instances by region"},
			&cli.BoolFlag{Name: "all", Usage: "Every report"},
			&cli.StringFlag{Name: "gpu-type", Usage: "GPU type filter for best deals"},
			&cli.IntFlag{Name: "limit", Value: 10, Usage: "Number of best deals"},
			&cli.BoolFlag{Name: "include-unknown", Usage: "Include offers with unknown GPU type"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Detailed pricing per GPU type"},
		},
		Action: withApp(runReport),
	}
}

func runReport(c *cli.Context, a *app) error {
	ctx := c.Context
	r := a.reporter(services.QueryOptions{IncludeUnknown: c.Bool("include-unknown")})

	all := c.Bool("all")
	summary := c.Bool("summary")
	if !all && !summary && !c.Bool("providers") && !c.Bool("best-deals") && !c.Bool("availability") {
		summary = true
	}

	if all || summary {
		if err := r.Summary(ctx, os.Stdout, c.Bool("verbose")); err != nil {
			return err
		}
	}
	if all || c.Bool("providers") {
		if err := r.Providers(ctx, os.Stdout); err != nil {
			return err
		}
	}
	if all || c.Bool("best-deals") {
		if err := r.BestDeals(ctx, os.Stdout, c.String("gpu-type"), c.Int("limit")); err != nil {
			return err
		}
	}
	if all || c.Bool("availability") {
		if err := r.Availability(ctx, os.Stdout); err != nil {
			return err
		}
	}
	return nil
}

func bestDealsCommand() *cli.Command {
	return &cli.Command{
		Name:      "best-deals",
		Usage:     "Show the cheapest offers in the latest snapshot",
		ArgsUsage: "[gpu-type]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 10, Usage: "Number of deals"},
			&cli.StringFlag{Name: "provider", Usage: "Restrict to one provider"},
			&cli.BoolFlag{Name: "include-unknown", Usage: "Include offers with unknown GPU type"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			r := a.reporter(services.QueryOptions{
				IncludeUnknown: c.Bool("include-unknown"),
				Provider:       c.String("provider"),
			})
			return r.BestDeals(c.Context, os.Stdout, c.Args().First(), c.Int("limit"))
		}),
	}
}

func trendsCommand() *cli.Command {
	return &cli.Command{
		Name:  "trends",
		Usage: "Show the daily price trend of one GPU type",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "gpu-type", Required: true, Usage: "GPU type (e.g. H100)"},
			&cli.IntFlag{Name: "days", Value: 30, Usage: "Window in days"},
			&cli.StringFlag{Name: "provider", Usage: "Restrict to one provider"},
			&cli.BoolFlag{Name: "include-unknown", Usage: "Include offers with unknown GPU type"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			r := a.reporter(services.QueryOptions{
				IncludeUnknown: c.Bool("include-unknown"),
				Provider:       c.String("provider"),
			})
			return r.Trend(c.Context, os.Stdout, c.String("gpu-type"), c.Int("days"))
		}),
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show database statistics, collection history or one instance's prices",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "stats", Usage: "Database statistics (default)"},
			&cli.BoolFlag{Name: "snapshots", Usage: "List collection snapshots"},
			&cli.IntFlag{Name: "days", Value: 30, Usage: "Window in days"},
			&cli.StringFlag{Name: "provider", Usage: "Provider of the instance to trace"},
			&cli.StringFlag{Name: "instance-type", Usage: "Instance type to trace"},
			&cli.StringFlag{Name: "region", Usage: "Region of the instance to trace"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			ctx := c.Context
			r := a.reporter(services.QueryOptions{})
			switch {
			case c.String("instance-type") != "":
				return r.InstanceHistory(ctx, os.Stdout, c.String("provider"), c.String("instance-type"), c.String("region"), c.Int("days"))
			case c.Bool("snapshots"):
				return r.Snapshots(ctx, os.Stdout, c.Int("days"))
			default:
				return r.Stats(ctx, os.Stdout)
			}
		}),
	}
}

func saveReportsCommand() *cli.Command {
	return &cli.Command{
		Name:  "save-reports",
		Usage: "Write text reports, CSV and an xlsx workbook into a dated directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Reports root directory (default REPORTS_DIR)"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			dir := c.String("dir")
			if dir == "" {
				dir = a.cfg.ReportsDir
			}
			out, err := a.saveReports(c.Context, dir, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Reports saved to %s\n", out)
			return nil
		}),
	}
}

func plotCommand() *cli.Command {
	return &cli.Command{
		Name:  "plot",
		Usage: "Render price and availability charts for the latest snapshot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Output directory (default FIGURES_DIR)"},
			&cli.IntFlag{Name: "top", Value: 25, Usage: "Number of GPU types to chart"},
			&cli.BoolFlag{Name: "png", Usage: "Also rasterize charts to PNG with headless Chrome"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			dir := c.String("dir")
			if dir == "" {
				dir = a.cfg.FiguresDir
			}
			files, err := a.plot(c.Context, dir, c.Int("top"), c.Bool("png"))
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Println(f)
			}
			return nil
		}),
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete snapshots older than a number of days",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "older-than-days", Required: true, Usage: "Retention in days"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			days := c.Int("older-than-days")
			if days <= 0 {
				return errors.New("--older-than-days must be positive")
			}
			res, err := a.store.PruneBefore(c.Context, time.Now().UTC().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d snapshots (%d records)\n", res.Batches, res.Records)
			return nil
		}),
	}
}

func dailyUpdateCommand() *cli.Command {
	return &cli.Command{
		Name:  "daily-update",
		Usage: "Collect, save reports and render charts in one run",
		Action: withApp(func(c *cli.Context, a *app) error {
			ctx := c.Context
			if _, err := a.collect(ctx, catalog.Query{}); err != nil {
				return errors.Wrap(err, "daily update collect")
			}
			out, err := a.saveReports(ctx, a.cfg.ReportsDir, time.Now())
			if err != nil {
				return errors.Wrap(err, "daily update reports")
			}
			if _, err := a.plot(ctx, a.cfg.FiguresDir, 25, false); err != nil {
				return errors.Wrap(err, "daily update plots")
			}
			a.logger.Info("Daily update complete — reports in %s, charts in %s", out, a.cfg.FiguresDir)
			return nil
		}),
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the JSON query API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default API_ADDR)"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			addr := c.String("addr")
			if addr == "" {
				addr = a.cfg.APIAddr
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return api.Serve(ctx, addr, a.engine, a.logger)
		}),
	}
}

func setupCommand() *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Write systemd service/timer units for the daily update and print the cron line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: "deploy", Usage: "Directory for the generated unit files"},
			&cli.StringFlag{Name: "schedule", Value: "06:00", Usage: "Daily run time (HH:MM, UTC)"},
		},
		Action: func(c *cli.Context) error {
			exe, err := os.Executable()
			if err != nil {
				return errors.Wrap(err, "locate executable")
			}
			workDir, err := os.Getwd()
			if err != nil {
				return errors.Wrap(err, "working directory")
			}

			s, err := newSchedule(c.String("schedule"), exe, workDir)
			if err != nil {
				return err
			}
			files, err := s.writeUnits(c.String("dir"))
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Printf("Wrote %s\n", f)
			}
			fmt.Println("\nInstall with:")
			fmt.Printf("  sudo cp %s/%s.* /etc/systemd/system/\n", c.String("dir"), unitName)
			fmt.Printf("  sudo systemctl daemon-reload && sudo systemctl enable --now %s.timer\n", unitName)
			fmt.Println("\nOr add these lines with crontab -e:")
			for _, line := range s.cronLines() {
				fmt.Printf("  %s\n", line)
			}
			return nil
		},
	}
}
