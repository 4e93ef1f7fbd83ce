// gpu-price-tracker collects GPU cloud offers into a local price history and
// answers questions about it.
//
// Usage:
//
//	gpu-price-tracker collect --gpu-name H100 --stats
//	gpu-price-tracker report --all -v
//	gpu-price-tracker trends --gpu-type H100 --days 30
//	gpu-price-tracker serve --addr :8080
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"gpu-price-tracker/config"
	"gpu-price-tracker/services"
	"gpu-price-tracker/storage"
	"gpu-price-tracker/utils"
)

var version = "dev"

// app is the state shared by every command: config, logger and the open store.
type app struct {
	cfg     *config.Config
	logger  *utils.Logger
	store   *storage.PriceStore
	engine  *services.QueryEngine
	noColor bool
}

func main() {
	cliApp := &cli.App{
		Name:    "gpu-price-tracker",
		Usage:   "Track GPU cloud prices and availability over time",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the SQLite price database",
				EnvVars: []string{"DATABASE_PATH"},
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable ANSI colors in reports",
			},
		},
		Commands: []*cli.Command{
			collectCommand(),
			reportCommand(),
			bestDealsCommand(),
			trendsCommand(),
			historyCommand(),
			saveReportsCommand(),
			plotCommand(),
			pruneCommand(),
			dailyUpdateCommand(),
			serveCommand(),
			setupCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newApp loads configuration, applies global flags and opens the price store.
// Callers must Close the returned app.
func newApp(c *cli.Context) (*app, error) {
	cfg := config.Load()
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if db := c.String("db"); db != "" {
		cfg.DatabasePath = db
	}

	logger := utils.NewLoggerWithLevel(cfg.LogLevel)
	store, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		engine:  services.NewQueryEngine(store, logger),
		noColor: c.Bool("no-color"),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close price store: %v", err)
	}
}

func (a *app) reporter(opts services.QueryOptions) *services.Reporter {
	r := services.NewReporter(a.engine, a.logger)
	r.NoColor = a.noColor
	r.Opts = opts
	return r
}

// withApp wraps a command action with store setup and teardown.
func withApp(fn func(*cli.Context, *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}
