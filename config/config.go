package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	DatabasePath string
	PostgresDSN  string

	CatalogURL     string
	Providers      []string
	MaxConcurrency int
	RateLimitMs    int
	MaxRetries     int
	HTTPTimeoutSec int
	CollectTimeout int

	ReportsDir    string
	FiguresDir    string
	RawCSVPath    string
	ChromeBin     string
	RetentionDays int

	LogLevel string
	APIAddr  string
}

// DefaultProviders are the providers queried when PROVIDERS is unset.
var DefaultProviders = []string{
	"aws", "gcp", "azure", "lambda", "runpod", "tensordock",
	"vastai", "datacrunch", "cudo", "nebius",
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		DatabasePath: getEnv("DATABASE_PATH", "data/gpu_prices.db"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),

		CatalogURL:     strings.TrimRight(getEnv("CATALOG_URL", "http://localhost:8090"), "/"),
		Providers:      getEnvList("PROVIDERS", DefaultProviders),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),
		RateLimitMs:    getEnvInt("RATE_LIMIT_MS", 250),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		HTTPTimeoutSec: getEnvInt("HTTP_TIMEOUT_SEC", 30),
		CollectTimeout: getEnvInt("COLLECT_TIMEOUT_SEC", 600),

		ReportsDir:    getEnv("REPORTS_DIR", "reports"),
		FiguresDir:    getEnv("FIGURES_DIR", "reports/figures"),
		RawCSVPath:    getEnv("RAW_CSV_PATH", "./output/raw_offers.csv"),
		ChromeBin:     getEnv("CHROME_BIN", ""),
		RetentionDays: getEnvInt("RETENTION_DAYS", 0),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		APIAddr:  getEnv("API_ADDR", ":8080"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
