package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quotecollector/internal/quote"
)

// Root aggregates all runtime configuration. Values come from the
// environment (optionally seeded from a .env file) with defaults matching
// the production deployment.
type Root struct {
	// Paid backend credential. Required when the paid path is enabled.
	BrightDataToken string

	// Budget
	TotalBudget    float64 // USD ceiling, default 5.50
	CostPerRequest float64 // USD per paid request, default 0.0015
	AlertThreshold float64 // informational, default 0.80

	// Cache
	CacheTTL time.Duration // default 900s
	DataDir  string        // cache database directory

	// Scheduler
	UpdateInterval time.Duration // default 900s
	RequestTimeout time.Duration // per-adapter timeout, default 30s

	// Concurrency bound for batch fetches.
	MaxConcurrentFetches int

	// Paths
	LogDir       string // cost tracker state + JSONL sink live here
	LogLevel     string // DEBUG | INFO | WARNING | ERROR | CRITICAL
	OutputDir    string // CSV sink root
	WatchlistPath string // optional YAML watchlist
}

// Watchlist is the optional YAML file listing tracked symbols.
type Watchlist struct {
	Symbols []WatchedSymbol `yaml:"symbols"`
}

// WatchedSymbol pairs a symbol with its asset class.
type WatchedSymbol struct {
	Symbol     string `yaml:"symbol"`
	AssetClass string `yaml:"asset_class"`
}

// Load reads .env (if present), then the environment, applying defaults
// for anything unset.
func Load() Root {
	// Missing .env is the common case in production; ignore quietly.
	_ = godotenv.Load()

	c := Root{
		BrightDataToken:      os.Getenv("BRIGHT_DATA_TOKEN"),
		TotalBudget:          envFloat("TOTAL_BUDGET", 5.50),
		CostPerRequest:       envFloat("COST_PER_REQUEST", 0.0015),
		AlertThreshold:       envFloat("ALERT_THRESHOLD", 0.80),
		CacheTTL:             time.Duration(envInt("CACHE_TTL_SECONDS", 900)) * time.Second,
		DataDir:              envString("DATA_DIR", "data"),
		UpdateInterval:       time.Duration(envInt("UPDATE_INTERVAL_SECONDS", 900)) * time.Second,
		RequestTimeout:       time.Duration(envInt("REQUEST_TIMEOUT", 30)) * time.Second,
		MaxConcurrentFetches: envInt("MAX_CONCURRENT_FETCHES", 5),
		LogDir:               envString("LOG_DIR", "logs"),
		LogLevel:             envString("LOG_LEVEL", "INFO"),
		OutputDir:            envString("OUTPUT_DIR", "data"),
		WatchlistPath:        os.Getenv("WATCHLIST_FILE"),
	}
	return c
}

// Validate returns every configuration problem at once. Any problem is
// fatal at startup.
func (c Root) Validate() []error {
	var errs []error

	if c.TotalBudget <= 0 {
		errs = append(errs, fmt.Errorf("TOTAL_BUDGET must be greater than 0, got %v", c.TotalBudget))
	}
	if c.CostPerRequest <= 0 {
		errs = append(errs, fmt.Errorf("COST_PER_REQUEST must be greater than 0, got %v", c.CostPerRequest))
	}
	if c.CacheTTL < time.Minute {
		errs = append(errs, fmt.Errorf("CACHE_TTL_SECONDS should be at least 60, got %v", c.CacheTTL.Seconds()))
	}
	if c.UpdateInterval < time.Minute {
		errs = append(errs, fmt.Errorf("UPDATE_INTERVAL_SECONDS should be at least 60, got %v", c.UpdateInterval.Seconds()))
	}
	if c.MaxConcurrentFetches <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_FETCHES must be positive, got %d", c.MaxConcurrentFetches))
	}

	return errs
}

// PaidEnabled reports whether the paid backend can be constructed.
func (c Root) PaidEnabled() bool {
	return c.BrightDataToken != ""
}

// CostStatePath is where the cost tracker persists its JSON document.
func (c Root) CostStatePath() string {
	return filepath.Join(c.LogDir, "cost_tracking.json")
}

// CacheDBPath is the cache's SQLite file.
func (c Root) CacheDBPath() string {
	return filepath.Join(c.DataDir, "quote_cache.db")
}

// EnsureDirectories creates the data and log directories.
func (c Root) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.LogDir, c.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadWatchlist reads the YAML watchlist at path. Symbols with an unknown
// asset class are rejected.
func LoadWatchlist(path string) (map[string]quote.AssetClass, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var wl Watchlist
	if err := yaml.Unmarshal(b, &wl); err != nil {
		return nil, fmt.Errorf("parse watchlist %s: %w", path, err)
	}

	out := make(map[string]quote.AssetClass, len(wl.Symbols))
	for _, ws := range wl.Symbols {
		class, err := quote.ParseAssetClass(ws.AssetClass)
		if err != nil {
			return nil, fmt.Errorf("watchlist entry %s: %w", ws.Symbol, err)
		}
		out[quote.Canonical(ws.Symbol)] = class
	}
	return out, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
