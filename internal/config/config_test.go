package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotecollector/internal/quote"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"TOTAL_BUDGET", "COST_PER_REQUEST", "CACHE_TTL_SECONDS",
		"UPDATE_INTERVAL_SECONDS", "REQUEST_TIMEOUT", "DATA_DIR", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	c := Load()

	assert.Equal(t, 5.50, c.TotalBudget)
	assert.Equal(t, 0.0015, c.CostPerRequest)
	assert.Equal(t, 15*time.Minute, c.CacheTTL)
	assert.Equal(t, 15*time.Minute, c.UpdateInterval)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
	assert.Equal(t, 5, c.MaxConcurrentFetches)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOTAL_BUDGET", "2.00")
	t.Setenv("CACHE_TTL_SECONDS", "60")
	t.Setenv("LOG_LEVEL", "DEBUG")

	c := Load()

	assert.Equal(t, 2.00, c.TotalBudget)
	assert.Equal(t, time.Minute, c.CacheTTL)
	assert.Equal(t, "DEBUG", c.LogLevel)
}

func TestValidate(t *testing.T) {
	c := Load()
	assert.Empty(t, c.Validate())

	c.TotalBudget = 0
	c.CacheTTL = time.Second
	errs := c.Validate()
	assert.Len(t, errs, 2)
}

func TestLoadWatchlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	data := `symbols:
  - symbol: aapl
    asset_class: stocks
  - symbol: EURUSD
    asset_class: forex
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	wl, err := LoadWatchlist(path)
	require.NoError(t, err)
	assert.Equal(t, quote.Stocks, wl["AAPL"])
	assert.Equal(t, quote.Forex, wl["EURUSD"])
}

func TestLoadWatchlistRejectsUnknownClass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	data := `symbols:
  - symbol: XYZ
    asset_class: bonds
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := LoadWatchlist(path)
	assert.Error(t, err)
}
