package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotecollector/internal/clockwork"
	"quotecollector/internal/quote"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *clockwork.Fake, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	clock := clockwork.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c, err := Open(path, ttl, clock)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, clock, path
}

func sampleQuote(symbol string, price float64) *quote.Quote {
	return &quote.Quote{
		Symbol:     symbol,
		AssetClass: quote.Stocks,
		Price:      price,
		Source:     quote.SourceFree,
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute)

	require.True(t, c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 206.80)))

	got, found := c.Get(quote.Stocks, "AAPL")
	require.True(t, found)
	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, 206.80, got.Price)
	assert.Equal(t, quote.SourceCache, got.Source)
}

func TestKeyNormalization(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute)

	c.Set(quote.Stocks, "aapl", sampleQuote("AAPL", 100))

	_, found := c.Get(quote.Stocks, "AAPL")
	assert.True(t, found, "case-insensitive identity")
}

func TestExpiryBoundary(t *testing.T) {
	c, clock, _ := newTestCache(t, time.Minute)

	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))

	clock.Advance(time.Minute - time.Nanosecond)
	_, found := c.Get(quote.Stocks, "AAPL")
	assert.True(t, found, "just before expiry")

	clock.Advance(time.Nanosecond)
	_, found = c.Get(quote.Stocks, "AAPL")
	assert.False(t, found, "a read at exactly expires_at is a miss")
}

func TestHitCountMonotonic(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute)

	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))
	for i := 0; i < 3; i++ {
		_, found := c.Get(quote.Stocks, "AAPL")
		require.True(t, found)
	}

	stats, err := c.Statistics()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalHits)
	require.Len(t, stats.MostAccessed, 1)
	assert.Equal(t, int64(3), stats.MostAccessed[0].HitCount)
	assert.NotNil(t, stats.MostAccessed[0].LastAccessed)
}

func TestSetResetsHitCount(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute)

	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))
	c.Get(quote.Stocks, "AAPL")
	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 101))

	stats, err := c.Statistics()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalHits)

	got, found := c.Get(quote.Stocks, "AAPL")
	require.True(t, found)
	assert.Equal(t, 101.0, got.Price, "upsert replaces payload")
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute)

	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))
	assert.True(t, c.Invalidate(quote.Stocks, "AAPL"))
	assert.False(t, c.Invalidate(quote.Stocks, "AAPL"))

	_, found := c.Get(quote.Stocks, "AAPL")
	assert.False(t, found)
}

func TestClearExpired(t *testing.T) {
	c, clock, _ := newTestCache(t, time.Minute)

	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))
	c.Set(quote.Stocks, "MSFT", sampleQuote("MSFT", 430))
	clock.Advance(30 * time.Second)
	c.Set(quote.Stocks, "NVDA", sampleQuote("NVDA", 450))

	clock.Advance(45 * time.Second) // AAPL and MSFT expired, NVDA not

	assert.Equal(t, 2, c.ClearExpired())
	assert.Equal(t, 0, c.ClearExpired(), "idle sweep removes nothing")

	_, found := c.Get(quote.Stocks, "NVDA")
	assert.True(t, found)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	clock := clockwork.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c1, err := Open(path, time.Minute, clock)
	require.NoError(t, err)
	c1.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))
	require.NoError(t, c1.Close())

	c2, err := Open(path, time.Minute, clock)
	require.NoError(t, err)
	defer c2.Close()

	_, found := c2.Get(quote.Stocks, "AAPL")
	assert.True(t, found, "entries persist across restarts")

	clock.Advance(2 * time.Minute)
	_, found = c2.Get(quote.Stocks, "AAPL")
	assert.False(t, found, "expiry applies across restarts")
}

func TestCorruptPayloadIsAMiss(t *testing.T) {
	c, clock, _ := newTestCache(t, time.Minute)

	now := clock.Now().UTC()
	_, err := c.db.Exec(`
		INSERT INTO cache (cache_key, asset_class, symbol, payload, created_at, expires_at, hit_count)
		VALUES ('stocks:BAD', 'stocks', 'BAD', '{broken', ?, ?, 0)`,
		now.UnixNano(), now.Add(time.Minute).UnixNano())
	require.NoError(t, err)

	_, found := c.Get(quote.Stocks, "BAD")
	assert.False(t, found)

	// The poisoned entry was deleted.
	stats, err := c.Statistics()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestClearAllRequiresConfirm(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute)
	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))

	_, err := c.ClearAll(false)
	assert.Error(t, err)

	n, err := c.ClearAll(true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStatisticsCounts(t *testing.T) {
	c, clock, _ := newTestCache(t, time.Minute)

	c.Set(quote.Stocks, "AAPL", sampleQuote("AAPL", 100))
	clock.Advance(2 * time.Minute)
	c.Set(quote.Stocks, "MSFT", sampleQuote("MSFT", 430))

	stats, err := c.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.ExpiredEntries)
	assert.Equal(t, 1, stats.ValidEntries)
	assert.Equal(t, 60, stats.TTLSeconds)
}
