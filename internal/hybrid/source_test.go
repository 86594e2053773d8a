package hybrid

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotecollector/internal/adapters"
	"quotecollector/internal/breaker"
	"quotecollector/internal/cache"
	"quotecollector/internal/clockwork"
	"quotecollector/internal/cost"
	"quotecollector/internal/quote"
)

type fixture struct {
	source  *Source
	cache   *cache.Cache
	tracker *cost.Tracker
	free    *adapters.MockAdapter
	paid    *adapters.MockAdapter
	clock   *clockwork.Fake
}

type fixtureOpts struct {
	budget        float64
	unitCost      float64
	cacheTTL      time.Duration
	freeThreshold int
	freeWindow    time.Duration
	maxConcurrent int
	noPaid        bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	if opts.budget == 0 {
		opts.budget = 5.50
	}
	if opts.unitCost == 0 {
		opts.unitCost = 0.0015
	}
	if opts.cacheTTL == 0 {
		opts.cacheTTL = time.Minute
	}
	if opts.freeThreshold == 0 {
		opts.freeThreshold = 5
	}
	if opts.freeWindow == 0 {
		opts.freeWindow = time.Minute
	}

	clock := clockwork.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()

	c, err := cache.Open(filepath.Join(dir, "cache.db"), opts.cacheTTL, clock)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	tracker := cost.New(filepath.Join(dir, "cost.json"), opts.budget, opts.unitCost, clock)

	free := adapters.NewMockAdapter("free")
	paid := adapters.NewMockAdapter("paid")

	cfg := Config{
		Cache:   c,
		Tracker: tracker,
		Free: []Backend{{
			Adapter: free,
			Breaker: breaker.New("free", breaker.Config{
				FailureThreshold: opts.freeThreshold,
				RecoveryWindow:   opts.freeWindow,
			}, clock),
			Convert: quote.ForFree,
		}},
		MaxConcurrent: opts.maxConcurrent,
	}
	if !opts.noPaid {
		cfg.Paid = &Backend{
			Adapter: paid,
			Breaker: breaker.New("paid", breaker.Config{
				FailureThreshold: 3,
				RecoveryWindow:   2 * time.Minute,
			}, clock),
			Convert: quote.ForPaid,
		}
	}

	return &fixture{
		source:  New(cfg),
		cache:   c,
		tracker: tracker,
		free:    free,
		paid:    paid,
		clock:   clock,
	}
}

// remoteFailure is an adapter error that indicates the remote answered.
func remoteFailure(symbol string) error {
	return &adapters.FetchError{
		Kind: adapters.KindServer, Symbol: symbol,
		Message: "HTTP 502", RemoteReached: true,
	}
}

func TestCacheShortCircuit(t *testing.T) {
	// Scenario: empty cache, free adapter serving price=100. First call
	// hits the free backend, second is served from cache with no
	// additional adapter call.
	f := newFixture(t, fixtureOpts{cacheTTL: time.Minute})
	f.free.SetPrice("AAPL", quote.Stocks, 100)

	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	require.NotNil(t, r.Quote)
	assert.Equal(t, quote.SourceFree, r.Quote.Source)
	assert.Equal(t, 100.0, r.Quote.Price)
	assert.Equal(t, 1, f.free.Calls())

	r = f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	require.NotNil(t, r.Quote)
	assert.Equal(t, quote.SourceCache, r.Quote.Source)
	assert.Equal(t, 100.0, r.Quote.Price)
	assert.Equal(t, 1, f.free.Calls(), "cache hit must not call the adapter")
	assert.Equal(t, 0, f.paid.Calls())
}

func TestForceFreshSkipsCache(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.free.SetPrice("AAPL", quote.Stocks, 100)

	f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, true)

	assert.Equal(t, 2, f.free.Calls())
}

func TestFreeToPaidFallback(t *testing.T) {
	// Scenario: free always fails, paid returns price=101. The paid quote
	// is charged and the free breaker accrues one failure.
	f := newFixture(t, fixtureOpts{})
	f.free.FailWith(errors.New("free backend down"))
	f.paid.SetPrice("AAPL:US", quote.Stocks, 101)

	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	require.NotNil(t, r.Quote)
	assert.Equal(t, quote.SourcePaid, r.Quote.Source)
	assert.Equal(t, 101.0, r.Quote.Price)

	stats := f.tracker.Statistics()
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 0.0015, stats.TotalCost)

	src := f.source.Statistics()
	assert.Equal(t, 1, src.SourceUsage["free"].CircuitBreaker.ConsecutiveFailures)
}

func TestPaidFailureIsCharged(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.free.FailWith(errors.New("down"))
	f.paid.FailWith(remoteFailure("AAPL:US"))

	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	assert.Nil(t, r.Quote)
	assert.Equal(t, ReasonAllFailed, r.Reason)

	stats := f.tracker.Statistics()
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.FailedRequests)
	assert.Equal(t, 0.0015, stats.TotalCost)
}

func TestPaidTransportFailureNotCharged(t *testing.T) {
	// A paid attempt that never crossed the network must not be charged.
	f := newFixture(t, fixtureOpts{})
	f.free.FailWith(errors.New("down"))
	f.paid.FailWith(&adapters.FetchError{
		Kind: adapters.KindTransport, Symbol: "AAPL:US",
		Message: "connection refused", RemoteReached: false,
	})

	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	assert.Nil(t, r.Quote)

	stats := f.tracker.Statistics()
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.TotalCost)
}

func TestBudgetExhaustionMidBatch(t *testing.T) {
	// Scenario: budget covers exactly two paid requests. Batch of three
	// symbols, free failing, paid succeeding: two served paid, one
	// unavailable with a budget reason, total cost equals the budget.
	f := newFixture(t, fixtureOpts{budget: 0.003, unitCost: 0.0015, maxConcurrent: 1})
	f.free.FailWith(errors.New("down"))
	for _, sym := range []string{"A", "B", "C"} {
		native, _ := quote.ForPaid(sym, quote.Stocks)
		f.paid.SetPrice(native, quote.Stocks, 100)
	}

	results := f.source.GetQuotes(context.Background(), []string{"A", "B", "C"}, quote.Stocks)
	require.Len(t, results, 3)

	var served, denied int
	for _, r := range results {
		if r.Quote != nil {
			assert.Equal(t, quote.SourcePaid, r.Quote.Source)
			served++
		} else {
			assert.Equal(t, ReasonBudgetExhausted, r.Reason)
			denied++
		}
	}
	assert.Equal(t, 2, served)
	assert.Equal(t, 1, denied)

	stats := f.tracker.Statistics()
	assert.Equal(t, 0.003, stats.TotalCost)
}

func TestBudgetDenialSkipsPaidWithoutCharge(t *testing.T) {
	f := newFixture(t, fixtureOpts{budget: 0.001, unitCost: 0.0015})
	f.free.FailWith(errors.New("down"))
	f.paid.SetPrice("AAPL:US", quote.Stocks, 100)

	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	assert.Nil(t, r.Quote)
	assert.Equal(t, ReasonBudgetExhausted, r.Reason)
	assert.Equal(t, 0, f.paid.Calls(), "paid adapter must not be called beyond budget")
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	// Scenario: free threshold 3, recovery 5s. Three failing calls trip
	// the breaker; a fourth within the window skips free entirely; after
	// the window the free backend receives exactly one probe, and a
	// successful probe closes the circuit.
	f := newFixture(t, fixtureOpts{freeThreshold: 3, freeWindow: 5 * time.Second})
	f.free.FailWith(errors.New("flaky"))
	f.paid.SetPrice("AAPL:US", quote.Stocks, 101)

	for i := 0; i < 3; i++ {
		r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, true)
		require.NotNil(t, r.Quote)
		assert.Equal(t, quote.SourcePaid, r.Quote.Source)
	}
	assert.Equal(t, 3, f.free.Calls())

	// Breaker OPEN: free is not invoked.
	f.clock.Advance(2 * time.Second)
	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, true)
	require.NotNil(t, r.Quote)
	assert.Equal(t, 3, f.free.Calls(), "free skipped while breaker OPEN")

	// Window elapsed: one probe, now succeeding.
	f.clock.Advance(4 * time.Second)
	f.free.FailWith(nil)
	f.free.SetPrice("AAPL", quote.Stocks, 100)

	r = f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, true)
	require.NotNil(t, r.Quote)
	assert.Equal(t, quote.SourceFree, r.Quote.Source)
	assert.Equal(t, 4, f.free.Calls())

	src := f.source.Statistics()
	assert.Equal(t, breaker.StateClosed, src.SourceUsage["free"].CircuitBreaker.State)
}

func TestPaidQuoteKeepsCanonicalSymbol(t *testing.T) {
	// The paid backend's native forms rewrite the symbol (GC -> GC1:COM,
	// BTCUSD -> XBTUSD:CUR). The served quote must carry the canonical
	// identity regardless, so cache keys and sinks agree across backends.
	f := newFixture(t, fixtureOpts{})
	f.free.FailWith(errors.New("down"))
	f.paid.SetPrice("GC1:COM", quote.Commodities, 2350.5)
	f.paid.SetPrice("XBTUSD:CUR", quote.Crypto, 67000)

	r := f.source.GetQuote(context.Background(), "GC", quote.Commodities, false)
	require.NotNil(t, r.Quote)
	assert.Equal(t, "GC", r.Quote.Symbol)

	r = f.source.GetQuote(context.Background(), "BTCUSD", quote.Crypto, false)
	require.NotNil(t, r.Quote)
	assert.Equal(t, "BTCUSD", r.Quote.Symbol)

	// The cached copy carries the same identity.
	cached, found := f.cache.Get(quote.Commodities, "GC")
	require.True(t, found)
	assert.Equal(t, "GC", cached.Symbol)
}

func TestFreeQuoteKeepsCanonicalSymbol(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.free.SetPrice("BTC-USD", quote.Crypto, 67000)

	r := f.source.GetQuote(context.Background(), "BTCUSD", quote.Crypto, false)
	require.NotNil(t, r.Quote)
	assert.Equal(t, "BTCUSD", r.Quote.Symbol)
}

func TestBreakerRejectionNotCountedAsBackendFailure(t *testing.T) {
	// A skipped backend (breaker OPEN) was never attempted; it must not
	// inflate the backend's failure statistics.
	f := newFixture(t, fixtureOpts{freeThreshold: 1, freeWindow: time.Minute})
	f.free.FailWith(errors.New("down"))
	f.paid.SetPrice("AAPL:US", quote.Stocks, 101)

	// First call: free fails once and trips the breaker.
	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, true)
	require.NotNil(t, r.Quote)

	usage := f.source.Statistics().SourceUsage["free"]
	assert.Equal(t, int64(1), usage.Failures)
	assert.Equal(t, int64(1), usage.Attempts)

	// Breaker OPEN: free is skipped, not failed.
	r = f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, true)
	require.NotNil(t, r.Quote)

	usage = f.source.Statistics().SourceUsage["free"]
	assert.Equal(t, int64(1), usage.Failures, "a rejection is not a failure")
	assert.Equal(t, int64(1), usage.Attempts)
	assert.Equal(t, 1, f.free.Calls())
}

func TestIndexClassSkipsFreeBackend(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.paid.SetPrice("SENSEX:IND", quote.Index, 81000)

	r := f.source.GetQuote(context.Background(), "SENSEX", quote.Index, false)
	require.NotNil(t, r.Quote)
	assert.Equal(t, quote.SourcePaid, r.Quote.Source)
	assert.Equal(t, 0, f.free.Calls(), "free backend has no index coverage")
}

func TestNoPaidBackendConfigured(t *testing.T) {
	f := newFixture(t, fixtureOpts{noPaid: true})
	f.free.FailWith(errors.New("down"))

	r := f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	assert.Nil(t, r.Quote)
	assert.Equal(t, ReasonAllFailed, r.Reason)
}

func TestBatchPreservesPerSymbolOutcomes(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.free.SetPrice("AAPL", quote.Stocks, 100)
	f.free.FailSymbolWith("MSFT", errors.New("boom"))
	f.paid.FailSymbolWith("MSFT:US", remoteFailure("MSFT:US"))

	results := f.source.GetQuotes(context.Background(), []string{"AAPL", "MSFT"}, quote.Stocks)
	require.Len(t, results, 2)

	require.NotNil(t, results["AAPL"].Quote)
	assert.Nil(t, results["MSFT"].Quote)
	assert.Equal(t, ReasonAllFailed, results["MSFT"].Reason)
}

func TestStatisticsAggregation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.free.SetPrice("AAPL", quote.Stocks, 100)

	f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)
	f.source.GetQuote(context.Background(), "AAPL", quote.Stocks, false)

	s := f.source.Statistics()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
	assert.Equal(t, 50.0, s.CacheHitRate)
	assert.Equal(t, int64(1), s.SourceUsage["free"].Successes)

	pre := f.source.ResetStatistics()
	assert.Equal(t, int64(2), pre.TotalRequests)
	assert.Zero(t, f.source.Statistics().TotalRequests)
}
