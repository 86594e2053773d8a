package hybrid

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"quotecollector/internal/adapters"
	"quotecollector/internal/breaker"
	"quotecollector/internal/cache"
	"quotecollector/internal/cost"
	"quotecollector/internal/observ"
	"quotecollector/internal/quote"
)

// Unavailability reasons reported per symbol.
const (
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonAllFailed       = "all_sources_failed"
)

// Backend pairs an adapter with its circuit breaker and the symbol
// conversion for that backend.
type Backend struct {
	Adapter adapters.BackendAdapter
	Breaker *breaker.Breaker
	Convert func(symbol string, class quote.AssetClass) (string, bool)
}

// Result is the per-symbol outcome of a fetch. A nil Quote with a Reason
// is a reported, non-fatal outcome; it never aborts a batch.
type Result struct {
	Quote  *quote.Quote `json:"quote,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// Source serves quotes at minimum monetary cost by cascading, per symbol:
// cache, then free backends, then the paid backend. Budget exhaustion
// mid-batch never invalidates work already done; the paid path is simply
// skipped for the remaining symbols.
type Source struct {
	cache   *cache.Cache
	tracker *cost.Tracker
	free    []Backend
	paid    *Backend
	bound   int64

	mu    sync.Mutex
	stats sourceStats
}

type sourceStats struct {
	totalRequests  int64
	cacheHits      int64
	cacheMisses    int64
	backendSuccess map[string]int64
	backendFailure map[string]int64
	budgetDenials  int64
	unavailable    int64
}

// BackendUsage summarizes one backend's activity.
type BackendUsage struct {
	Attempts       int64         `json:"attempts"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	SuccessRatePct float64       `json:"success_rate_pct"`
	CircuitBreaker breaker.Stats `json:"circuit_breaker"`
}

// Stats is the aggregated hybrid source snapshot.
type Stats struct {
	TotalRequests  int64                   `json:"total_requests"`
	CacheHits      int64                   `json:"cache_hits"`
	CacheMisses    int64                   `json:"cache_misses"`
	CacheHitRate   float64                 `json:"cache_hit_rate_pct"`
	BudgetDenials  int64                   `json:"budget_denials"`
	Unavailable    int64                   `json:"unavailable"`
	SourceUsage    map[string]BackendUsage `json:"source_usage"`
	CacheBackend   cache.Stats             `json:"cache_statistics"`
	CostTracking   cost.StatsReport        `json:"cost_tracking"`
}

// Config assembles a Source.
type Config struct {
	Cache   *cache.Cache
	Tracker *cost.Tracker
	Free    []Backend
	Paid    *Backend // nil disables the paid path
	// MaxConcurrent bounds batch fan-out; default 5.
	MaxConcurrent int
}

// New creates a hybrid source.
func New(cfg Config) *Source {
	bound := int64(cfg.MaxConcurrent)
	if bound <= 0 {
		bound = 5
	}
	s := &Source{
		cache:   cfg.Cache,
		tracker: cfg.Tracker,
		free:    cfg.Free,
		paid:    cfg.Paid,
		bound:   bound,
	}
	s.stats.backendSuccess = map[string]int64{}
	s.stats.backendFailure = map[string]int64{}

	names := make([]string, 0, len(cfg.Free))
	for _, b := range cfg.Free {
		names = append(names, b.Adapter.Name())
	}
	observ.Log("hybrid_source_created", map[string]any{
		"free_backends":  names,
		"paid_enabled":   cfg.Paid != nil,
		"max_concurrent": bound,
	})
	return s
}

// GetQuote runs the priority cascade for one symbol. The returned Result
// carries either a quote (with its serving source tagged) or a reason.
func (s *Source) GetQuote(ctx context.Context, symbol string, class quote.AssetClass, forceFresh bool) Result {
	s.mu.Lock()
	s.stats.totalRequests++
	s.mu.Unlock()

	// Step 1: cache.
	if !forceFresh {
		if q, found := s.cache.Get(class, symbol); found {
			s.mu.Lock()
			s.stats.cacheHits++
			s.mu.Unlock()
			observ.Debug("quote_served", map[string]any{"symbol": symbol, "source": "cache"})
			return Result{Quote: q}
		}
	}
	s.mu.Lock()
	s.stats.cacheMisses++
	s.mu.Unlock()

	// Step 2: free backends, in priority order.
	for i := range s.free {
		if q, ok := s.tryFree(ctx, &s.free[i], symbol, class); ok {
			return Result{Quote: q}
		}
	}

	// Step 3: paid backend.
	q, denied := s.tryPaid(ctx, symbol, class)
	if q != nil {
		return Result{Quote: q}
	}

	s.mu.Lock()
	s.stats.unavailable++
	s.mu.Unlock()

	reason := ReasonAllFailed
	if denied {
		reason = ReasonBudgetExhausted
	}
	observ.Warn("quote_unavailable", map[string]any{"symbol": symbol, "reason": reason})
	return Result{Reason: reason}
}

// tryFree attempts one free backend. Free requests never touch the cost
// tracker.
func (s *Source) tryFree(ctx context.Context, b *Backend, symbol string, class quote.AssetClass) (*quote.Quote, bool) {
	native, ok := b.Convert(symbol, class)
	if !ok {
		// The backend has no coverage for this class (e.g. indices).
		return nil, false
	}
	if !b.Breaker.IsAvailable() {
		observ.Debug("backend_skipped_open", map[string]any{"backend": b.Adapter.Name(), "symbol": symbol})
		return nil, false
	}

	var q *quote.Quote
	err := b.Breaker.Call(func() error {
		var ferr error
		q, ferr = b.Adapter.FetchQuote(ctx, native, class)
		return ferr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			// Rejected without being attempted: not a backend failure.
			return nil, false
		}
		s.recordBackend(b.Adapter.Name(), false)
		observ.Warn("backend_fetch_failed", map[string]any{
			"backend": b.Adapter.Name(), "symbol": symbol, "error": err.Error(),
		})
		return nil, false
	}

	s.recordBackend(b.Adapter.Name(), true)
	// Adapters report the backend-native identity; restore the canonical
	// one so cache keys, sinks, and logs agree regardless of which
	// backend served the quote.
	q.Symbol = quote.Canonical(symbol)
	q.Source = quote.SourceFree
	s.cache.Set(class, symbol, q)
	observ.Debug("quote_served", map[string]any{"symbol": symbol, "source": "free", "backend": b.Adapter.Name()})
	return q, true
}

// tryPaid attempts the paid backend. The second return reports a budget
// denial. The cost tracker is charged only on a definite remote outcome:
// a cancelled or never-dispatched request costs nothing.
func (s *Source) tryPaid(ctx context.Context, symbol string, class quote.AssetClass) (*quote.Quote, bool) {
	if s.paid == nil {
		return nil, false
	}

	native, ok := s.paid.Convert(symbol, class)
	if !ok {
		return nil, false
	}
	if !s.paid.Breaker.IsAvailable() {
		observ.Debug("backend_skipped_open", map[string]any{"backend": "paid", "symbol": symbol})
		return nil, false
	}

	if ok, reason := s.tracker.CanMakeRequest(); !ok {
		s.mu.Lock()
		s.stats.budgetDenials++
		s.mu.Unlock()
		observ.IncCounter("budget_denials_total", nil)
		observ.Warn("paid_backend_skipped", map[string]any{"symbol": symbol, "reason": reason})
		return nil, true
	}

	var q *quote.Quote
	err := s.paid.Breaker.Call(func() error {
		var ferr error
		q, ferr = s.paid.Adapter.FetchQuote(ctx, native, class)
		return ferr
	})

	if err == nil {
		acct := s.tracker.RecordRequest(class, symbol, true)
		s.recordBackend(s.paid.Adapter.Name(), true)
		q.Symbol = quote.Canonical(symbol)
		q.Source = quote.SourcePaid
		s.cache.Set(class, symbol, q)
		observ.Log("quote_served_paid", map[string]any{
			"symbol": symbol, "total_cost": acct.TotalCost, "alert_level": string(acct.AlertLevel),
		})
		return q, false
	}

	if errors.Is(err, breaker.ErrCircuitOpen) {
		// Rejected without being attempted: no charge.
		return nil, false
	}

	s.recordBackend(s.paid.Adapter.Name(), false)
	if adapters.ReachedRemote(err) {
		// The scraping backend charges for transport whether or not the
		// response was usable.
		s.tracker.RecordRequest(class, symbol, false)
	}
	observ.Warn("backend_fetch_failed", map[string]any{
		"backend": s.paid.Adapter.Name(), "symbol": symbol, "error": err.Error(),
	})
	return nil, false
}

// GetQuotes fans per-symbol fetches out with bounded concurrency. A
// single symbol's failure never cancels its siblings; the returned map
// holds every symbol's outcome.
func (s *Source) GetQuotes(ctx context.Context, symbols []string, class quote.AssetClass) map[string]Result {
	results := make(map[string]Result, len(symbols))
	var mu sync.Mutex

	sem := semaphore.NewWeighted(s.bound)
	g, gctx := errgroup.WithContext(ctx)

	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				results[sym] = Result{Reason: ReasonAllFailed}
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			r := s.GetQuote(gctx, sym, class, false)
			mu.Lock()
			results[sym] = r
			mu.Unlock()
			return nil
		})
	}

	// Workers never return errors; Wait is a completion barrier.
	_ = g.Wait()
	return results
}

func (s *Source) recordBackend(name string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.stats.backendSuccess[name]++
	} else {
		s.stats.backendFailure[name]++
	}
}

// Statistics aggregates counters across the cache, backends, breakers,
// and cost tracker.
func (s *Source) Statistics() Stats {
	s.mu.Lock()
	st := s.stats
	success := make(map[string]int64, len(st.backendSuccess))
	failure := make(map[string]int64, len(st.backendFailure))
	for k, v := range st.backendSuccess {
		success[k] = v
	}
	for k, v := range st.backendFailure {
		failure[k] = v
	}
	s.mu.Unlock()

	out := Stats{
		TotalRequests: st.totalRequests,
		CacheHits:     st.cacheHits,
		CacheMisses:   st.cacheMisses,
		BudgetDenials: st.budgetDenials,
		Unavailable:   st.unavailable,
		SourceUsage:   map[string]BackendUsage{},
		CostTracking:  s.tracker.Statistics(),
	}
	if lookups := st.cacheHits + st.cacheMisses; lookups > 0 {
		out.CacheHitRate = float64(st.cacheHits) / float64(lookups) * 100
	}

	addUsage := func(name string, br *breaker.Breaker) {
		u := BackendUsage{
			Successes:      success[name],
			Failures:       failure[name],
			CircuitBreaker: br.Statistics(),
		}
		u.Attempts = u.Successes + u.Failures
		if u.Attempts > 0 {
			u.SuccessRatePct = float64(u.Successes) / float64(u.Attempts) * 100
		}
		out.SourceUsage[name] = u
	}
	for i := range s.free {
		addUsage(s.free[i].Adapter.Name(), s.free[i].Breaker)
	}
	if s.paid != nil {
		addUsage(s.paid.Adapter.Name(), s.paid.Breaker)
	}

	if cs, err := s.cache.Statistics(); err == nil {
		out.CacheBackend = cs
	}

	return out
}

// ResetStatistics zeroes the source's own counters (not the tracker's)
// and returns the pre-reset snapshot.
func (s *Source) ResetStatistics() Stats {
	pre := s.Statistics()

	s.mu.Lock()
	s.stats = sourceStats{
		backendSuccess: map[string]int64{},
		backendFailure: map[string]int64{},
	}
	s.mu.Unlock()

	observ.Log("hybrid_statistics_reset", nil)
	return pre
}

// Tracker exposes the cost tracker for the scheduler's budget reset job.
func (s *Source) Tracker() *cost.Tracker { return s.tracker }

// Cache exposes the cache for the scheduler's sweep job.
func (s *Source) Cache() *cache.Cache { return s.cache }

// Close releases backend and cache resources.
func (s *Source) Close() error {
	var firstErr error
	for i := range s.free {
		if err := s.free[i].Adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.paid != nil {
		if err := s.paid.Adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
