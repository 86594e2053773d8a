package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"quotecollector/internal/hybrid"
	"quotecollector/internal/observ"
	"quotecollector/internal/quote"
	"quotecollector/internal/sinks"
)

// Scheduler drives periodic collection and maintenance: quote collection
// on a fixed interval, a budget reset at local midnight, and an hourly
// cache sweep. Exactly one collection runs at a time; a tick that lands
// while the previous collection is still active is skipped, not queued.
type Scheduler struct {
	source   *hybrid.Source
	sinks    []sinks.QuoteSink
	interval time.Duration
	timeout  time.Duration // graceful-shutdown bound for Stop(wait=true)

	mu      sync.Mutex
	symbols map[string]quote.AssetClass
	running bool

	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	loopDone   chan struct{}
	collecting atomic.Bool
	inFlight   sync.WaitGroup

	stats schedStats
}

type schedStats struct {
	mu                sync.Mutex
	totalCollections  int64
	successfulRuns    int64
	failedRuns        int64
	skippedTicks      int64
	quotesCollected   int64
	budgetResets      int64
	cacheSweeps       int64
	lastCollection    time.Time
	lastBudgetReset   time.Time
	lastCacheSweep    time.Time
}

// Stats is the scheduler statistics snapshot.
type Stats struct {
	Running          bool         `json:"running"`
	IntervalSeconds  float64      `json:"interval_seconds"`
	SymbolsTracked   int          `json:"symbols_tracked"`
	TotalCollections int64        `json:"total_collections"`
	SuccessfulRuns   int64        `json:"successful_runs"`
	FailedRuns       int64        `json:"failed_runs"`
	SkippedTicks     int64        `json:"skipped_ticks"`
	QuotesCollected  int64        `json:"quotes_collected"`
	BudgetResets     int64        `json:"budget_resets"`
	CacheSweeps      int64        `json:"cache_sweeps"`
	LastCollection   *time.Time   `json:"last_collection,omitempty"`
	LastBudgetReset  *time.Time   `json:"last_budget_reset,omitempty"`
	LastCacheSweep   *time.Time   `json:"last_cache_sweep,omitempty"`
	DataSource       hybrid.Stats `json:"data_source_statistics"`
}

// Config assembles a Scheduler.
type Config struct {
	Source   *hybrid.Source
	Sinks    []sinks.QuoteSink
	Symbols  map[string]quote.AssetClass
	Interval time.Duration
	// StopTimeout bounds Stop(wait=true); default 30s.
	StopTimeout time.Duration
}

// New creates a scheduler. Symbols are copied; later mutations go through
// AddSymbol and RemoveSymbol.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	symbols := make(map[string]quote.AssetClass, len(cfg.Symbols))
	for s, c := range cfg.Symbols {
		symbols[quote.Canonical(s)] = c
	}

	return &Scheduler{
		source:   cfg.Source,
		sinks:    cfg.Sinks,
		interval: cfg.Interval,
		timeout:  cfg.StopTimeout,
		symbols:  symbols,
	}
}

// Start installs the three jobs and begins scheduling. An initial
// collection fires immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		observ.Warn("scheduler_already_running", nil)
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loopDone = make(chan struct{})

	s.cron = cron.New()
	// Daily budget reset at local midnight.
	_, _ = s.cron.AddFunc("0 0 * * *", s.runBudgetReset)
	// Hourly cache sweep.
	_, _ = s.cron.AddFunc("@hourly", s.runCacheSweep)
	s.cron.Start()
	s.mu.Unlock()

	go s.collectionLoop()

	observ.Log("scheduler_started", map[string]any{
		"interval_seconds": s.interval.Seconds(),
		"symbols":          len(s.TrackedSymbols()),
	})
}

// Stop cancels scheduling. With wait=true it blocks until any in-flight
// collection concludes, bounded by the graceful-shutdown timeout.
func (s *Scheduler) Stop(wait bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	loopDone := s.loopDone
	s.mu.Unlock()

	cancel()
	cronCtx := s.cron.Stop()

	if wait {
		done := make(chan struct{})
		go func() {
			<-loopDone
			s.inFlight.Wait()
			<-cronCtx.Done()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.timeout):
			observ.Warn("scheduler_stop_timeout", map[string]any{"timeout_seconds": s.timeout.Seconds()})
		}
	}

	observ.Log("scheduler_stopped", nil)
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) collectionLoop() {
	defer close(s.loopDone)

	// Initial collection before the first tick.
	s.tick()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one collection unless the previous one is still active, in
// which case the tick is coalesced.
func (s *Scheduler) tick() {
	if !s.collecting.CompareAndSwap(false, true) {
		s.stats.mu.Lock()
		s.stats.skippedTicks++
		s.stats.mu.Unlock()
		observ.IncCounter("scheduler_ticks_skipped_total", nil)
		observ.Warn("collection_tick_skipped", map[string]any{"reason": "previous run still active"})
		return
	}
	s.inFlight.Add(1)
	defer func() {
		s.collecting.Store(false)
		s.inFlight.Done()
	}()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.collect(ctx)
}

// ForceCollection triggers an immediate one-shot collection outside the
// cadence. It reports false when a collection is already in flight.
func (s *Scheduler) ForceCollection() bool {
	if !s.collecting.CompareAndSwap(false, true) {
		return false
	}
	s.inFlight.Add(1)
	defer func() {
		s.collecting.Store(false)
		s.inFlight.Done()
	}()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.collect(ctx)
	return true
}

// CollectOnce runs a single synchronous collection (the CLI's --once
// mode) and returns how many quotes were collected.
func (s *Scheduler) CollectOnce(ctx context.Context, forceFresh bool) int {
	return s.collectWith(ctx, forceFresh)
}

// collect gathers quotes for a stable snapshot of the tracked symbols
// and hands successes to the sinks.
func (s *Scheduler) collect(ctx context.Context) {
	s.collectWith(ctx, false)
}

func (s *Scheduler) collectWith(ctx context.Context, forceFresh bool) int {
	runID := uuid.NewString()
	start := time.Now()

	// In-flight collections observe a stable snapshot; membership
	// changes take effect at the next tick.
	byClass := s.snapshotByClass()

	var total, collected, failed int
	for class, symbols := range byClass {
		if ctx.Err() != nil {
			break
		}
		total += len(symbols)

		var results map[string]hybrid.Result
		if forceFresh {
			results = make(map[string]hybrid.Result, len(symbols))
			for _, sym := range symbols {
				results[sym] = s.source.GetQuote(ctx, sym, class, true)
			}
		} else {
			results = s.source.GetQuotes(ctx, symbols, class)
		}

		for sym, r := range results {
			if r.Quote == nil {
				failed++
				observ.Warn("collection_symbol_failed", map[string]any{
					"run_id": runID, "symbol": sym, "class": string(class), "reason": r.Reason,
				})
				continue
			}
			collected++
			s.writeToSinks(runID, r.Quote)
			observ.Debug("collection_symbol_ok", map[string]any{
				"run_id": runID, "symbol": sym, "price": r.Quote.Price, "source": string(r.Quote.Source),
			})
		}
	}

	s.stats.mu.Lock()
	s.stats.totalCollections++
	s.stats.quotesCollected += int64(collected)
	s.stats.lastCollection = time.Now()
	if failed == 0 {
		s.stats.successfulRuns++
	} else {
		s.stats.failedRuns++
	}
	s.stats.mu.Unlock()

	observ.Log("collection_completed", map[string]any{
		"run_id":      runID,
		"symbols":     total,
		"collected":   collected,
		"failed":      failed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	observ.IncCounter("collections_total", nil)
	observ.IncCounterBy("collection_quotes_total", nil, float64(collected))

	return collected
}

func (s *Scheduler) writeToSinks(runID string, q *quote.Quote) {
	for _, sink := range s.sinks {
		if err := sink.Write(q); err != nil {
			// Sink trouble never fails a collection.
			observ.Warn("sink_write_failed", map[string]any{
				"run_id": runID, "sink": sink.Name(), "symbol": q.Symbol, "error": err.Error(),
			})
		}
	}
}

// runBudgetReset is the midnight job.
func (s *Scheduler) runBudgetReset() {
	prev, err := s.source.Tracker().Reset(true)
	if err != nil {
		observ.Error("budget_reset_failed", map[string]any{"error": err.Error()})
		return
	}

	s.stats.mu.Lock()
	s.stats.budgetResets++
	s.stats.lastBudgetReset = time.Now()
	s.stats.mu.Unlock()

	observ.Log("budget_reset_completed", map[string]any{
		"previous_total_cost": prev.TotalCost,
		"previous_requests":   prev.TotalRequests,
	})
}

// runCacheSweep is the hourly job.
func (s *Scheduler) runCacheSweep() {
	removed := s.source.Cache().ClearExpired()

	s.stats.mu.Lock()
	s.stats.cacheSweeps++
	s.stats.lastCacheSweep = time.Now()
	s.stats.mu.Unlock()

	observ.Log("cache_sweep_completed", map[string]any{"removed": removed})
}

// AddSymbol adds a symbol to the tracked set. It takes effect at the
// next collection tick. Returns false when already tracked.
func (s *Scheduler) AddSymbol(symbol string, class quote.AssetClass) bool {
	sym := quote.Canonical(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.symbols[sym]; exists {
		return false
	}
	s.symbols[sym] = class
	observ.Log("symbol_added", map[string]any{"symbol": sym, "class": string(class)})
	return true
}

// RemoveSymbol removes a symbol from the tracked set, reporting whether
// it was present.
func (s *Scheduler) RemoveSymbol(symbol string) bool {
	sym := quote.Canonical(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.symbols[sym]; !exists {
		return false
	}
	delete(s.symbols, sym)
	observ.Log("symbol_removed", map[string]any{"symbol": sym})
	return true
}

// TrackedSymbols returns the sorted tracked symbols.
func (s *Scheduler) TrackedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) snapshotByClass() map[quote.AssetClass][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[quote.AssetClass][]string{}
	for sym, class := range s.symbols {
		out[class] = append(out[class], sym)
	}
	for _, symbols := range out {
		sort.Strings(symbols)
	}
	return out
}

// Statistics returns the scheduler snapshot including the data source's
// aggregated statistics.
func (s *Scheduler) Statistics() Stats {
	s.stats.mu.Lock()
	st := Stats{
		TotalCollections: s.stats.totalCollections,
		SuccessfulRuns:   s.stats.successfulRuns,
		FailedRuns:       s.stats.failedRuns,
		SkippedTicks:     s.stats.skippedTicks,
		QuotesCollected:  s.stats.quotesCollected,
		BudgetResets:     s.stats.budgetResets,
		CacheSweeps:      s.stats.cacheSweeps,
	}
	if !s.stats.lastCollection.IsZero() {
		t := s.stats.lastCollection
		st.LastCollection = &t
	}
	if !s.stats.lastBudgetReset.IsZero() {
		t := s.stats.lastBudgetReset
		st.LastBudgetReset = &t
	}
	if !s.stats.lastCacheSweep.IsZero() {
		t := s.stats.lastCacheSweep
		st.LastCacheSweep = &t
	}
	s.stats.mu.Unlock()

	st.Running = s.IsRunning()
	st.IntervalSeconds = s.interval.Seconds()
	st.SymbolsTracked = len(s.TrackedSymbols())
	st.DataSource = s.source.Statistics()
	return st
}
