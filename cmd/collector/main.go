package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotecollector/internal/adapters"
	"quotecollector/internal/breaker"
	"quotecollector/internal/cache"
	"quotecollector/internal/clockwork"
	"quotecollector/internal/config"
	"quotecollector/internal/cost"
	"quotecollector/internal/hybrid"
	"quotecollector/internal/observ"
	"quotecollector/internal/quote"
	"quotecollector/internal/scheduler"
	"quotecollector/internal/sinks"
)

// Exit codes: 0 normal, 1 configuration error, 2 operational error
// (one-shot run produced no quotes), 130 interrupted.
const (
	exitOK          = 0
	exitConfig      = 1
	exitOperational = 2
	exitInterrupted = 130
)

var defaultSymbols = map[string]quote.AssetClass{
	"AAPL":  quote.Stocks,
	"MSFT":  quote.Stocks,
	"GOOGL": quote.Stocks,
	"AMZN":  quote.Stocks,
	"TSLA":  quote.Stocks,
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		assetClass = flag.String("asset-class", "stocks", "asset class for positional symbols (stocks|forex|commodities|index|crypto)")
		interval   = flag.Int("interval", 0, "collection interval in minutes (overrides UPDATE_INTERVAL_SECONDS)")
		once       = flag.Bool("once", false, "run a single collection and exit")
		status     = flag.Bool("status", false, "print data source statistics and exit")
		budget     = flag.Bool("budget", false, "print budget statistics and exit")
		forceFresh = flag.Bool("force-fresh", false, "bypass the cache for this run")
		logLevel   = flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg := config.Load()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	observ.SetLevel(observ.ParseLevel(cfg.LogLevel))

	if *interval > 0 {
		cfg.UpdateInterval = time.Duration(*interval) * time.Minute
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		}
		return exitConfig
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	class, err := quote.ParseAssetClass(*assetClass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	symbols, err := resolveSymbols(cfg, flag.Args(), class)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	clock := clockwork.Real{}

	tracker := cost.New(cfg.CostStatePath(), cfg.TotalBudget, cfg.CostPerRequest, clock)

	// Budget status does not need the cache or backends.
	if *budget {
		printJSON(map[string]any{
			"statistics": tracker.Statistics(),
			"alert":      tracker.AlertStatus(),
		})
		return exitOK
	}

	c, err := cache.Open(cfg.CacheDBPath(), cfg.CacheTTL, clock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	source := buildSource(cfg, c, tracker, clock)
	defer source.Close()

	if *status {
		printJSON(source.Statistics())
		return exitOK
	}

	jsonlSink, err := sinks.NewJSONLSink(cfg.LogDir + "/quotes.jsonl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	defer jsonlSink.Close()

	sched := scheduler.New(scheduler.Config{
		Source:   source,
		Sinks:    []sinks.QuoteSink{sinks.NewCSVSink(cfg.OutputDir), jsonlSink},
		Symbols:  symbols,
		Interval: cfg.UpdateInterval,
	})

	if *once {
		n := sched.CollectOnce(context.Background(), *forceFresh)
		printJSON(map[string]any{
			"symbols_tracked":  len(symbols),
			"quotes_collected": n,
			"budget":           tracker.AlertStatus(),
		})
		if n == 0 {
			return exitOperational
		}
		return exitOK
	}

	sched.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	received := <-sig

	observ.Log("shutdown_signal", map[string]any{"signal": received.String()})
	sched.Stop(true)

	if received == os.Interrupt {
		return exitInterrupted
	}
	return exitOK
}

// resolveSymbols picks tracked symbols from, in order: positional
// arguments, the watchlist file, the built-in defaults.
func resolveSymbols(cfg config.Root, args []string, class quote.AssetClass) (map[string]quote.AssetClass, error) {
	if len(args) > 0 {
		out := make(map[string]quote.AssetClass, len(args))
		for _, s := range args {
			out[quote.Canonical(s)] = class
		}
		return out, nil
	}

	if cfg.WatchlistPath != "" {
		return config.LoadWatchlist(cfg.WatchlistPath)
	}

	return defaultSymbols, nil
}

func buildSource(cfg config.Root, c *cache.Cache, tracker *cost.Tracker, clock clockwork.Clock) *hybrid.Source {
	free := hybrid.Backend{
		Adapter: adapters.NewFreeAdapter(adapters.FreeConfig{Timeout: cfg.RequestTimeout}),
		Breaker: breaker.New("free", breaker.Config{
			FailureThreshold: 5,
			RecoveryWindow:   60 * time.Second,
		}, clock),
		Convert: quote.ForFree,
	}

	hcfg := hybrid.Config{
		Cache:         c,
		Tracker:       tracker,
		Free:          []hybrid.Backend{free},
		MaxConcurrent: cfg.MaxConcurrentFetches,
	}

	if cfg.PaidEnabled() {
		paidAdapter, err := adapters.NewPaidAdapter(adapters.PaidConfig{
			Token:   cfg.BrightDataToken,
			Timeout: cfg.RequestTimeout,
		})
		if err == nil {
			hcfg.Paid = &hybrid.Backend{
				Adapter: paidAdapter,
				Breaker: breaker.New("paid", breaker.Config{
					FailureThreshold: 3,
					RecoveryWindow:   120 * time.Second,
				}, clock),
				Convert: quote.ForPaid,
			}
		} else {
			observ.Warn("paid_adapter_disabled", map[string]any{"error": err.Error()})
		}
	} else {
		observ.Warn("paid_adapter_disabled", map[string]any{"reason": "BRIGHT_DATA_TOKEN not set"})
	}

	return hybrid.New(hcfg)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
