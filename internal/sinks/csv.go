package sinks

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"quotecollector/internal/quote"
)

// CSVSink appends quotes to per-symbol daily files laid out as
// <base>/<class>/<SYMBOL>/<YYYY-MM-DD>.csv, writing a header row when a
// file is created.
type CSVSink struct {
	mu   sync.Mutex
	base string
}

var csvHeader = []string{
	"timestamp", "symbol", "asset_class", "price", "change", "change_percent",
	"volume", "day_high", "day_low", "week_52_high", "week_52_low",
	"open", "previous_close", "currency", "source",
}

// NewCSVSink creates a CSV sink rooted at base.
func NewCSVSink(base string) *CSVSink {
	return &CSVSink{base: base}
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Close() error { return nil }

// Write appends one row for q to the file for the quote's UTC date (today's
// date when the quote has no timestamp).
func (s *CSVSink) Write(q *quote.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.base, string(q.AssetClass), safeSymbol(q.Symbol))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sink directory: %w", err)
	}

	day := q.Timestamp.UTC().Format("2006-01-02")
	if q.Timestamp.IsZero() {
		day = time.Now().UTC().Format("2006-01-02")
	}
	path := filepath.Join(dir, day+".csv")

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sink file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := w.Write(row(q)); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func row(q *quote.Quote) []string {
	return []string{
		q.Timestamp.UTC().Format(time.RFC3339),
		q.Symbol,
		string(q.AssetClass),
		strconv.FormatFloat(q.Price, 'f', -1, 64),
		optFloat(q.Change),
		optFloat(q.ChangePercent),
		optInt(q.Volume),
		optFloat(q.DayHigh),
		optFloat(q.DayLow),
		optFloat(q.Week52High),
		optFloat(q.Week52Low),
		optFloat(q.Open),
		optFloat(q.PreviousClose),
		q.Currency,
		string(q.Source),
	}
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// safeSymbol makes a symbol filesystem-friendly (EUR/USD -> EUR_USD).
func safeSymbol(symbol string) string {
	out := make([]rune, 0, len(symbol))
	for _, r := range symbol {
		switch r {
		case '/', ':', '\\', ' ':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
