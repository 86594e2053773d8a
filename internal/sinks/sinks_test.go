package sinks

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotecollector/internal/quote"
)

func sampleQuote() *quote.Quote {
	return &quote.Quote{
		Symbol:     "AAPL",
		AssetClass: quote.Stocks,
		Price:      206.80,
		Change:     quote.Float64Ptr(1.25),
		Volume:     quote.Int64Ptr(12500000),
		Currency:   "USD",
		Source:     quote.SourceFree,
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCSVSinkLayoutAndHeader(t *testing.T) {
	base := t.TempDir()
	s := NewCSVSink(base)

	q := sampleQuote()
	require.NoError(t, s.Write(q))
	require.NoError(t, s.Write(q))

	path := filepath.Join(base, "stocks", "AAPL", "2025-06-01.csv")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two data rows")

	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "AAPL", rows[1][1])
	assert.Equal(t, "206.8", rows[1][3])
	assert.Equal(t, "12500000", rows[1][6])
	assert.Equal(t, "free", rows[1][14])
}

func TestCSVSinkSanitizesSymbols(t *testing.T) {
	base := t.TempDir()
	s := NewCSVSink(base)

	q := sampleQuote()
	q.Symbol = "EUR/USD"
	q.AssetClass = quote.Forex
	require.NoError(t, s.Write(q))

	_, err := os.Stat(filepath.Join(base, "forex", "EUR_USD", "2025-06-01.csv"))
	assert.NoError(t, err)
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "quotes.jsonl")

	s, err := NewJSONLSink(path)
	require.NoError(t, err)

	require.NoError(t, s.Write(sampleQuote()))
	q2 := sampleQuote()
	q2.Symbol = "MSFT"
	require.NoError(t, s.Write(q2))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []quote.Quote
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var q quote.Quote
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &q))
		lines = append(lines, q)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "AAPL", lines[0].Symbol)
	assert.Equal(t, "MSFT", lines[1].Symbol)
	assert.Equal(t, 206.80, lines[0].Price)
}
