package adapters

import (
	"context"
	"sync"
	"time"

	"quotecollector/internal/quote"
)

// MockAdapter provides scriptable quotes and failures for tests. Safe for
// concurrent use.
type MockAdapter struct {
	name string

	mu        sync.Mutex
	quotes    map[string]*quote.Quote
	err       error
	errBySym  map[string]error
	calls     int
	callsBySym map[string]int
}

// NewMockAdapter creates a mock with the given name and no scripted data.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:       name,
		quotes:     map[string]*quote.Quote{},
		errBySym:   map[string]error{},
		callsBySym: map[string]int{},
	}
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) Close() error { return nil }

// SetQuote scripts a quote for a native symbol.
func (m *MockAdapter) SetQuote(nativeSymbol string, q *quote.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[nativeSymbol] = q
}

// SetPrice scripts a minimal valid quote at price for a native symbol.
func (m *MockAdapter) SetPrice(nativeSymbol string, class quote.AssetClass, price float64) {
	m.SetQuote(nativeSymbol, &quote.Quote{
		Symbol:     quote.Canonical(nativeSymbol),
		AssetClass: class,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	})
}

// FailWith makes every call fail with err until cleared (nil).
func (m *MockAdapter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FailSymbolWith makes calls for one native symbol fail with err.
func (m *MockAdapter) FailSymbolWith(nativeSymbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errBySym[nativeSymbol] = err
}

// Calls returns the total number of FetchQuote invocations.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CallsFor returns the FetchQuote invocations for one native symbol.
func (m *MockAdapter) CallsFor(nativeSymbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callsBySym[nativeSymbol]
}

// FetchQuote returns the scripted quote or failure for nativeSymbol.
func (m *MockAdapter) FetchQuote(ctx context.Context, nativeSymbol string, class quote.AssetClass) (*quote.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, newTransportError(nativeSymbol, "context done", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.callsBySym[nativeSymbol]++

	if err := m.errBySym[nativeSymbol]; err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}

	q, ok := m.quotes[nativeSymbol]
	if !ok {
		return nil, newParseError(nativeSymbol, "symbol not scripted in mock", nil)
	}

	cp := *q
	cp.AssetClass = class
	return &cp, nil
}
