package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"quotecollector/internal/observ"
	"quotecollector/internal/quote"
)

const defaultFreeBaseURL = "https://query1.finance.yahoo.com"

// FreeAdapter fetches quotes from the free Yahoo-style JSON endpoint.
// Requests carry no monetary cost.
type FreeAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// FreeConfig configures the free adapter.
type FreeConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewFreeAdapter creates the free adapter.
func NewFreeAdapter(cfg FreeConfig) *FreeAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFreeBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FreeAdapter{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (f *FreeAdapter) Name() string { return "free" }

func (f *FreeAdapter) Close() error { return nil }

type yahooQuoteResponse struct {
	QuoteResponse struct {
		Result []yahooQuote `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

type yahooQuote struct {
	Symbol                     string   `json:"symbol"`
	ShortName                  string   `json:"shortName"`
	RegularMarketPrice         *float64 `json:"regularMarketPrice"`
	RegularMarketChange        *float64 `json:"regularMarketChange"`
	RegularMarketChangePercent *float64 `json:"regularMarketChangePercent"`
	RegularMarketVolume        *int64   `json:"regularMarketVolume"`
	RegularMarketDayHigh       *float64 `json:"regularMarketDayHigh"`
	RegularMarketDayLow        *float64 `json:"regularMarketDayLow"`
	FiftyTwoWeekHigh           *float64 `json:"fiftyTwoWeekHigh"`
	FiftyTwoWeekLow            *float64 `json:"fiftyTwoWeekLow"`
	RegularMarketOpen          *float64 `json:"regularMarketOpen"`
	RegularMarketPreviousClose *float64 `json:"regularMarketPreviousClose"`
	Currency                   string   `json:"currency"`
}

// FetchQuote fetches one quote by the free backend's native symbol.
func (f *FreeAdapter) FetchQuote(ctx context.Context, nativeSymbol string, class quote.AssetClass) (*quote.Quote, error) {
	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", f.baseURL, url.QueryEscape(nativeSymbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newTransportError(nativeSymbol, "build request", err)
	}
	req.Header.Set("User-Agent", "quotecollector/1.0")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	observ.RecordDuration("free_adapter_latency", time.Since(start), nil)
	if err != nil {
		return nil, newTransportError(nativeSymbol, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newRateLimitError(nativeSymbol, "rate limited by free backend")
	case resp.StatusCode >= 500:
		return nil, newServerError(nativeSymbol, fmt.Sprintf("HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, &FetchError{
			Kind: KindTransport, Symbol: nativeSymbol,
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode), RemoteReached: true,
		}
	}

	var body yahooQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, newParseError(nativeSymbol, "decode response", err)
	}
	if e := body.QuoteResponse.Error; e != nil {
		return nil, newParseError(nativeSymbol, fmt.Sprintf("%s: %s", e.Code, e.Description), nil)
	}
	if len(body.QuoteResponse.Result) == 0 {
		return nil, newParseError(nativeSymbol, "no result for symbol", nil)
	}

	yq := body.QuoteResponse.Result[0]
	if yq.RegularMarketPrice == nil || *yq.RegularMarketPrice <= 0 {
		return nil, newParseError(nativeSymbol, "missing or invalid price", nil)
	}

	q := &quote.Quote{
		Symbol:        quote.Canonical(nativeSymbol),
		AssetClass:    class,
		Name:          yq.ShortName,
		Price:         *yq.RegularMarketPrice,
		Change:        yq.RegularMarketChange,
		ChangePercent: yq.RegularMarketChangePercent,
		Volume:        yq.RegularMarketVolume,
		DayHigh:       yq.RegularMarketDayHigh,
		DayLow:        yq.RegularMarketDayLow,
		Week52High:    yq.FiftyTwoWeekHigh,
		Week52Low:     yq.FiftyTwoWeekLow,
		Open:          yq.RegularMarketOpen,
		PreviousClose: yq.RegularMarketPreviousClose,
		Currency:      yq.Currency,
		Source:        quote.SourceFree,
		Timestamp:     time.Now().UTC(),
	}
	if err := quote.Validate(q); err != nil {
		return nil, newParseError(nativeSymbol, "normalized quote invalid", err)
	}
	return q, nil
}
