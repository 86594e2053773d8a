package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"quotecollector/internal/observ"
	"quotecollector/internal/quote"
)

const (
	defaultPaidBaseURL  = "https://api.brightdata.com"
	defaultPaidZone     = "bloomberg"
	bloombergQuoteURL   = "https://www.bloomberg.com/quote/"
	defaultPaidAttempts = 3
)

// PaidAdapter fetches quotes through the Bright Data scraping API: a
// Bearer-authenticated JSON POST that returns the raw Bloomberg quote
// page. Each FetchQuote call that gets an answer from the remote is
// charged one budget unit by the caller regardless of outcome, however
// many retries it took, so the adapter reports via
// FetchError.RemoteReached whether the remote actually answered.
type PaidAdapter struct {
	token      string
	zone       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	attempts   int
	backoff    time.Duration
}

// PaidConfig configures the paid adapter.
type PaidConfig struct {
	Token              string
	Zone               string
	BaseURL            string
	Timeout            time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	RateLimitPerMinute int
}

// NewPaidAdapter creates the paid adapter. The token is required.
func NewPaidAdapter(cfg PaidConfig) (*PaidAdapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("paid adapter requires a token")
	}
	if cfg.Zone == "" {
		cfg.Zone = defaultPaidZone
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPaidBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultPaidAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}

	return &PaidAdapter{
		token:      cfg.Token,
		zone:       cfg.Zone,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
		attempts:   cfg.MaxAttempts,
		backoff:    cfg.BackoffBase,
	}, nil
}

func (p *PaidAdapter) Name() string { return "paid" }

func (p *PaidAdapter) Close() error { return nil }

type scrapeRequest struct {
	Zone   string `json:"zone"`
	URL    string `json:"url"`
	Format string `json:"format"`
}

// FetchQuote fetches one quote by the paid backend's native symbol
// (SYMBOL:SUFFIX). Transport-level failures (429, 5xx) are retried with
// exponential backoff inside this single logical call; auth failures are
// not retried.
func (p *PaidAdapter) FetchQuote(ctx context.Context, nativeSymbol string, class quote.AssetClass) (*quote.Quote, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, newTransportError(nativeSymbol, "rate limit wait cancelled", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			backoff := p.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, newTransportError(nativeSymbol, "cancelled during backoff", ctx.Err())
			case <-time.After(backoff):
			}
		}

		html, err := p.scrape(ctx, nativeSymbol)
		if err != nil {
			lastErr = err
			var fe *FetchError
			if errors.As(err, &fe) && fe.Retryable() {
				observ.IncCounter("paid_adapter_retries_total", map[string]string{"kind": string(fe.Kind)})
				continue
			}
			return nil, err
		}

		q, err := p.parseBloombergQuote(html, nativeSymbol, class)
		if err != nil {
			return nil, err
		}
		return q, nil
	}

	return nil, lastErr
}

// scrape performs one POST against the scraping API and returns the page
// body.
func (p *PaidAdapter) scrape(ctx context.Context, nativeSymbol string) (string, error) {
	payload, err := json.Marshal(scrapeRequest{
		Zone:   p.zone,
		URL:    bloombergQuoteURL + nativeSymbol,
		Format: "raw",
	})
	if err != nil {
		return "", newTransportError(nativeSymbol, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/request", bytes.NewReader(payload))
	if err != nil {
		return "", newTransportError(nativeSymbol, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	observ.RecordDuration("paid_adapter_latency", time.Since(start), nil)
	if err != nil {
		// No response: the remote may never have been reached, so the
		// caller must not charge for this attempt.
		return "", newTransportError(nativeSymbol, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", newAuthError(nativeSymbol, fmt.Sprintf("authentication failed: HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", newRateLimitError(nativeSymbol, "rate limited by scraping backend")
	case resp.StatusCode >= 500:
		return "", newServerError(nativeSymbol, fmt.Sprintf("HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return "", &FetchError{
			Kind: KindTransport, Symbol: nativeSymbol,
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode), RemoteReached: true,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &FetchError{
			Kind: KindTransport, Symbol: nativeSymbol,
			Message: "read response body", Cause: err, RemoteReached: true,
		}
	}
	return string(body), nil
}

// Bloomberg embeds quote fields in data attributes and JSON islands; the
// extraction keys on the stable ones.
var (
	rePrice     = regexp.MustCompile(`"price"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	reChange    = regexp.MustCompile(`"priceChange1Day"\s*:\s*"?(-?[0-9][0-9,]*\.?[0-9]*)"?`)
	rePctChange = regexp.MustCompile(`"percentChange1Day"\s*:\s*"?(-?[0-9][0-9,]*\.?[0-9]*)"?`)
	reVolume    = regexp.MustCompile(`"volume"\s*:\s*"?([0-9][0-9,]*)"?`)
	reDayHigh   = regexp.MustCompile(`"highPrice"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	reDayLow    = regexp.MustCompile(`"lowPrice"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	re52High    = regexp.MustCompile(`"highPrice52Week"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	re52Low     = regexp.MustCompile(`"lowPrice52Week"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	reOpen      = regexp.MustCompile(`"openPrice"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	rePrevClose = regexp.MustCompile(`"previousClosingPriceOneTradingDayAgo"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	reCurrency  = regexp.MustCompile(`"issuedCurrency"\s*:\s*"([A-Z]{3})"`)
	reName      = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)
)

func (p *PaidAdapter) parseBloombergQuote(html, nativeSymbol string, class quote.AssetClass) (*quote.Quote, error) {
	price, ok := matchFloat(rePrice, html)
	if !ok {
		return nil, newParseError(nativeSymbol, "price not found in page", nil)
	}

	q := &quote.Quote{
		Symbol:     quote.Canonical(nativeSymbol),
		AssetClass: class,
		Price:      price,
		Source:     quote.SourcePaid,
		Timestamp:  time.Now().UTC(),
	}

	if v, ok := matchFloat(reChange, html); ok {
		q.Change = &v
	}
	if v, ok := matchFloat(rePctChange, html); ok {
		q.ChangePercent = &v
	}
	if v, ok := matchFloat(reVolume, html); ok {
		n := int64(v)
		q.Volume = &n
	}
	if v, ok := matchFloat(reDayHigh, html); ok {
		q.DayHigh = &v
	}
	if v, ok := matchFloat(reDayLow, html); ok {
		q.DayLow = &v
	}
	if v, ok := matchFloat(re52High, html); ok {
		q.Week52High = &v
	}
	if v, ok := matchFloat(re52Low, html); ok {
		q.Week52Low = &v
	}
	if v, ok := matchFloat(reOpen, html); ok {
		q.Open = &v
	}
	if v, ok := matchFloat(rePrevClose, html); ok {
		q.PreviousClose = &v
	}
	if m := reCurrency.FindStringSubmatch(html); m != nil {
		q.Currency = m[1]
	}
	if m := reName.FindStringSubmatch(html); m != nil {
		q.Name = m[1]
	}

	if err := quote.Validate(q); err != nil {
		return nil, newParseError(nativeSymbol, "extracted quote invalid", err)
	}
	return q, nil
}

func matchFloat(re *regexp.Regexp, html string) (float64, bool) {
	m := re.FindStringSubmatch(html)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
