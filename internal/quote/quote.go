package quote

import (
	"fmt"
	"strings"
	"time"
)

// AssetClass is the coarse instrument category.
type AssetClass string

const (
	Stocks      AssetClass = "stocks"
	Forex       AssetClass = "forex"
	Commodities AssetClass = "commodities"
	Index       AssetClass = "index"
	Crypto      AssetClass = "crypto"
)

// ParseAssetClass validates a user-supplied class string.
func ParseAssetClass(s string) (AssetClass, error) {
	switch AssetClass(strings.ToLower(strings.TrimSpace(s))) {
	case Stocks:
		return Stocks, nil
	case Forex:
		return Forex, nil
	case Commodities:
		return Commodities, nil
	case Index:
		return Index, nil
	case Crypto:
		return Crypto, nil
	default:
		return "", fmt.Errorf("unknown asset class %q (want stocks|forex|commodities|index|crypto)", s)
	}
}

// Source tags which backend produced a quote.
type Source string

const (
	SourceCache Source = "cache"
	SourceFree  Source = "free"
	SourcePaid  Source = "paid"
)

// Quote is the canonical normalized market data record. Symbol plus
// AssetClass form the identity used by the cache and logs; every numeric
// field other than Price is optional.
type Quote struct {
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"asset_class"`
	Name       string     `json:"name,omitempty"`
	Price      float64    `json:"price"`

	Change        *float64 `json:"change,omitempty"`
	ChangePercent *float64 `json:"change_percent,omitempty"`
	Volume        *int64   `json:"volume,omitempty"`

	DayHigh    *float64 `json:"day_high,omitempty"`
	DayLow     *float64 `json:"day_low,omitempty"`
	Week52High *float64 `json:"week_52_high,omitempty"`
	Week52Low  *float64 `json:"week_52_low,omitempty"`

	Open          *float64 `json:"open,omitempty"`
	PreviousClose *float64 `json:"previous_close,omitempty"`

	Currency string `json:"currency,omitempty"`

	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate performs fail-closed validation before a quote is cached or
// written to a sink.
func Validate(q *Quote) error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}

	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	if _, err := ParseAssetClass(string(q.AssetClass)); err != nil {
		return err
	}

	if q.Price <= 0 {
		return fmt.Errorf("invalid price %.6f for %s", q.Price, q.Symbol)
	}

	if q.Volume != nil && *q.Volume < 0 {
		return fmt.Errorf("negative volume %d for %s", *q.Volume, q.Symbol)
	}

	if q.DayHigh != nil && q.DayLow != nil && *q.DayLow > *q.DayHigh {
		return fmt.Errorf("day low %.4f above day high %.4f for %s", *q.DayLow, *q.DayHigh, q.Symbol)
	}

	if q.Week52High != nil && q.Week52Low != nil && *q.Week52Low > *q.Week52High {
		return fmt.Errorf("52w low %.4f above 52w high %.4f for %s", *q.Week52Low, *q.Week52High, q.Symbol)
	}

	if q.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.Timestamp)
	}

	return nil
}

// Age reports how old the quote is at now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

func (q *Quote) String() string {
	return fmt.Sprintf("%s/%s %.4f (%s)", q.AssetClass, q.Symbol, q.Price, q.Source)
}

// Float64Ptr is a convenience for building quotes with optional fields.
func Float64Ptr(v float64) *float64 { return &v }

// Int64Ptr is a convenience for building quotes with optional fields.
func Int64Ptr(v int64) *int64 { return &v }
