package quote

import "strings"

// Symbol conversion between the canonical form tracked by the collector
// and each backend's native identifier.
//
//	class        canonical   free        paid
//	stocks       AAPL        AAPL        AAPL:US
//	forex        EURUSD      EURUSD=X    EURUSD:CUR
//	commodities  GC          GC=F        GC1:COM
//	index        SENSEX      (n/a)       SENSEX:IND
//	crypto       BTCUSD      BTC-USD     XBTUSD:CUR

// Canonical uppercases and strips any backend suffix a caller may have
// pasted in (AAPL:US -> AAPL, GC=F -> GC). It does not invert the paid
// backend's per-class rewrites (GC1:COM, XBTUSD:CUR); callers that know
// the requested symbol keep it rather than re-deriving it from a native
// form.
func Canonical(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '='); i >= 0 {
		s = s[:i]
	}
	// Crypto pairs come back dashed from the free backend (BTC-USD).
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// ForFree converts a canonical symbol to the free backend's form. The
// free backend has no index coverage, reported via ok=false.
func ForFree(symbol string, class AssetClass) (string, bool) {
	s := Canonical(symbol)
	switch class {
	case Stocks:
		return s, true
	case Forex:
		return s + "=X", true
	case Commodities:
		return s + "=F", true
	case Crypto:
		// BTCUSD -> BTC-USD; quote currency is the trailing three letters.
		if len(s) > 3 {
			return s[:len(s)-3] + "-" + s[len(s)-3:], true
		}
		return s, true
	case Index:
		return "", false
	default:
		return "", false
	}
}

// ForPaid converts a canonical symbol to the paid backend's SYMBOL:SUFFIX
// form.
func ForPaid(symbol string, class AssetClass) (string, bool) {
	s := Canonical(symbol)
	switch class {
	case Stocks:
		return s + ":US", true
	case Forex:
		return s + ":CUR", true
	case Commodities:
		// Front-month contract: GC -> GC1:COM.
		return s + "1:COM", true
	case Index:
		return s + ":IND", true
	case Crypto:
		if strings.HasPrefix(s, "BTC") {
			s = "XBT" + s[3:]
		}
		return s + ":CUR", true
	default:
		return "", false
	}
}
