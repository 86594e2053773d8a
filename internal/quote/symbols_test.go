package quote

import "testing"

func TestForFree(t *testing.T) {
	tests := []struct {
		symbol string
		class  AssetClass
		want   string
		ok     bool
	}{
		{"AAPL", Stocks, "AAPL", true},
		{"aapl", Stocks, "AAPL", true},
		{"AAPL:US", Stocks, "AAPL", true},
		{"EURUSD", Forex, "EURUSD=X", true},
		{"GC", Commodities, "GC=F", true},
		{"SENSEX", Index, "", false},
		{"BTCUSD", Crypto, "BTC-USD", true},
		{"ETHUSD", Crypto, "ETH-USD", true},
	}

	for _, tt := range tests {
		got, ok := ForFree(tt.symbol, tt.class)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ForFree(%s, %s) = (%q, %v), want (%q, %v)",
				tt.symbol, tt.class, got, ok, tt.want, tt.ok)
		}
	}
}

func TestForPaid(t *testing.T) {
	tests := []struct {
		symbol string
		class  AssetClass
		want   string
	}{
		{"AAPL", Stocks, "AAPL:US"},
		{"EURUSD", Forex, "EURUSD:CUR"},
		{"GC", Commodities, "GC1:COM"},
		{"SENSEX", Index, "SENSEX:IND"},
		{"BTCUSD", Crypto, "XBTUSD:CUR"},
		{"ETHUSD", Crypto, "ETHUSD:CUR"},
	}

	for _, tt := range tests {
		got, ok := ForPaid(tt.symbol, tt.class)
		if !ok || got != tt.want {
			t.Errorf("ForPaid(%s, %s) = (%q, %v), want (%q, true)",
				tt.symbol, tt.class, got, ok, tt.want)
		}
	}
}

func TestCanonicalStripsSuffixes(t *testing.T) {
	tests := []struct{ in, want string }{
		{"AAPL:US", "AAPL"},
		{"GC=F", "GC"},
		{"BTC-USD", "BTCUSD"},
		{" eurusd ", "EURUSD"},
	}
	for _, tt := range tests {
		if got := Canonical(tt.in); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
