package adapters

import (
	"context"
	"errors"
	"fmt"

	"quotecollector/internal/quote"
)

// BackendAdapter is a single provider of quotes. Adapters own HTTP,
// parsing, and normalization; they never touch the cache, cost tracker,
// or breakers.
type BackendAdapter interface {
	// FetchQuote fetches the quote for a backend-native symbol.
	FetchQuote(ctx context.Context, nativeSymbol string, class quote.AssetClass) (*quote.Quote, error)
	Name() string
	Close() error
}

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"       // 401/403, never retried
	KindRateLimit ErrorKind = "rate_limit" // 429, retried with backoff
	KindServer    ErrorKind = "server"     // 5xx, retried with backoff
	KindTransport ErrorKind = "transport"  // network-level failure
	KindParse     ErrorKind = "parse"      // response received but unusable
)

// FetchError is the adapter failure value. RemoteReached tells the caller
// whether the request produced a definite remote outcome, which decides
// whether a paid attempt is charged.
type FetchError struct {
	Kind          ErrorKind
	Symbol        string
	Message       string
	Cause         error
	RemoteReached bool
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Kind, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Kind, e.Symbol, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is worth another transport attempt.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindServer
}

// ReachedRemote reports whether err carries evidence the remote answered.
// Non-FetchError values are treated conservatively as not reached.
func ReachedRemote(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RemoteReached
	}
	return false
}

func newAuthError(symbol, message string) *FetchError {
	return &FetchError{Kind: KindAuth, Symbol: symbol, Message: message, RemoteReached: true}
}

func newRateLimitError(symbol, message string) *FetchError {
	return &FetchError{Kind: KindRateLimit, Symbol: symbol, Message: message, RemoteReached: true}
}

func newServerError(symbol, message string) *FetchError {
	return &FetchError{Kind: KindServer, Symbol: symbol, Message: message, RemoteReached: true}
}

func newTransportError(symbol, message string, cause error) *FetchError {
	return &FetchError{Kind: KindTransport, Symbol: symbol, Message: message, Cause: cause}
}

func newParseError(symbol, message string, cause error) *FetchError {
	return &FetchError{Kind: KindParse, Symbol: symbol, Message: message, Cause: cause, RemoteReached: true}
}
