package sinks

import "quotecollector/internal/quote"

// QuoteSink receives successful quotes from the scheduler. Implementations
// decide the format; the scheduler only hands them records.
type QuoteSink interface {
	Write(q *quote.Quote) error
	Name() string
	Close() error
}
