package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"quotecollector/internal/clockwork"
	"quotecollector/internal/observ"
)

// ErrCircuitOpen is returned when a call is rejected without being
// attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state machine state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls the breaker's failure and recovery behavior.
type Config struct {
	// FailureThreshold consecutive failures while CLOSED open the circuit.
	FailureThreshold int
	// RecoveryWindow is how long the circuit stays OPEN before a probe
	// is admitted.
	RecoveryWindow time.Duration
	// SuccessThreshold successes in HALF_OPEN close the circuit.
	SuccessThreshold int
}

// Breaker guards one backend. All transitions happen under one mutex;
// the OPEN window check and probe admission are atomic with the
// transition to HALF_OPEN.
type Breaker struct {
	name  string
	cfg   Config
	clock clockwork.Clock

	mu            sync.Mutex
	state         State
	failures      int // consecutive, while CLOSED
	successes     int // consecutive, while HALF_OPEN
	probeInFlight bool
	openedAt      time.Time
	lastFailure   time.Time
	lastChange    time.Time

	totalCalls       int64
	totalSuccesses   int64
	totalFailures    int64
	totalRejections  int64
	stateTransitions int64
	recentChanges    []Transition
}

// Transition records one state change for diagnostics.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	From      State     `json:"from"`
	To        State     `json:"to"`
}

// Stats is the breaker statistics snapshot.
type Stats struct {
	Name                 string       `json:"name"`
	State                State        `json:"state"`
	Available            bool         `json:"available"`
	FailureThreshold     int          `json:"failure_threshold"`
	RecoveryWindowSecs   float64      `json:"recovery_window_seconds"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	TotalCalls           int64        `json:"total_calls"`
	TotalSuccesses       int64        `json:"total_successes"`
	TotalFailures        int64        `json:"total_failures"`
	TotalRejections      int64        `json:"total_rejections"`
	StateTransitions     int64        `json:"state_transitions"`
	FailureRatePct       float64      `json:"failure_rate_pct"`
	OpenedAt             *time.Time   `json:"opened_at,omitempty"`
	LastFailureAt        *time.Time   `json:"last_failure_at,omitempty"`
	RecoveryInSeconds    *float64     `json:"recovery_in_seconds,omitempty"`
	RecentTransitions    []Transition `json:"recent_transitions,omitempty"`
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.Real{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}

	b := &Breaker{
		name:       name,
		cfg:        cfg,
		clock:      clock,
		state:      StateClosed,
		lastChange: clock.Now(),
	}

	observ.Log("breaker_created", map[string]any{
		"name":              name,
		"failure_threshold": cfg.FailureThreshold,
		"recovery_window_s": cfg.RecoveryWindow.Seconds(),
	})

	return b
}

// Call wraps a single attempt against the guarded backend. When the
// circuit is OPEN (or a probe is already in flight during HALF_OPEN) the
// call is rejected with ErrCircuitOpen without invoking fn. The breaker
// does not inspect error content; any error from fn counts as a failure.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// admit decides atomically whether a call may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.RecoveryWindow {
			b.totalRejections++
			observ.IncCounter("breaker_rejections_total", map[string]string{"name": b.name})
			return fmt.Errorf("%s: %w (recovery in %.0fs)", b.name, ErrCircuitOpen, b.recoveryRemainingLocked())
		}
		// Window elapsed: admit exactly one probe.
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			b.totalRejections++
			return fmt.Errorf("%s: %w (probe in flight)", b.name, ErrCircuitOpen)
		}
		b.probeInFlight = true
		return nil

	default:
		b.totalRejections++
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
}

// RecordSuccess feeds a successful outcome into the state machine. It is
// exported for callers that manage the attempt themselves.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.failures = 0

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure feeds a failed outcome into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailure = b.clock.Now()

	switch b.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.probeInFlight = false
		b.successes = 0
		b.openedAt = b.clock.Now()
		b.transitionLocked(StateOpen)

	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.clock.Now()
			b.transitionLocked(StateOpen)
		}
	}
}

// IsAvailable reports whether a call would currently be admitted. It does
// not consume the probe slot.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.clock.Now().Sub(b.openedAt) >= b.cfg.RecoveryWindow
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker CLOSED. Diagnostic use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.openedAt = time.Time{}

	observ.Log("breaker_manual_reset", map[string]any{"name": b.name})
}

// Statistics returns a snapshot of counters and state.
func (b *Breaker) Statistics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                 b.name,
		State:                b.state,
		FailureThreshold:     b.cfg.FailureThreshold,
		RecoveryWindowSecs:   b.cfg.RecoveryWindow.Seconds(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalCalls:           b.totalCalls,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		TotalRejections:      b.totalRejections,
		StateTransitions:     b.stateTransitions,
		RecentTransitions:    append([]Transition(nil), b.recentChanges...),
	}

	switch b.state {
	case StateClosed:
		s.Available = true
	case StateOpen:
		s.Available = b.clock.Now().Sub(b.openedAt) >= b.cfg.RecoveryWindow
	case StateHalfOpen:
		s.Available = !b.probeInFlight
	}

	if b.totalCalls > 0 {
		s.FailureRatePct = float64(b.totalFailures) / float64(b.totalCalls) * 100
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	if b.state == StateOpen {
		r := b.recoveryRemainingLocked()
		s.RecoveryInSeconds = &r
	}

	return s
}

func (b *Breaker) recoveryRemainingLocked() float64 {
	remaining := b.cfg.RecoveryWindow - b.clock.Now().Sub(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Seconds()
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastChange = b.clock.Now()
	b.stateTransitions++

	if to == StateClosed {
		b.failures = 0
		b.successes = 0
		b.probeInFlight = false
	}
	if to == StateHalfOpen {
		b.successes = 0
	}

	b.recentChanges = append(b.recentChanges, Transition{
		Timestamp: b.lastChange,
		From:      from,
		To:        to,
	})
	if len(b.recentChanges) > 10 {
		b.recentChanges = b.recentChanges[len(b.recentChanges)-10:]
	}

	observ.IncCounter("breaker_transitions_total", map[string]string{
		"name": b.name,
		"from": string(from),
		"to":   string(to),
	})
	observ.Log("breaker_state_changed", map[string]any{
		"name": b.name,
		"from": string(from),
		"to":   string(to),
	})
}
