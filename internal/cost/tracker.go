package cost

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"quotecollector/internal/clockwork"
	"quotecollector/internal/observ"
	"quotecollector/internal/quote"
)

// ErrBudgetExhausted is returned by callers that treat a denied budget
// check as an error outcome.
var ErrBudgetExhausted = errors.New("budget exhausted")

// AlertLevel grades budget consumption.
type AlertLevel string

const (
	AlertOK       AlertLevel = "ok"
	AlertWarning  AlertLevel = "warning"  // >= 50% consumed
	AlertCritical AlertLevel = "critical" // >= 80% consumed
	AlertDanger   AlertLevel = "danger"   // >= 95% consumed
)

const (
	warningThreshold  = 0.50
	criticalThreshold = 0.80
	dangerThreshold   = 0.95
)

// DayCounters tracks paid request volume and spend for one calendar day.
type DayCounters struct {
	Count int     `json:"count"`
	Cost  float64 `json:"cost"`
}

// state is the persisted document. Derived fields (alert level, averages)
// are recomputed on demand and never stored.
type state struct {
	TotalRequests      int                       `json:"total_requests"`
	SuccessfulRequests int                       `json:"successful_requests"`
	FailedRequests     int                       `json:"failed_requests"`
	TotalCost          float64                   `json:"total_cost"`
	RequestsByDate     map[string]*DayCounters   `json:"requests_by_date"`
	RequestsByAsset    map[string]map[string]int `json:"requests_by_asset"`
	TrackingStart      time.Time                 `json:"tracking_start"`
	LastUpdated        time.Time                 `json:"last_updated"`
}

// Tracker is the process-wide accountant for the paid backend. All
// mutations are serialized behind one mutex and persisted synchronously.
type Tracker struct {
	mu sync.Mutex

	budget   float64
	unitCost float64
	path     string
	clock    clockwork.Clock

	st state
}

// Accounting is the snapshot returned after each recorded request.
type Accounting struct {
	RequestCount    int        `json:"request_count"`
	TotalCost       float64    `json:"total_cost"`
	BudgetRemaining float64    `json:"budget_remaining"`
	BudgetUsedPct   float64    `json:"budget_used_pct"`
	AlertLevel      AlertLevel `json:"alert_level"`
	Success         bool       `json:"success"`
	AssetClass      string     `json:"asset_class"`
	Symbol          string     `json:"symbol"`
	Timestamp       time.Time  `json:"timestamp"`
}

// StatsReport is the full statistics snapshot.
type StatsReport struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	SuccessRatePct     float64 `json:"success_rate_pct"`

	TotalCost       float64    `json:"total_cost"`
	BudgetLimit     float64    `json:"budget_limit"`
	BudgetRemaining float64    `json:"budget_remaining"`
	BudgetUsedPct   float64    `json:"budget_used_pct"`
	AlertLevel      AlertLevel `json:"alert_level"`

	TrackingStart        time.Time `json:"tracking_start"`
	DaysElapsed          int       `json:"days_elapsed"`
	DailyAverageRequests float64   `json:"daily_average_requests"`
	DailyAverageCost     float64   `json:"daily_average_cost"`

	// DaysUntilExhaustion is nil when the daily average cost is zero.
	DaysUntilExhaustion     *float64 `json:"days_until_exhaustion,omitempty"`
	EstimatedExhaustionDate string   `json:"estimated_exhaustion_date,omitempty"`

	RequestsByDate  map[string]DayCounters    `json:"requests_by_date"`
	RequestsByAsset map[string]map[string]int `json:"requests_by_asset"`

	CostPerRequest      float64   `json:"cost_per_request"`
	MaxPossibleRequests int       `json:"max_possible_requests"`
	LastUpdated         time.Time `json:"last_updated"`
}

// NextThreshold describes the next alert boundary that will be crossed.
type NextThreshold struct {
	Level         AlertLevel `json:"level"`
	ThresholdPct  int        `json:"threshold_pct"`
	RequestsUntil int        `json:"requests_until"`
}

// AlertStatus is the condensed budget health view used by the CLI.
type AlertStatus struct {
	AlertLevel        AlertLevel     `json:"alert_level"`
	BudgetUsedPct     float64        `json:"budget_used_pct"`
	BudgetRemaining   float64        `json:"budget_remaining"`
	RequestsRemaining int            `json:"requests_remaining"`
	NextThreshold     *NextThreshold `json:"next_threshold,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// New creates a tracker persisting to path. An existing document is
// loaded; a corrupt one is logged and replaced with a fresh state.
func New(path string, budget, unitCost float64, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.Real{}
	}
	t := &Tracker{
		budget:   budget,
		unitCost: unitCost,
		path:     path,
		clock:    clock,
		st: state{
			RequestsByDate:  map[string]*DayCounters{},
			RequestsByAsset: map[string]map[string]int{},
			TrackingStart:   clock.Now().UTC(),
		},
	}
	t.load()
	return t
}

var (
	defaultOnce    sync.Once
	defaultTracker *Tracker
)

// Default returns a lazily-initialized package-level tracker bound to the
// conventional state path. The composition root normally constructs its
// own instance; Default exists for one-shot CLI paths.
func Default(path string, budget, unitCost float64) *Tracker {
	defaultOnce.Do(func() {
		defaultTracker = New(path, budget, unitCost, clockwork.Real{})
	})
	return defaultTracker
}

func (t *Tracker) load() {
	b, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			observ.Warn("cost_state_read_failed", map[string]any{"path": t.path, "error": err.Error()})
		}
		return
	}

	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		// Corrupt state is recoverable: start fresh, never abort.
		observ.Warn("cost_state_corrupt", map[string]any{"path": t.path, "error": err.Error()})
		return
	}

	if st.RequestsByDate == nil {
		st.RequestsByDate = map[string]*DayCounters{}
	}
	if st.RequestsByAsset == nil {
		st.RequestsByAsset = map[string]map[string]int{}
	}
	if st.TrackingStart.IsZero() {
		st.TrackingStart = t.clock.Now().UTC()
	}
	t.st = st
}

// persist writes the state atomically (temp file + rename). Failures are
// logged and do not roll back the in-memory update.
func (t *Tracker) persist() {
	t.st.LastUpdated = t.clock.Now().UTC()

	b, err := json.MarshalIndent(t.st, "", "  ")
	if err != nil {
		observ.Warn("cost_state_marshal_failed", map[string]any{"error": err.Error()})
		return
	}

	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		observ.Warn("cost_state_write_failed", map[string]any{"path": t.path, "error": err.Error()})
		return
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		observ.Warn("cost_state_write_failed", map[string]any{"path": tmp, "error": err.Error()})
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		observ.Warn("cost_state_rename_failed", map[string]any{"path": t.path, "error": err.Error()})
	}
}

// CanMakeRequest reports whether one more paid request fits the budget.
// It never blocks and never mutates state.
func (t *Tracker) CanMakeRequest() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := t.budget - t.st.TotalCost
	if remaining < t.unitCost {
		return false, fmt.Sprintf("budget exhausted: remaining $%.4f < unit cost $%.4f", remaining, t.unitCost)
	}
	return true, ""
}

// RecordRequest charges one paid request against the budget. Both
// successful and failed requests consume budget; the paid backend charges
// for transport either way.
func (t *Tracker) RecordRequest(class quote.AssetClass, symbol string, success bool) Accounting {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	t.st.TotalRequests++
	t.st.TotalCost += t.unitCost
	if success {
		t.st.SuccessfulRequests++
	} else {
		t.st.FailedRequests++
	}

	day := now.UTC().Format("2006-01-02")
	dc := t.st.RequestsByDate[day]
	if dc == nil {
		dc = &DayCounters{}
		t.st.RequestsByDate[day] = dc
	}
	dc.Count++
	dc.Cost += t.unitCost

	byClass := t.st.RequestsByAsset[string(class)]
	if byClass == nil {
		byClass = map[string]int{}
		t.st.RequestsByAsset[string(class)] = byClass
	}
	byClass[symbol]++

	ratio := t.usageRatioLocked()
	level := levelFor(ratio)

	t.persist()

	observ.IncCounter("cost_requests_total", map[string]string{
		"asset_class": string(class),
		"success":     fmt.Sprintf("%t", success),
	})
	observ.SetGauge("cost_total_usd", t.st.TotalCost, nil)
	observ.SetGauge("cost_budget_remaining_usd", t.budget-t.st.TotalCost, nil)

	return Accounting{
		RequestCount:    t.st.TotalRequests,
		TotalCost:       round4(t.st.TotalCost),
		BudgetRemaining: round4(t.budget - t.st.TotalCost),
		BudgetUsedPct:   round2(ratio * 100),
		AlertLevel:      level,
		Success:         success,
		AssetClass:      string(class),
		Symbol:          symbol,
		Timestamp:       now.UTC(),
	}
}

// Statistics returns a consistent snapshot of all counters plus derived
// metrics and the exhaustion prediction.
func (t *Tracker) Statistics() StatsReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	ratio := t.usageRatioLocked()
	remaining := t.budget - t.st.TotalCost

	daysElapsed := int(now.Sub(t.st.TrackingStart).Hours()/24) + 1
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	dailyAvgCost := t.st.TotalCost / float64(daysElapsed)
	dailyAvgRequests := float64(t.st.TotalRequests) / float64(daysElapsed)

	var successRate float64
	if t.st.TotalRequests > 0 {
		successRate = float64(t.st.SuccessfulRequests) / float64(t.st.TotalRequests) * 100
	}

	report := StatsReport{
		TotalRequests:        t.st.TotalRequests,
		SuccessfulRequests:   t.st.SuccessfulRequests,
		FailedRequests:       t.st.FailedRequests,
		SuccessRatePct:       round2(successRate),
		TotalCost:            round4(t.st.TotalCost),
		BudgetLimit:          t.budget,
		BudgetRemaining:      round4(remaining),
		BudgetUsedPct:        round2(ratio * 100),
		AlertLevel:           levelFor(ratio),
		TrackingStart:        t.st.TrackingStart,
		DaysElapsed:          daysElapsed,
		DailyAverageRequests: round2(dailyAvgRequests),
		DailyAverageCost:     round4(dailyAvgCost),
		RequestsByDate:       map[string]DayCounters{},
		RequestsByAsset:      map[string]map[string]int{},
		CostPerRequest:       t.unitCost,
		MaxPossibleRequests:  int(t.budget / t.unitCost),
		LastUpdated:          t.st.LastUpdated,
	}

	if dailyAvgCost > 0 {
		days := remaining / dailyAvgCost
		rounded := math.Round(days*10) / 10
		report.DaysUntilExhaustion = &rounded
		report.EstimatedExhaustionDate = now.Add(time.Duration(days*24) * time.Hour).UTC().Format("2006-01-02")
	}

	for day, dc := range t.st.RequestsByDate {
		report.RequestsByDate[day] = DayCounters{Count: dc.Count, Cost: round4(dc.Cost)}
	}
	for class, symbols := range t.st.RequestsByAsset {
		cp := make(map[string]int, len(symbols))
		for sym, n := range symbols {
			cp[sym] = n
		}
		report.RequestsByAsset[class] = cp
	}

	return report
}

// AlertStatus returns the condensed budget health view, including the
// next threshold that will be crossed.
func (t *Tracker) AlertStatus() AlertStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ratio := t.usageRatioLocked()
	remaining := t.budget - t.st.TotalCost

	status := AlertStatus{
		AlertLevel:        levelFor(ratio),
		BudgetUsedPct:     round2(ratio * 100),
		BudgetRemaining:   round4(remaining),
		RequestsRemaining: int(remaining / t.unitCost),
		Timestamp:         t.clock.Now().UTC(),
	}

	thresholds := []struct {
		ratio float64
		level AlertLevel
	}{
		{warningThreshold, AlertWarning},
		{criticalThreshold, AlertCritical},
		{dangerThreshold, AlertDanger},
	}
	for _, th := range thresholds {
		if ratio < th.ratio {
			until := int((th.ratio*t.budget - t.st.TotalCost) / t.unitCost)
			if until < 0 {
				until = 0
			}
			status.NextThreshold = &NextThreshold{
				Level:         th.level,
				ThresholdPct:  int(th.ratio * 100),
				RequestsUntil: until,
			}
			break
		}
	}

	return status
}

// Reset zeroes all counters and rewrites persistence. It refuses without
// explicit confirmation.
func (t *Tracker) Reset(confirm bool) (StatsReport, error) {
	if !confirm {
		return StatsReport{}, fmt.Errorf("reset requires explicit confirmation")
	}

	previous := t.Statistics()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.st = state{
		RequestsByDate:  map[string]*DayCounters{},
		RequestsByAsset: map[string]map[string]int{},
		TrackingStart:   t.clock.Now().UTC(),
	}
	t.persist()

	observ.Log("cost_tracker_reset", map[string]any{
		"previous_total_cost": previous.TotalCost,
		"previous_requests":   previous.TotalRequests,
	})

	return previous, nil
}

// UsageRatio returns spend/budget clamped to [0, 1].
func (t *Tracker) UsageRatio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageRatioLocked()
}

func (t *Tracker) usageRatioLocked() float64 {
	if t.budget <= 0 {
		return 0
	}
	ratio := t.st.TotalCost / t.budget
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

func levelFor(ratio float64) AlertLevel {
	switch {
	case ratio >= dangerThreshold:
		return AlertDanger
	case ratio >= criticalThreshold:
		return AlertCritical
	case ratio >= warningThreshold:
		return AlertWarning
	default:
		return AlertOK
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
