// Package health tracks request outcomes over sliding windows and derives the
// service status reported by GET /health.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status values in decreasing priority.
const (
	StatusShuttingDown = "shutting-down"
	StatusDegraded     = "degraded"
	StatusOverloaded   = "overloaded"
	StatusIdle         = "idle"
	StatusHealthy      = "healthy"
)

// retention bounds how long outcomes are kept; windows longer than this undercount.
const retention = 5 * time.Minute

// Tracker maintains sliding windows of outcome timestamps plus the
// shutting-down flag. Safe for concurrent use.
type Tracker struct {
	clock   clockwork.Clock
	started time.Time

	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time

	shuttingDown atomic.Bool
}

// NewTracker returns a tracker on clock; nil uses the real clock.
func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{clock: clock, started: clock.Now()}
}

// RecordSuccess records a served query.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a query that failed on the service side (upstream, timeout).
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

// RecordDenied records a rate-limit denial.
func (t *Tracker) RecordDenied() {
	t.record(&t.deniedTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns success + error + denied outcomes within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	return countSince(t.successTimes, cutoff) +
		countSince(t.errorTimes, cutoff) +
		countSince(t.deniedTimes, cutoff)
}

// ServedCount returns success + error outcomes within window. Denials are
// not traffic the service handled, so they do not keep it out of idle.
func (t *Tracker) ServedCount(window time.Duration) int {
	_, total := t.ErrorRate(window)
	return total
}

// DenialCount returns rate-limit denials within window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.deniedTimes, t.clock.Now().Add(-window))
}

// ErrorRate returns (errors, successes+errors) within window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	errors = countSince(t.errorTimes, cutoff)
	return errors, errors + countSince(t.successTimes, cutoff)
}

// Uptime returns time since the tracker was created.
func (t *Tracker) Uptime() time.Duration {
	return t.clock.Since(t.started)
}

// SetShuttingDown sets the drain flag. While true the status is shutting-down.
func (t *Tracker) SetShuttingDown(v bool) {
	t.shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func (t *Tracker) IsShuttingDown() bool {
	return t.shuttingDown.Load()
}

// Reset clears recorded outcomes. The shutting-down flag is left alone.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops outcomes older than retention. Caller holds t.mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}

// Thresholds configures status evaluation. A zero window or percentage
// disables the matching check.
type Thresholds struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int

	DegradedWindow   time.Duration
	DegradedErrorPct int

	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
}

// Result is an evaluated status with the reason that produced it.
type Result struct {
	Status string
	Reason string
}

// Evaluate derives the status. Decision order: shutting-down > degraded
// (breaker open or error-rate breach) > overloaded > idle > healthy.
func (t *Tracker) Evaluate(th Thresholds, breakerOpen bool) Result {
	if t.IsShuttingDown() {
		return Result{StatusShuttingDown, "signal"}
	}
	if breakerOpen {
		return Result{StatusDegraded, "circuit_open"}
	}
	if th.DegradedWindow > 0 && th.DegradedErrorPct > 0 {
		errs, total := t.ErrorRate(th.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(th.DegradedErrorPct) {
			return Result{StatusDegraded, "error_rate_breach"}
		}
	}
	if th.OverloadWindow > 0 && th.RateLimitRPS > 0 && th.OverloadThresholdPct > 0 {
		limit := float64(th.RateLimitRPS) * th.OverloadWindow.Seconds() * float64(th.OverloadThresholdPct) / 100
		if float64(t.RequestCount(th.OverloadWindow)) > limit {
			return Result{StatusOverloaded, "overload_threshold"}
		}
	}
	if th.IdleWindow > 0 && th.MinimumLifespan > 0 && t.Uptime() >= th.MinimumLifespan {
		perMin := float64(t.ServedCount(th.IdleWindow)) / th.IdleWindow.Minutes()
		if perMin < float64(th.IdleThresholdReqPerMin) {
			return Result{StatusIdle, "low_traffic"}
		}
	}
	return Result{StatusHealthy, ""}
}
