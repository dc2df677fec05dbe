// Package breaker implements the degradation guards over downstream
// providers: a per-provider breaker for LLM calls and a hybrid
// per-session/global breaker for bash.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a single breaker.
type Config struct {
	// FailureThreshold opens the circuit when failures plus slow samples in
	// the rolling window reach it.
	FailureThreshold int
	// Window is the rolling window for failure and slow-sample counting.
	Window time.Duration
	// OpenToHalfOpen is how long the circuit stays open before probing.
	OpenToHalfOpen time.Duration
	// HalfOpenMaxCalls bounds concurrent probes in half-open.
	HalfOpenMaxCalls int
	// SuccessThreshold is the consecutive probe successes needed to close.
	SuccessThreshold int
	// LatencyThreshold marks a successful call as a slow sample.
	LatencyThreshold time.Duration
}

// Breaker is a three-state circuit breaker with a rolling failure window and
// a bounded half-open probe budget. Slow successes are tracked separately
// from failures but both count toward the opening condition.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            State
	failures         []time.Time
	slow             []time.Time
	lastTransition   time.Time
	halfOpenInFlight int
	probeSuccesses   int

	now func() time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open it admits at most
// HalfOpenMaxCalls concurrent probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastTransition) < b.cfg.OpenToHalfOpen {
			return false
		}
		b.transition(HalfOpen)
		b.halfOpenInFlight = 1
		b.probeSuccesses = 0
		return true
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess reports a completed call with its observed latency. A success
// at or above the latency threshold is a slow sample: not a failure, but it
// aggregates with failures toward the opening condition.
func (b *Breaker) RecordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slow := b.cfg.LatencyThreshold > 0 && latency >= b.cfg.LatencyThreshold

	switch b.state {
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.SuccessThreshold {
			b.transition(Closed)
			b.failures = nil
			b.slow = nil
		}
	case Closed:
		if slow {
			b.slow = append(b.slow, b.now())
			b.maybeOpen()
		}
	}
}

// RecordFailure reports a failed or timed-out call. In half-open any probe
// failure reopens the circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transition(Open)
	case Closed:
		b.failures = append(b.failures, b.now())
		b.maybeOpen()
	}
}

// maybeOpen prunes the window and opens when failures plus slow samples
// reach the threshold. Caller holds b.mu.
func (b *Breaker) maybeOpen() {
	cutoff := b.now().Add(-b.cfg.Window)
	b.failures = pruneBefore(b.failures, cutoff)
	b.slow = pruneBefore(b.slow, cutoff)
	if len(b.failures)+len(b.slow) >= b.cfg.FailureThreshold {
		b.transition(Open)
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	slog.Info("circuit breaker transition", "breaker", b.name, "from", b.state.String(), "to", to.String())
	b.state = to
	b.lastTransition = b.now()
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	keep := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}

// State returns the current state, pruning lazily first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastTransition) >= b.cfg.OpenToHalfOpen {
		// Next Allow will probe; report half_open readiness as open until then.
		return Open
	}
	cutoff := b.now().Add(-b.cfg.Window)
	b.failures = pruneBefore(b.failures, cutoff)
	b.slow = pruneBefore(b.slow, cutoff)
	return b.state
}
