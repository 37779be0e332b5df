package observability

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means calls pass through.
	StateClosed CircuitBreakerState = iota
	// StateOpen means calls are rejected without I/O.
	StateOpen
	// StateHalfOpen means a limited number of trial calls are let through.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the breaker thresholds. Rates are percentages.
type BreakerConfig struct {
	FailureRateThreshold  float64
	SlowCallRateThreshold float64
	SlowCallDuration      time.Duration
	MinimumCalls          int
	WindowSize            int
	OpenWait              time.Duration
	HalfOpenCalls         int
}

// DefaultBreakerConfig mirrors the gateway's production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRateThreshold:  50,
		SlowCallRateThreshold: 100,
		SlowCallDuration:      10 * time.Second,
		MinimumCalls:          10,
		WindowSize:            20,
		OpenWait:              30 * time.Second,
		HalfOpenCalls:         3,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = d.MinimumCalls
	}
	if c.HalfOpenCalls <= 0 {
		c.HalfOpenCalls = d.HalfOpenCalls
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = d.SlowCallRateThreshold
	}
	return c
}

// BreakerMetrics is a snapshot of the rolling window.
type BreakerMetrics struct {
	State         string  `json:"state"`
	FailureRate   float64 `json:"failureRate"`
	SlowCallRate  float64 `json:"slowCallRate"`
	BufferedCalls int     `json:"bufferedCalls"`
	FailedCalls   int     `json:"failedCalls"`
	SlowCalls     int     `json:"slowCalls"`
}

type callOutcome struct {
	failed bool
	slow   bool
}

// CircuitBreaker is a count-based rolling-window breaker tracking failure rate
// and slow-call rate. Open transitions to half-open lazily on the next Allow
// after OpenWait.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    CircuitBreakerState
	window   []callOutcome
	next     int
	filled   int
	failed   int
	slow     int
	openedAt time.Time
	permits  int

	onStateChange func(name string, from, to CircuitBreakerState)
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChangeHook registers a callback invoked outside the lock on every transition.
func WithStateChangeHook(fn func(name string, from, to CircuitBreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cfg = cfg.normalized()
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		state:  StateClosed,
		window: make([]callOutcome, cfg.WindowSize),
	}
	for _, o := range opts {
		o(cb)
	}
	RecordCircuitBreakerState(name, StateClosed)
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. In half-open it hands out at most
// HalfOpenCalls permits.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from, to CircuitBreakerState
	changed := false
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenWait {
		from, to, changed = cb.state, StateHalfOpen, true
		cb.transitionLocked(StateHalfOpen)
	}
	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if cb.permits < cb.cfg.HalfOpenCalls {
			cb.permits++
			allowed = true
		}
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, to)
	}
	return allowed
}

// RecordSuccess records a successful call and its latency.
func (cb *CircuitBreaker) RecordSuccess(d time.Duration) { cb.Record(true, d) }

// RecordFailure records a failed call and its latency.
func (cb *CircuitBreaker) RecordFailure(d time.Duration) { cb.Record(false, d) }

// Record adds one outcome to the window and evaluates thresholds. Outcomes
// reported while open are ignored; they belong to calls admitted earlier.
func (cb *CircuitBreaker) Record(success bool, d time.Duration) {
	cb.mu.Lock()
	if cb.state == StateOpen {
		cb.mu.Unlock()
		return
	}
	cb.addLocked(callOutcome{
		failed: !success,
		slow:   cb.cfg.SlowCallDuration > 0 && d >= cb.cfg.SlowCallDuration,
	})

	from := cb.state
	to := from
	switch cb.state {
	case StateClosed:
		if cb.filled >= cb.cfg.MinimumCalls && cb.exceededLocked() {
			to = StateOpen
		}
	case StateHalfOpen:
		if cb.filled >= cb.cfg.HalfOpenCalls {
			if cb.exceededLocked() {
				to = StateOpen
			} else {
				to = StateClosed
			}
		}
	}
	if to != from {
		cb.transitionLocked(to)
	}
	cb.mu.Unlock()
	if to != from {
		cb.notify(from, to)
	}
}

// State returns the current state. An expired open state still reports OPEN
// until the next Allow.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the rolling window.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	m := BreakerMetrics{
		State:         cb.state.String(),
		BufferedCalls: cb.filled,
		FailedCalls:   cb.failed,
		SlowCalls:     cb.slow,
	}
	if cb.filled > 0 {
		m.FailureRate = float64(cb.failed) * 100 / float64(cb.filled)
		m.SlowCallRate = float64(cb.slow) * 100 / float64(cb.filled)
	}
	return m
}

// Reset forces the breaker closed with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

func (cb *CircuitBreaker) addLocked(o callOutcome) {
	if cb.filled == len(cb.window) {
		old := cb.window[cb.next]
		if old.failed {
			cb.failed--
		}
		if old.slow {
			cb.slow--
		}
	} else {
		cb.filled++
	}
	cb.window[cb.next] = o
	if o.failed {
		cb.failed++
	}
	if o.slow {
		cb.slow++
	}
	cb.next = (cb.next + 1) % len(cb.window)
}

func (cb *CircuitBreaker) exceededLocked() bool {
	if cb.filled == 0 {
		return false
	}
	failureRate := float64(cb.failed) * 100 / float64(cb.filled)
	slowRate := float64(cb.slow) * 100 / float64(cb.filled)
	return failureRate >= cb.cfg.FailureRateThreshold || slowRate >= cb.cfg.SlowCallRateThreshold
}

func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState) {
	cb.state = to
	cb.permits = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
		return
	}
	// Closed and half-open start from an empty window.
	for i := range cb.window {
		cb.window[i] = callOutcome{}
	}
	cb.next, cb.filled, cb.failed, cb.slow = 0, 0, 0, 0
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	RecordCircuitBreakerState(cb.name, to)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
