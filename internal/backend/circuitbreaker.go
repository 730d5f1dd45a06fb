package backend

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-backend circuit breaker.
//
//	cbClosed   — normal operation; all dispatches pass through.
//	cbOpen     — backend is failing; dispatches are rejected immediately.
//	cbHalfOpen — recovery probe; one dispatch is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Default circuit breaker thresholds.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe dispatch. Default: CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return CBHalfOpenTimeout
}

// modelCB holds per-backend circuit breaker state.
type modelCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each backend,
// keyed by the resolved model id. Breakers are created lazily on first use.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*modelCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default thresholds.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*modelCB),
		cfg:      cfg,
	}
}

// Allow reports whether the backend serving model should receive the next
// dispatch.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(model string) bool {
	mcb := cb.get(model)

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	switch mcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(mcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			// Transition to half-open: allow exactly one probe dispatch.
			mcb.state = cbHalfOpen
			mcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if mcb.probeInflight {
			// A probe is already in flight — reject other dispatches.
			return false
		}
		mcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful dispatch for model and resets the breaker
// to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(model string) {
	mcb := cb.get(model)

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	mcb.state = cbClosed
	mcb.errorCount = 0
	mcb.probeInflight = false
	mcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for model. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(model string) {
	mcb := cb.get(model)

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(mcb.windowStart) > cb.cfg.timeWindow() {
		mcb.errorCount = 0
		mcb.windowStart = now
	}

	mcb.errorCount++
	mcb.probeInflight = false

	if mcb.errorCount >= cb.cfg.errorThreshold() {
		mcb.state = cbOpen
		mcb.openedAt = now
	}
}

// State returns the current cbState for model (useful for metrics export).
func (cb *CircuitBreaker) State(model string) cbState {
	mcb := cb.get(model)
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	return mcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(model string) string {
	switch cb.State(model) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(model string) *modelCB {
	cb.mu.RLock()
	mcb, ok := cb.breakers[model]
	cb.mu.RUnlock()
	if ok {
		return mcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if mcb, ok = cb.breakers[model]; ok {
		return mcb
	}
	mcb = &modelCB{state: cbClosed, windowStart: time.Now()}
	cb.breakers[model] = mcb
	return mcb
}
