package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayneeseguin/omnisink/pkg/omni"
	"github.com/wayneeseguin/omnisink/pkg/types"
)

// State is the state of a CircuitBreaker.
type State int32

const (
	// StateClosed passes every call through
	StateClosed State = iota
	// StateOpen rejects calls without invoking the wrapped emitter
	StateOpen
	// StateHalfOpen lets a single probe through after the cooldown
	StateHalfOpen
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	// Default: 5
	Threshold int

	// Cooldown is how long the breaker stays open before a probe is allowed.
	// Default: 30s
	Cooldown time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultBreakerConfig returns a threshold of 5 and a 30s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second, Clock: time.Now}
}

// BreakerStats is a snapshot of a breaker.
type BreakerStats struct {
	State     State
	Failures  int
	Rejected  uint64
	Trips     uint64
	OpenedAt  time.Time
	LastError string
}

// CircuitBreaker wraps one emitter. After Threshold consecutive failed
// emits it opens and rejects calls until Cooldown has passed; then exactly
// one call is let through as a probe. A successful probe closes the breaker,
// a failed one reopens it and restarts the cooldown.
//
// CircuitBreaker implements omni.Emitter, so it can be used as a route.
type CircuitBreaker struct {
	name string
	next omni.Emitter
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	lastErr  error

	rejected atomic.Uint64
	trips    atomic.Uint64
}

// NewCircuitBreaker wraps next. Zero config fields take the defaults.
func NewCircuitBreaker(name string, next omni.Emitter, cfg BreakerConfig) (*CircuitBreaker, error) {
	if next == nil {
		return nil, omni.NewError(omni.KindFatalConfiguration, "config", name, omni.ErrInvalidConfig)
	}
	def := DefaultBreakerConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Threshold < 0 || cfg.Cooldown < 0 {
		return nil, omni.NewError(omni.KindFatalConfiguration, "config", name, omni.ErrInvalidConfig)
	}
	return &CircuitBreaker{name: name, next: next, cfg: cfg}, nil
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Unwrap returns the wrapped emitter
func (cb *CircuitBreaker) Unwrap() omni.Emitter { return cb.next }

// allow decides whether a call may proceed and whether it is the probe.
func (cb *CircuitBreaker) allow() (ok, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if cb.cfg.Clock().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false, false
		}
		cb.state = StateHalfOpen
		return true, true
	default:
		// half-open with the probe still in flight
		return false, false
	}
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if probe || cb.state == StateClosed {
			cb.state = StateClosed
			cb.failures = 0
		}
		return
	}

	cb.lastErr = err
	switch {
	case probe:
		cb.open()
	case cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.Threshold {
			cb.open()
		}
	}
}

// open must be called with mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Clock()
	cb.trips.Add(1)
}

func (cb *CircuitBreaker) reject(n int) error {
	cb.rejected.Add(uint64(n))
	return omni.NewError(omni.KindCircuitOpen, "emit", cb.name, ErrCircuitOpen)
}

// Emit forwards rec unless the breaker is open.
func (cb *CircuitBreaker) Emit(rec *types.LogRecord) error {
	ok, probe := cb.allow()
	if !ok {
		return cb.reject(1)
	}
	err := cb.next.Emit(rec)
	cb.record(err, probe)
	return err
}

// EmitBatch forwards the batch as one call.
func (cb *CircuitBreaker) EmitBatch(recs []*types.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ok, probe := cb.allow()
	if !ok {
		return cb.reject(len(recs))
	}
	err := cb.next.EmitBatch(recs)
	cb.record(err, probe)
	return err
}

// Flush is passed through regardless of state.
func (cb *CircuitBreaker) Flush() error { return cb.next.Flush() }

// Close closes the wrapped emitter.
func (cb *CircuitBreaker) Close() error { return cb.next.Close() }

// Stats returns the wrapped emitter's stats with rejected calls counted as
// emitted and dropped.
func (cb *CircuitBreaker) Stats() omni.Stats {
	s := cb.next.Stats()
	n := cb.rejected.Load()
	if n == 0 {
		return s
	}
	s.Emitted += n
	s.Dropped += n
	byReason := make(map[string]uint64, len(s.DroppedByReason)+1)
	for k, v := range s.DroppedByReason {
		byReason[k] = v
	}
	byReason["circuit_open"] += n
	s.DroppedByReason = byReason
	return s
}

// State returns the current state. An open breaker whose cooldown has passed
// still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats returns the breaker's own counters.
func (cb *CircuitBreaker) BreakerStats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := BreakerStats{
		State:    cb.state,
		Failures: cb.failures,
		Rejected: cb.rejected.Load(),
		Trips:    cb.trips.Load(),
		OpenedAt: cb.openedAt,
	}
	if cb.lastErr != nil {
		s.LastError = cb.lastErr.Error()
	}
	return s
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}
