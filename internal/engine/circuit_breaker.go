package engine

import (
	"sync"
	"time"

	"github.com/rendis/execgraph/pkg/schema"
)

// CircuitState is the state of one execution's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-execution breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed cycles that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects re-triggers.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe cycles allowed once the cooldown elapsed.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a diagnostic snapshot of one breaker.
type BreakerStats struct {
	ExecutionID         string `json:"execution_id"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

type circuitBreaker struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per execution id so a single
// persistently failing execution stops re-queueing itself while others
// continue. The periodic sweep still reaches executions with an open circuit.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when a cycle may run for executionID, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.getOrCreate(executionID)
	r.advance(cb)

	switch cb.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(cb.openedAt)
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for execution %s after %d consecutive failed cycles", executionID, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"execution_id":         executionID,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   remaining.String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for execution %s: probe already running", executionID)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit of executionID.
func (r *CircuitBreakerRegistry) RecordSuccess(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, executionID)
}

// RecordFailure counts a failed cycle and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(executionID string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.getOrCreate(executionID)
	cb.consecutiveFailures++

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetState returns the current state of executionID's breaker.
func (r *CircuitBreakerRegistry) GetState(executionID string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[executionID]
	if !ok {
		return CircuitClosed
	}
	r.advance(cb)
	return cb.state
}

// Stats returns a snapshot of executionID's breaker.
func (r *CircuitBreakerRegistry) Stats(executionID string) BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := BreakerStats{
		ExecutionID:      executionID,
		State:            CircuitClosed.String(),
		FailureThreshold: r.config.FailureThreshold,
		Cooldown:         r.config.Cooldown.String(),
	}
	if cb, ok := r.breakers[executionID]; ok {
		r.advance(cb)
		stats.State = cb.state.String()
		stats.ConsecutiveFailures = cb.consecutiveFailures
	}
	return stats
}

// Forget drops the breaker of executionID.
func (r *CircuitBreakerRegistry) Forget(executionID string) {
	r.RecordSuccess(executionID)
}

// advance moves an open breaker to half-open once its cooldown elapsed.
func (r *CircuitBreakerRegistry) advance(cb *circuitBreaker) {
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(executionID string) *circuitBreaker {
	cb, ok := r.breakers[executionID]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[executionID] = cb
	}
	return cb
}
