package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
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

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single job ref.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// BreakerRegistry manages per-job-ref circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   BreakerConfig
	clock    clock.Clock
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig, c clock.Clock) *BreakerRegistry {
	if config.HalfOpenMax < 1 {
		config.HalfOpenMax = 1
	}
	if c == nil {
		c = clock.Real()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		clock:    c,
	}
}

// AllowRequest returns nil if a call to ref may proceed, or a retryable
// CIRCUIT_OPEN error while the circuit is open.
func (r *BreakerRegistry) AllowRequest(ref string) error {
	cb := r.getOrCreate(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.clock.Now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first trial call
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for job %q after %d consecutive failures", ref, cb.consecutiveFailures).
			WithRetryable(true).
			WithDetails(map[string]any{
				"job_ref":              ref,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for job %q: trial call in flight", ref).WithRetryable(true)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for ref.
func (r *BreakerRegistry) RecordSuccess(ref string) {
	cb := r.getOrCreate(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(ref string) CircuitState {
	cb := r.getOrCreate(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.clock.Now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// RecordAbort releases a half-open trial slot for a call whose outcome says
// nothing about the backend, such as a cancelled or timed-out caller.
func (r *BreakerRegistry) RecordAbort(ref string) {
	cb := r.getOrCreate(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
		cb.halfOpenAttempts--
	}
}

// State returns the current state of the circuit for ref.
func (r *BreakerRegistry) State(ref string) CircuitState {
	cb := r.getOrCreate(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.clock.Now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// BreakerStats is a point-in-time view of one job ref's circuit.
type BreakerStats struct {
	JobRef              string `json:"job_ref"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

// Snapshot returns the circuit of every job ref seen so far, sorted by ref.
// An open circuit past its cooldown reports half_open without being moved.
func (r *BreakerRegistry) Snapshot() []BreakerStats {
	r.mu.Lock()
	refs := make([]string, 0, len(r.breakers))
	for ref := range r.breakers {
		refs = append(refs, ref)
	}
	r.mu.Unlock()
	sort.Strings(refs)

	out := make([]BreakerStats, 0, len(refs))
	for _, ref := range refs {
		cb := r.getOrCreate(ref)
		cb.mu.Lock()
		state, failures := cb.state, cb.consecutiveFailures
		if state == CircuitOpen && r.clock.Now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
			state = CircuitHalfOpen
		}
		cb.mu.Unlock()
		out = append(out, BreakerStats{
			JobRef:              ref,
			State:               state.String(),
			ConsecutiveFailures: failures,
			FailureThreshold:    r.config.FailureThreshold,
			Cooldown:            r.config.Cooldown.String(),
		})
	}
	return out
}

func (r *BreakerRegistry) getOrCreate(ref string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[ref]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[ref] = cb
	}
	return cb
}
