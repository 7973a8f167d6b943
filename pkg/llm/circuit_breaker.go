package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive retryable failures that trips the circuit.
	Threshold int
	// ResetAfter is how long the circuit stays open before a probe is allowed.
	ResetAfter time.Duration
}

// DefaultCircuitBreakerConfig trips after 5 failures and probes after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{Threshold: 5, ResetAfter: 30 * time.Second}
}

// CircuitBreaker stops calls to a provider that keeps failing. While open,
// calls fail fast so conversations reach their fallback without waiting on timeouts.
type CircuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	state            CircuitState
	now              func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:  cfg.Threshold,
		resetAfter: cfg.ResetAfter,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed. An open circuit lets a single
// probe through once ResetAfter has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetAfter {
			cb.state = CircuitHalfOpen
			return nil
		}
		return NewError(ErrorTypeCircuit,
			fmt.Sprintf("provider unavailable after %d consecutive failures", cb.consecutiveFails), false, nil)
	default:
		return NewError(ErrorTypeCircuit, "provider recovery probe in flight", false, nil)
	}
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and trips the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFails >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GuardedChatClient runs a ChatClient behind a CircuitBreaker. Only retryable
// errors (outages, throttling) count as failures.
type GuardedChatClient struct {
	inner   ChatClient
	breaker *CircuitBreaker
}

// NewGuardedChatClient wraps inner with breaker.
func NewGuardedChatClient(inner ChatClient, breaker *CircuitBreaker) *GuardedChatClient {
	return &GuardedChatClient{inner: inner, breaker: breaker}
}

func (g *GuardedChatClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := g.inner.Chat(ctx, req)
	if err != nil {
		if IsRetryable(err) {
			g.breaker.RecordFailure()
		} else {
			g.breaker.RecordSuccess()
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return resp, nil
}

func (g *GuardedChatClient) Model() string {
	return g.inner.Model()
}

var _ ChatClient = (*GuardedChatClient)(nil)
