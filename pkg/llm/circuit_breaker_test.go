package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Minute})
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Error(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.Error(t, cb.Allow(), "only one probe while half-open")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Second})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestGuardedChatClient_CountsOnlyRetryableFailures(t *testing.T) {
	retryable := NewError(ErrorTypeEndpoint, "server error", true, nil)
	permanent := NewError(ErrorTypeAuth, "bad key", false, nil)

	var next error
	inner := &MockChatClient{ChatFunc: func(context.Context, ChatRequest) (*ChatResponse, error) {
		if next != nil {
			return nil, next
		}
		return &ChatResponse{Content: "ok"}, nil
	}}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Hour})
	guarded := NewGuardedChatClient(inner, breaker)

	next = permanent
	for i := 0; i < 3; i++ {
		_, err := guarded.Chat(context.Background(), ChatRequest{})
		assert.ErrorIs(t, err, permanent)
	}
	assert.Equal(t, CircuitClosed, breaker.State())

	next = retryable
	_, _ = guarded.Chat(context.Background(), ChatRequest{})
	_, _ = guarded.Chat(context.Background(), ChatRequest{})
	assert.Equal(t, CircuitOpen, breaker.State())

	calls := inner.Calls()
	_, err := guarded.Chat(context.Background(), ChatRequest{})
	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrorTypeCircuit, llmErr.Type)
	assert.Equal(t, calls, inner.Calls(), "open circuit must not reach the provider")
	assert.Equal(t, "mock-model", guarded.Model())
}
