package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		Timeout:          time.Minute,
		Now:              func() time.Time { return now },
	})

	calls := 0
	fail := func() error { calls++; return errBoom }
	ok := func() error { calls++; return nil }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errBoom)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ok), ErrCircuitOpen)
	assert.Equal(t, 3, calls, "open circuit must not run fn")
	assert.Equal(t, int64(1), cb.Rejected())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Second,
		Now:              func() time.Time { return now },
	})

	cb.Execute(func() error { return errBoom })
	now = now.Add(2 * time.Second)
	cb.Execute(func() error { return errBoom })

	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreakerClassifierAndSuccessReset(t *testing.T) {
	business := errors.New("rejected by broker")
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		IsFailure:        func(err error) bool { return !errors.Is(err, business) },
	})

	for i := 0; i < 5; i++ {
		cb.Execute(func() error { return business })
	}
	assert.Equal(t, CircuitClosed, cb.State())

	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errBoom })
	assert.Equal(t, CircuitClosed, cb.State(), "success resets the failure count")

	cb.Execute(func() error { return errBoom })
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker("off", CircuitBreakerConfig{})
	for i := 0; i < 10; i++ {
		cb.Execute(func() error { return errBoom })
	}
	assert.Equal(t, CircuitClosed, cb.State())
}
