package internal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 30 * time.Second
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var lastState CircuitBreakerState
	cb := NewCircuitBreaker(threshold, timeout, clock.Now, func(state CircuitBreakerState) {
		lastState = state
	})
	fail := func() error { return errors.New("fail") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure opens the circuit
	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// Open circuit fails fast without calling fn
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.Advance(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failure in half-open re-opens
	err = cb.Execute(fail)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())

	// Success in half-open closes
	clock.Advance(timeout)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, nil, nil)
	fail := func() error { return errors.New("fail") }

	_ = cb.Execute(fail)
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(fail)

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewCircuitBreaker(1000, time.Minute, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(func() error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, StateOpen, cb.State())
}
