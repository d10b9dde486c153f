package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func newTestBreaker(timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker("test", Config{
		MaxRequests:      1,
		Timeout:          timeout,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errBackend })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := succeed(cb)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	require.ErrorIs(t, fail(cb), errBackend)
	require.ErrorIs(t, fail(cb), errBackend)
	require.NoError(t, succeed(cb))
	require.ErrorIs(t, fail(cb), errBackend)
	require.ErrorIs(t, fail(cb), errBackend)

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenClosesAfterSuccessfulProbes(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, succeed(cb))
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenReopensOnProbeFailure(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, fail(cb), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(context.Background(), func() error {
			<-release
			return nil
		})
	}()

	// Give the probe goroutine time to be admitted.
	time.Sleep(10 * time.Millisecond)

	err := succeed(cb)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	require.NoError(t, <-probeDone)
}

func TestRejectsExpiredContextWithoutCounting(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return errBackend })
		assert.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, StateClosed, cb.State())
}
