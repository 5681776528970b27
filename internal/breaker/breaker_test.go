package breaker_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelsandwins/pam-tts/internal/breaker"
)

var errBackend = errors.New("backend unavailable")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func newBreaker(clock *fakeClock) *breaker.Breaker {
	return breaker.New(breaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 2,
	}, breaker.WithClock(clock.Now))
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	circuit := newBreaker(clock)

	for range 2 {
		circuit.RecordFailure("edge", errBackend)
		require.False(t, circuit.IsOpen("edge"))
	}

	circuit.RecordFailure("edge", errBackend)
	assert.True(t, circuit.IsOpen("edge"))
	assert.Equal(t, breaker.Open, circuit.State("edge"))

	clock.Advance(59 * time.Second)
	assert.True(t, circuit.IsOpen("edge"), "still cooling down")

	clock.Advance(time.Second)
	assert.False(t, circuit.IsOpen("edge"), "cooldown elapsed, trial admitted")
	assert.Equal(t, breaker.HalfOpen, circuit.State("edge"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	circuit := newBreaker(clock)

	for range 3 {
		circuit.RecordFailure("local", errBackend)
	}

	clock.Advance(time.Minute)
	require.False(t, circuit.IsOpen("local"))

	circuit.RecordSuccess("local")
	require.Equal(t, 1, circuit.Stats("local").SuccessCount)

	circuit.RecordFailure("local", errBackend)
	assert.Equal(t, breaker.Open, circuit.State("local"))
	assert.True(t, circuit.IsOpen("local"))
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	circuit := newBreaker(clock)

	for range 3 {
		circuit.RecordFailure("system", errBackend)
	}

	clock.Advance(time.Minute)
	require.False(t, circuit.IsOpen("system"))
	circuit.RecordSuccess("system")
	require.False(t, circuit.IsOpen("system"))
	circuit.RecordSuccess("system")

	stats := circuit.Stats("system")
	assert.Equal(t, breaker.Closed, stats.State)
	assert.Zero(t, stats.FailureCount)
	assert.Zero(t, stats.SuccessCount)
}

func TestBreaker_HalfOpenCapsTrials(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	circuit := newBreaker(clock)

	for range 3 {
		circuit.RecordFailure("edge", errBackend)
	}

	clock.Advance(time.Minute)
	assert.False(t, circuit.IsOpen("edge"), "first trial")
	assert.False(t, circuit.IsOpen("edge"), "second trial")
	assert.True(t, circuit.IsOpen("edge"), "cap reached")

	circuit.RecordSuccess("edge")
	assert.False(t, circuit.IsOpen("edge"), "a finished trial frees a slot")
}

func TestBreaker_ReleaseFreesTrialSlot(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	circuit := newBreaker(clock)

	for range 3 {
		circuit.RecordFailure("edge", errBackend)
	}

	clock.Advance(time.Minute)
	require.False(t, circuit.IsOpen("edge"))
	require.False(t, circuit.IsOpen("edge"))
	require.True(t, circuit.IsOpen("edge"))

	circuit.Release("edge")
	assert.Equal(t, breaker.HalfOpen, circuit.State("edge"))
	assert.Equal(t, 1, circuit.Stats("edge").HalfOpenInFlight)
	assert.False(t, circuit.IsOpen("edge"))

	circuit.Release("local")
	assert.Equal(t, breaker.Closed, circuit.State("local"))
}

func TestBreaker_AdmitsPeeksWithoutTransition(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	circuit := newBreaker(clock)

	assert.True(t, circuit.Admits("edge"), "unknown engines are closed")
	assert.Empty(t, circuit.Snapshot())

	for range 3 {
		circuit.RecordFailure("edge", errBackend)
	}

	assert.False(t, circuit.Admits("edge"))

	clock.Advance(time.Minute)
	assert.True(t, circuit.Admits("edge"), "cooldown elapsed")
	assert.Equal(t, breaker.Open, circuit.State("edge"), "peeking does not move to half-open")

	require.False(t, circuit.IsOpen("edge"))
	require.False(t, circuit.IsOpen("edge"))
	assert.Equal(t, 2, circuit.Stats("edge").HalfOpenInFlight)
	assert.False(t, circuit.Admits("edge"), "both trial slots are taken")

	circuit.Release("edge")
	assert.True(t, circuit.Admits("edge"))
	assert.Equal(t, 1, circuit.Stats("edge").HalfOpenInFlight)
}

func TestBreaker_SuccessDecaysFailures(t *testing.T) {
	t.Parallel()

	circuit := newBreaker(newFakeClock())

	circuit.RecordFailure("edge", errBackend)
	circuit.RecordFailure("edge", errBackend)
	circuit.RecordSuccess("edge")
	circuit.RecordSuccess("edge")
	circuit.RecordSuccess("edge")
	assert.Zero(t, circuit.Stats("edge").FailureCount, "never below zero")

	circuit.RecordFailure("edge", errBackend)
	circuit.RecordFailure("edge", errBackend)
	assert.False(t, circuit.IsOpen("edge"), "isolated failures decayed")
}

func TestBreaker_EnginesAreIndependent(t *testing.T) {
	t.Parallel()

	circuit := newBreaker(newFakeClock())

	for range 3 {
		circuit.RecordFailure("edge", errBackend)
	}

	assert.True(t, circuit.IsOpen("edge"))
	assert.False(t, circuit.IsOpen("local"))
	assert.Len(t, circuit.Snapshot(), 2)
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	circuit := newBreaker(newFakeClock())

	for range 3 {
		circuit.RecordFailure("edge", errBackend)
	}

	circuit.Reset("edge")
	assert.False(t, circuit.IsOpen("edge"))

	stats := circuit.Stats("edge")
	assert.Equal(t, int64(3), stats.TotalFailures)
	assert.Equal(t, int64(3), stats.TotalRequests)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", breaker.Closed.String())
	assert.Equal(t, "open", breaker.Open.String())
	assert.Equal(t, "half_open", breaker.HalfOpen.String())
}
