package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("http://merchant/callback", cfg)
	cb.now = clock.now
	cb.deadline = clock.now().Add(cb.cfg.Interval)
	return cb, clock
}

var errDownstream = errors.New("connection refused")

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("TripsOnFailureRatio", func(t *testing.T) {
		var transitions []State
		cb, _ := newTestBreaker(Config{
			MinRequests:  4,
			FailureRatio: 0.5,
			OnStateChange: func(_ string, _, to State) {
				transitions = append(transitions, to)
			},
		})

		assert.NoError(t, cb.Execute(func() error { return nil }))
		assert.NoError(t, cb.Execute(func() error { return nil }))
		assert.Error(t, cb.Execute(func() error { return errDownstream }))
		assert.Equal(t, StateClosed, cb.State())

		assert.Error(t, cb.Execute(func() error { return errDownstream }))
		assert.Equal(t, StateOpen, cb.State())
		assert.Equal(t, []State{StateOpen}, transitions)

		called := false
		err := cb.Execute(func() error { called = true; return nil })
		assert.ErrorIs(t, err, ErrOpenState)
		assert.True(t, IsBreakerError(err))
		assert.False(t, called)
	})

	t.Run("HalfOpenProbeCloses", func(t *testing.T) {
		cb, clock := newTestBreaker(Config{MinRequests: 1, Timeout: 10 * time.Second})

		require.Error(t, cb.Execute(func() error { return errDownstream }))
		require.Equal(t, StateOpen, cb.State())

		clock.add(11 * time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("HalfOpenFailureReopens", func(t *testing.T) {
		cb, clock := newTestBreaker(Config{MinRequests: 1, Timeout: 10 * time.Second, MaxRequests: 2})

		require.Error(t, cb.Execute(func() error { return errDownstream }))
		clock.add(10 * time.Second)

		assert.ErrorIs(t, cb.Execute(func() error { return errDownstream }), errDownstream)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("WindowResetsCounts", func(t *testing.T) {
		cb, clock := newTestBreaker(Config{MinRequests: 3, Interval: time.Minute})

		require.Error(t, cb.Execute(func() error { return errDownstream }))
		require.Error(t, cb.Execute(func() error { return errDownstream }))
		clock.add(2 * time.Minute)

		require.Error(t, cb.Execute(func() error { return errDownstream }))
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, uint32(1), cb.Counts().Failures)
	})

	t.Run("PanicCountsAsFailure", func(t *testing.T) {
		cb, _ := newTestBreaker(Config{MinRequests: 1})

		assert.Panics(t, func() {
			_ = cb.Execute(func() error { panic("boom") })
		})
		assert.Equal(t, StateOpen, cb.State())
	})
}

func TestManager(t *testing.T) {
	m := NewManager(Config{MinRequests: 1})

	a := m.Get("topic.a")
	assert.Same(t, a, m.Get("topic.a"))

	require.Error(t, m.Execute("topic.a", func() error { return errDownstream }))
	assert.Equal(t, StateOpen, m.Get("topic.a").State())
	assert.Equal(t, StateClosed, m.Get("topic.b").State())
}
