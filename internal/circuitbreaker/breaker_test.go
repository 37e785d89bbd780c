package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.Now), clock
}

func always(error) bool { return true }

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	assert.True(t, b.Allow("api"))
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("api")
	b.RecordFailure("api")
	assert.True(t, b.Allow("api"), "should still allow before threshold")

	b.RecordFailure("api")
	assert.False(t, b.Allow("api"))
	assert.Equal(t, StateOpen, b.State("api"))
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("api")
	b.RecordFailure("api")

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow("api"))

	clock.Advance(time.Second)
	assert.True(t, b.Allow("api"), "probe after cooldown")
	assert.Equal(t, StateHalfOpen, b.State("api"))
	assert.False(t, b.Allow("api"), "second caller while probing")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("api")
	b.RecordFailure("api")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("api"))

	b.RecordFailure("api")
	assert.Equal(t, StateOpen, b.State("api"), "failed probe reopens")

	clock.Advance(time.Minute)
	require.True(t, b.Allow("api"))
	b.RecordSuccess("api")
	assert.Equal(t, StateClosed, b.State("api"))
	assert.True(t, b.Allow("api"))
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("api")
	b.RecordFailure("api")
	b.RecordSuccess("api")
	b.RecordFailure("api")
	assert.True(t, b.Allow("api"), "counter was reset")
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("a")
	b.RecordFailure("a")

	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("boom")
	notCounted := errors.New("client error")

	counts := func(err error) bool { return errors.Is(err, boom) }

	assert.ErrorIs(t, b.Execute("api", counts, func() error { return notCounted }), notCounted)
	assert.ErrorIs(t, b.Execute("api", counts, func() error { return notCounted }), notCounted)
	assert.Equal(t, StateClosed, b.State("api"), "uncounted errors never trip")

	assert.ErrorIs(t, b.Execute("api", counts, func() error { return boom }), boom)
	assert.ErrorIs(t, b.Execute("api", always, func() error { return boom }), boom)

	called := false
	err := b.Execute("api", always, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, clock := newTestBreaker(2)

	var transitions [][2]State
	b.OnTransition(func(key string, from, to State) {
		transitions = append(transitions, [2]State{from, to})
	})

	b.RecordFailure("api")
	b.RecordFailure("api")
	clock.Advance(time.Minute)
	b.Allow("api")
	b.RecordSuccess("api")

	assert.Equal(t, [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, transitions)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}
}
