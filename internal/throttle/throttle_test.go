package throttle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const tick = 10 * time.Millisecond

func TestThrottleCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	th := New(100*time.Millisecond, func() { calls.Add(1) }, WithClock(clock))

	for range 10 {
		th.Trigger()
		clock.Advance(5 * time.Millisecond)
	}
	require.True(t, th.Pending())
	require.Zero(t, calls.Load())

	clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, tick)
	require.False(t, th.Pending())

	th.Trigger()
	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, tick)
}

func TestThrottleFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	th := New(time.Second, func() { calls.Add(1) }, WithClock(clock))

	require.False(t, th.Flush())
	th.Trigger()
	require.True(t, th.Flush())
	require.EqualValues(t, 1, calls.Load())

	clock.Advance(2 * time.Second)
	require.Never(t, func() bool { return calls.Load() != 1 }, 50*time.Millisecond, tick)
}

func TestThrottleStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	th := New(time.Second, func() { calls.Add(1) }, WithClock(clock))

	th.Trigger()
	th.Stop()
	th.Trigger()
	require.False(t, th.Pending())
	clock.Advance(2 * time.Second)
	require.Never(t, func() bool { return calls.Load() != 0 }, 50*time.Millisecond, tick)
}

func TestDebouncer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	d := NewDebouncer(2*time.Second, func() { calls.Add(1) }, WithClock(clock))

	require.True(t, d.Touch())
	clock.Advance(time.Second)
	require.False(t, d.Touch())
	clock.Advance(1500 * time.Millisecond)
	require.Zero(t, calls.Load(), "quiet period restarts on every touch")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, tick)
	require.True(t, d.Touch(), "a new burst starts after the quiet call")
}

func TestDebouncerCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	d := NewDebouncer(time.Second, func() { calls.Add(1) }, WithClock(clock))

	require.False(t, d.Cancel())
	d.Touch()
	require.True(t, d.Cancel())
	clock.Advance(2 * time.Second)

	d.Stop()
	require.False(t, d.Touch())
	clock.Advance(2 * time.Second)
	require.Never(t, func() bool { return calls.Load() != 0 }, 50*time.Millisecond, tick)
}

func TestThrottleCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	th := New(time.Second, func() { calls.Add(1) }, WithClock(clock))

	require.False(t, th.Cancel())
	th.Trigger()
	require.True(t, th.Cancel())
	clock.Advance(2 * time.Second)
	require.Never(t, func() bool { return calls.Load() > 0 }, 5*tick, tick)

	th.Trigger()
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, tick)
}
