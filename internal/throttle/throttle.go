// Package throttle coalesces bursts of events into delayed calls.
package throttle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Opt configures a Throttle or Debouncer.
type Opt func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(o *options) {
		o.clock = clock
	}
}

func applyOpts(opts []Opt) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Throttle runs fn at most once per window, on the trailing edge: the first
// Trigger in a quiet period schedules fn for the end of the window, further
// Triggers inside the window are absorbed. fn reads the latest state itself,
// so every burst ends with exactly one call that sees all of it.
type Throttle struct {
	clock  clockwork.Clock
	window time.Duration
	fn     func()

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	stopped bool
}

// New returns a Throttle that runs fn at most once per window.
func New(window time.Duration, fn func(), opts ...Opt) *Throttle {
	o := applyOpts(opts)
	return &Throttle{clock: o.clock, window: window, fn: fn}
}

// Trigger requests a call of fn.
func (t *Throttle) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.timer != nil {
		return
	}
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.window, func() { t.fire(gen) })
}

// Pending reports whether a call is scheduled.
func (t *Throttle) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Flush runs a scheduled call immediately. It returns false when nothing
// was pending.
func (t *Throttle) Flush() bool {
	t.mu.Lock()
	if t.timer == nil {
		t.mu.Unlock()
		return false
	}
	t.cancelLocked()
	t.mu.Unlock()

	t.fn()
	return true
}

// Cancel drops a scheduled call without running it. Later Triggers
// schedule again.
func (t *Throttle) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return false
	}
	t.cancelLocked()
	return true
}

// Stop cancels any scheduled call and ignores later Triggers.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.cancelLocked()
	}
}

func (t *Throttle) cancelLocked() {
	t.timer.Stop()
	t.timer = nil
	t.gen++
}

func (t *Throttle) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.gen++
	t.mu.Unlock()

	t.fn()
}
