package throttle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer runs fn once activity has been quiet for the configured period.
type Debouncer struct {
	clock clockwork.Clock
	quiet time.Duration
	fn    func()

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	stopped bool
}

// NewDebouncer returns a Debouncer that runs fn once touches stop for quiet.
func NewDebouncer(quiet time.Duration, fn func(), opts ...Opt) *Debouncer {
	o := applyOpts(opts)
	return &Debouncer{clock: o.clock, quiet: quiet, fn: fn}
}

// Touch records activity and restarts the quiet timer. It returns true when
// the activity starts a new burst.
func (d *Debouncer) Touch() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	first := d.timer == nil
	if !first {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.quiet, func() { d.fire(gen) })
	return first
}

// Cancel drops the pending call without running it. It returns true when a
// burst was in progress.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

// Stop cancels the pending call and ignores later activity.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.cancelLocked()
}

func (d *Debouncer) cancelLocked() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	return true
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
