package lifecycle

import (
	"time"

	"k8s.io/utils/clock"
)

// Debouncer holds at most one pending deferred action.  Arming it
// replaces whatever was pending; the idle window restarts from the
// latest Arm.
//
// Every Arm hands out a new generation.  When the timer fires, the
// callback receives that generation and must Claim it before acting: a
// generation that was cancelled or superseded in the meantime (because
// the timer fired while Cancel or Arm was racing with it) is refused.
//
// Debouncer is not safe for concurrent use; the Controller serializes
// access under its own lock.
type Debouncer struct {
	clock Clock
	after time.Duration
	fire  func(gen uint64, reason string)

	timer  clock.Timer
	gen    uint64
	reason string
}

// NewDebouncer returns a Debouncer that calls fire after the idle
// window.  fire runs on its own goroutine, never on the caller's.
func NewDebouncer(clk Clock, after time.Duration, fire func(gen uint64, reason string)) *Debouncer {
	return &Debouncer{clock: clk, after: after, fire: fire}
}

// Arm cancels the pending action, if any, and schedules a new one.
// reason is carried to the callback for logging only.
func (d *Debouncer) Arm(reason string) uint64 {
	d.Cancel()

	gen := d.gen
	d.reason = reason
	d.timer = d.clock.AfterFunc(d.after, func() {
		// Some clocks run AfterFunc callbacks while holding their own
		// lock; hop off before touching anything that uses the clock.
		go d.fire(gen, reason)
	})
	return gen
}

// Cancel drops the pending action.  A callback already in flight will
// fail to Claim its generation.
func (d *Debouncer) Cancel() bool {
	d.gen++
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.reason = ""
	return true
}

// Claim consumes gen if it is still the pending generation and reports
// whether the caller may act on it.
func (d *Debouncer) Claim(gen uint64) bool {
	if d.timer == nil || gen != d.gen {
		return false
	}
	d.timer = nil
	d.reason = ""
	return true
}

// Pending reports whether an action is scheduled, and its reason.
func (d *Debouncer) Pending() (string, bool) {
	return d.reason, d.timer != nil
}

// Window returns the idle window.
func (d *Debouncer) Window() time.Duration {
	return d.after
}
