// Package alarm provides a single-slot absolute-deadline timer. Each actor
// owns at most one pending alarm; setting a new deadline replaces the old one.
package alarm

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Alarm schedules a callback at an absolute wall-clock deadline. At most one
// deadline is pending at a time. The callback runs with the pending slot
// already cleared, so it may schedule a follow-up alarm.
type Alarm struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	timer    clockwork.Timer
	deadline time.Time
	pending  bool
	callback func()
}

// New creates an alarm that invokes callback when the deadline elapses.
// A nil clock defaults to the real clock.
func New(clock clockwork.Clock, callback func()) *Alarm {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Alarm{clock: clock, callback: callback}
}

// Get returns the pending deadline, if any.
func (a *Alarm) Get() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline, a.pending
}

// Set schedules the callback for the given absolute deadline, replacing any
// pending one. Deadlines in the past fire immediately.
func (a *Alarm) Set(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.deadline = at
	a.pending = true
	d := a.clock.Until(at)
	if d < 0 {
		d = 0
	}
	a.timer = a.clock.AfterFunc(d, a.fire)
}

// Delete cancels the pending alarm, if any.
func (a *Alarm) Delete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = false
	a.deadline = time.Time{}
}

func (a *Alarm) fire() {
	a.mu.Lock()
	if !a.pending {
		a.mu.Unlock()
		return
	}
	a.pending = false
	a.timer = nil
	a.deadline = time.Time{}
	cb := a.callback
	a.mu.Unlock()
	if cb != nil {
		cb()
	}
}
