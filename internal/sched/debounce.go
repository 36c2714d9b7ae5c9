package sched

import (
	"sync"
	"time"
)

// Debouncer groups rapid successive calls into a single call after a quiet
// period.
//
// All methods are safe for concurrent use. The callback is never run
// concurrently with itself.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	pending bool
	seq     uint64 // detects stale timer callbacks
	closed  bool

	// run serializes callback invocations.
	run      sync.Mutex
	callback func()
}

// NewDebouncer creates a debouncer that invokes callback once no call has
// been made for at least delay. A zero delay still defers the callback to
// its own goroutine.
func NewDebouncer(delay time.Duration, callback func()) *Debouncer {
	return &Debouncer{
		delay:    delay,
		callback: callback,
	}
}

// Call schedules the callback, restarting the quiet period.
func (d *Debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.pending = true
	d.seq++
	seq := d.seq

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if !d.pending || d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.mu.Unlock()
		d.invoke()
	})
}

// Flush runs the callback now if a call is pending, canceling the timer.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.invoke()
}

// Cancel drops any pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = false
}

// Close cancels any pending call and ignores later ones. It waits for a
// running callback to return.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Cancel()

	d.run.Lock()
	defer d.run.Unlock()
}

// Pending reports whether a call is waiting for its quiet period.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) invoke() {
	d.run.Lock()
	defer d.run.Unlock()
	if d.callback != nil {
		d.callback()
	}
}
