// Package dispatch provides the daemon's event dispatcher: a single
// goroutine that runs every posted callback to completion, one at a time.
// All device state and all session bookkeeping are mutated exclusively from
// inside dispatcher callbacks, so the loop is the only serialization point
// and no other locking exists in the daemon core. I/O sources (client
// sockets, driver sockets) are serviced by thin reader goroutines that do
// nothing but parse bytes and post callbacks here.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher is the single-goroutine event loop. Create with New, feed it
// with Post and AddTimer, and drive it with Run. The zero value is not
// usable.
type Dispatcher struct {
	events   chan func()
	quit     chan struct{}
	stopOnce sync.Once

	// backlog takes events when the channel is full, so a callback posting
	// from inside the loop never blocks it. Serviced by the loop after each
	// event; post order is preserved.
	mu      sync.Mutex
	backlog []func()
}

// New creates a dispatcher. The event channel is buffered so that posters
// are only throttled under sustained overload.
func New() *Dispatcher {
	return &Dispatcher{
		events: make(chan func(), 256),
		quit:   make(chan struct{}),
	}
}

// Post schedules fn to run on the dispatcher goroutine. It never blocks and
// is safe to call from any goroutine, including from inside a running
// callback: when the event channel is full the event goes to the backlog
// instead. After Stop, posts are discarded.
func (d *Dispatcher) Post(fn func()) {
	if d.Stopped() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backlog) == 0 {
		select {
		case d.events <- fn:
			return
		default:
		}
	}
	d.backlog = append(d.backlog, fn)
}

// Run executes callbacks until Stop is called, then drains the events
// already queued and returns. Callbacks run to completion and are never
// interrupted mid-way.
func (d *Dispatcher) Run() {
	for {
		select {
		case fn := <-d.events:
			fn()
			d.refill()
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// refill moves backlogged events into the channel as space frees up.
func (d *Dispatcher) refill() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.backlog) > 0 {
		select {
		case d.events <- d.backlog[0]:
			d.backlog[0] = nil
			d.backlog = d.backlog[1:]
		default:
			return
		}
	}
}

// drain runs everything still queued after Stop. Channel first, backlog
// second; backlogged events were posted after the channel filled, so this
// keeps post order.
func (d *Dispatcher) drain() {
	for {
		select {
		case fn := <-d.events:
			fn()
		default:
			d.mu.Lock()
			rest := d.backlog
			d.backlog = nil
			d.mu.Unlock()
			if len(rest) == 0 {
				return
			}
			for _, fn := range rest {
				fn()
			}
		}
	}
}

// Stop makes Run return. It is safe to call from inside a callback, from
// another goroutine, or more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}

// Stopped reports whether Stop has been called.
func (d *Dispatcher) Stopped() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

// Timer fires a callback on the dispatcher goroutine at a fixed interval.
// Rescheduling is best effort from "now" after each fire; drift is not
// compensated.
type Timer struct {
	d        *Dispatcher
	interval time.Duration
	cb       func()
	timer    *time.Timer
	stopped  atomic.Bool
}

// AddTimer registers a repeating timer. The callback runs on the dispatcher
// goroutine like any other event.
func (d *Dispatcher) AddTimer(interval time.Duration, cb func()) *Timer {
	t := &Timer{d: d, interval: interval, cb: cb}
	t.timer = time.AfterFunc(interval, t.fire)
	return t
}

func (t *Timer) fire() {
	t.d.Post(func() {
		if t.stopped.Load() || t.d.Stopped() {
			return
		}
		t.cb()
		t.timer.Reset(t.interval)
	})
}

// Stop cancels the timer. A fire already queued on the loop is suppressed.
func (t *Timer) Stop() {
	t.stopped.Store(true)
	t.timer.Stop()
}
