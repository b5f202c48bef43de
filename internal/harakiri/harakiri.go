// Package harakiri implements the per-request watchdog that terminates a
// worker whose request overruns its time budget.
//
// Two flavours exist. In supervised mode each slot publishes an absolute
// deadline that a Reaper running beside the worker inspects. In standalone
// mode an Alarm schedules its own expiry callback. Both satisfy Watchdog, so
// the request lifecycle and body readers never care which one is active.
package harakiri

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blue-goji/uwsgi/internal/clock"
)

// ExitCode is the process exit status after a harakiri kill. It matches the
// alarm signal number.
const ExitCode = 14

// Extender pushes an armed deadline further out. Body readers call it once
// per chunk so steady progress keeps a long transfer alive.
type Extender interface {
	Inc(d time.Duration)
}

// Watchdog arms, extends and disarms the request budget.
type Watchdog interface {
	Extender
	// Set arms the watchdog d from now. Zero disarms it.
	Set(d time.Duration)
}

// Nop is a Watchdog that never fires.
type Nop struct{}

// Set implements Watchdog.
func (Nop) Set(time.Duration) {}

// Inc implements Watchdog.
func (Nop) Inc(time.Duration) {}

// Deadline is a supervised per-slot deadline. Zero means disarmed. It is
// written by the slot and read concurrently by the Reaper.
type Deadline struct {
	Slot  int
	clock clock.Clock
	at    atomic.Int64
}

// NewDeadline returns a disarmed deadline for slot.
func NewDeadline(slot int, clk clock.Clock) *Deadline {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Deadline{Slot: slot, clock: clk}
}

// Set arms the deadline d from now, or disarms it when d <= 0.
func (d *Deadline) Set(dur time.Duration) {
	if dur <= 0 {
		d.at.Store(0)
		return
	}
	d.at.Store(d.clock.Now().Add(dur).UnixNano())
}

// Inc adds dur to the armed deadline. A disarmed deadline is armed dur from now.
func (d *Deadline) Inc(dur time.Duration) {
	if dur <= 0 {
		return
	}
	for {
		cur := d.at.Load()
		next := cur + int64(dur)
		if cur == 0 {
			next = d.clock.Now().Add(dur).UnixNano()
		}
		if d.at.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Value returns the deadline, or the zero time when disarmed.
func (d *Deadline) Value() time.Time {
	v := d.at.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

// Armed reports whether the deadline is set.
func (d *Deadline) Armed() bool { return d.at.Load() != 0 }

// Expired reports whether the deadline is armed and not after now.
func (d *Deadline) Expired(now time.Time) bool {
	v := d.at.Load()
	return v != 0 && now.UnixNano() >= v
}

// take disarms an expired deadline and reports how far past it now is.
func (d *Deadline) take(now time.Time) (time.Duration, bool) {
	v := d.at.Load()
	if v == 0 || now.UnixNano() < v {
		return 0, false
	}
	if !d.at.CompareAndSwap(v, 0) {
		return 0, false
	}
	return time.Duration(now.UnixNano() - v), true
}

// Alarm is the standalone watchdog. Expiry runs OnExpire on a timer
// goroutine; the callback must only flag, close or exit.
type Alarm struct {
	// Base is the configured harakiri budget. Inc reschedules to Base plus
	// the increment, measured from now.
	Base time.Duration

	clock    clock.Clock
	onExpire func()

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
	fired atomic.Bool
}

// NewAlarm returns a disarmed alarm.
func NewAlarm(clk clock.Clock, base time.Duration, onExpire func()) *Alarm {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Alarm{Base: base, clock: clk, onExpire: onExpire}
}

// Set implements Watchdog.
func (a *Alarm) Set(d time.Duration) {
	a.schedule(d)
}

// Inc implements Extender.
func (a *Alarm) Inc(d time.Duration) {
	if d <= 0 {
		return
	}
	a.schedule(a.Base + d)
}

// Stop disarms the alarm.
func (a *Alarm) Stop() { a.schedule(0) }

// Fired reports whether the alarm has expired at least once.
func (a *Alarm) Fired() bool { return a.fired.Load() }

func (a *Alarm) schedule(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if d <= 0 {
		return
	}
	gen := a.gen
	a.timer = a.clock.AfterFunc(d, func() { a.expire(gen) })
}

func (a *Alarm) expire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()
	a.fired.Store(true)
	if a.onExpire != nil {
		a.onExpire()
	}
}
