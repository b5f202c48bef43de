package clock

import (
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
}

type manualTimer struct {
	owner   *Manual
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock has advanced by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.schedule(d, ch, nil)
	return ch
}

// AfterFunc runs fn on the goroutine calling Advance once the clock has
// moved past d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.schedule(d, nil, fn)
}

// Sleep blocks until another goroutine advances the clock by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

func (m *Manual) schedule(d time.Duration, ch chan time.Time, fn func()) *manualTimer {
	m.mu.Lock()
	t := &manualTimer{owner: m, at: m.now.Add(d), ch: ch, fn: fn}
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		t.fire(now)
		return t
	}
	m.pending = append(m.pending, t)
	m.mu.Unlock()
	return t
}

// Advance moves time forward by d and fires every timer that became due.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	kept := m.pending[:0]
	for _, t := range m.pending {
		if t.at.After(now) {
			kept = append(kept, t)
			continue
		}
		due = append(due, t)
	}
	m.pending = kept
	m.mu.Unlock()
	for _, t := range due {
		t.fire(now)
	}
	return now
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (t *manualTimer) fire(now time.Time) {
	if t.ch != nil {
		t.ch <- now
	}
	if t.fn != nil {
		t.fn()
	}
}

func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.stopped {
		return false
	}
	for i, p := range m.pending {
		if p == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			t.stopped = true
			return true
		}
	}
	return false
}
