package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/blue-goji/uwsgi/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealAfterFuncCanBeStopped(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := clock.Real{}.AfterFunc(time.Hour, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Fatal("expected Stop to cancel a pending timer")
	}
	if fired.Load() {
		t.Fatal("callback ran after Stop")
	}
}

func TestManualAfterFuncFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	var calls int
	m.AfterFunc(2*time.Second, func() { calls++ })
	m.Advance(time.Second)
	if calls != 0 {
		t.Fatalf("callback fired early: %d", calls)
	}
	m.Advance(time.Second)
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualStopRemovesTimer(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	timer := m.AfterFunc(time.Second, func() { t.Error("stopped timer fired") })
	if !timer.Stop() {
		t.Fatal("expected Stop to report true")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	m.Advance(time.Minute)
}

func TestManualAfterDeliversNow(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	ch := m.After(500 * time.Millisecond)
	now := m.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(now) {
			t.Fatalf("expected %v, got %v", now, got)
		}
	default:
		t.Fatal("After channel did not fire")
	}
}
