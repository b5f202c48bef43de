package harakiri

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/blue-goji/uwsgi/internal/clock"
	"github.com/blue-goji/uwsgi/internal/loggingutil"
)

// DefaultReapInterval is how often a Reaper scans its deadlines.
const DefaultReapInterval = time.Second

// Reaper is the supervising side of supervised mode. It scans a fixed set
// of deadlines and reports every one that has passed.
type Reaper struct {
	Deadlines []*Deadline
	Interval  time.Duration
	Clock     clock.Clock
	Logger    pslog.Logger
	// OnExpire receives the slot and how far past its deadline it was.
	OnExpire func(slot int, overdue time.Duration)
}

// Check scans once and returns the number of expired deadlines. Expired
// deadlines are disarmed before OnExpire runs, so a slot is reported once.
func (r *Reaper) Check() int {
	now := r.clock().Now()
	expired := 0
	for _, d := range r.Deadlines {
		overdue, ok := d.take(now)
		if !ok {
			continue
		}
		expired++
		loggingutil.EnsureLogger(r.Logger).Warn("uwsgi.harakiri.expired", "slot", d.Slot, "overdue", overdue)
		if r.OnExpire != nil {
			r.OnExpire(d.Slot, overdue)
		}
	}
	return expired
}

// Run scans every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	clk := r.clock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
			r.Check()
		}
	}
}

func (r *Reaper) clock() clock.Clock {
	if r.Clock == nil {
		return clock.Real{}
	}
	return r.Clock
}
