// Package health keeps the per-worker health record: request counters,
// harakiri deadlines, memory samples, running time and the flags that stop a
// worker from taking more work. Records live in a Table so a supervisor can
// read every worker's state while workers update their own.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blue-goji/uwsgi/internal/clock"
	"github.com/blue-goji/uwsgi/internal/harakiri"
)

// Table owns the records of every worker plus the global request counter.
type Table struct {
	total   atomic.Uint64
	records []*Record
}

// NewTable allocates records for workers workers with slots slots each.
func NewTable(workers, slots int, clk clock.Clock) *Table {
	if workers <= 0 {
		workers = 1
	}
	if slots <= 0 {
		slots = 1
	}
	t := &Table{records: make([]*Record, workers)}
	for i := range t.records {
		r := &Record{ID: i + 1, table: t, Deadlines: make([]*harakiri.Deadline, slots)}
		for s := range r.Deadlines {
			r.Deadlines[s] = harakiri.NewDeadline(s, clk)
		}
		r.manageNext.Store(true)
		t.records[i] = r
	}
	return t
}

// Worker returns the record for worker id, counted from 1.
func (t *Table) Worker(id int) *Record {
	if id < 1 || id > len(t.records) {
		return nil
	}
	return t.records[id-1]
}

// Records returns every record.
func (t *Table) Records() []*Record { return t.records }

// Total is the number of requests served by all workers.
func (t *Table) Total() uint64 { return t.total.Load() }

// Record is one worker's health state. Counters only grow.
type Record struct {
	ID  int
	PID int
	// Deadlines holds one supervised harakiri deadline per slot.
	Deadlines []*harakiri.Deadline

	table *Table

	requests    atomic.Uint64
	admitted    atomic.Uint64
	harakiris   atomic.Uint64
	runningTime atomic.Int64
	busy        atomic.Int32
	rss         atomic.Uint64
	vsz         atomic.Uint64
	manageNext  atomic.Bool
	loyal       atomic.Bool

	mu         sync.Mutex
	stopReason string
}

// Admit reserves one request for a slot about to accept. It refuses once
// the worker stopped accepting or limit admissions were handed out, so a
// worker never serves more than limit requests. A zero limit is unbounded.
func (r *Record) Admit(limit uint64) bool {
	if !r.manageNext.Load() {
		return false
	}
	for {
		cur := r.admitted.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if r.admitted.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns an admission that did not turn into a request.
func (r *Record) Release() {
	for {
		cur := r.admitted.Load()
		if cur == 0 || r.admitted.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Served counts a closed request and returns the worker's new total.
func (r *Record) Served(elapsed time.Duration) uint64 {
	r.table.total.Add(1)
	if elapsed > 0 {
		r.runningTime.Add(int64(elapsed))
	}
	return r.requests.Add(1)
}

// Requests is the number of requests this worker closed.
func (r *Record) Requests() uint64 { return r.requests.Load() }

// RunningTime is the accumulated request time.
func (r *Record) RunningTime() time.Duration { return time.Duration(r.runningTime.Load()) }

// EnterRequest marks a slot busy.
func (r *Record) EnterRequest() { r.busy.Add(1) }

// LeaveRequest marks a slot idle again.
func (r *Record) LeaveRequest() { r.busy.Add(-1) }

// Busy is the number of slots currently inside a request.
func (r *Record) Busy() int { return int(r.busy.Load()) }

// HarakiriHit counts a watchdog expiry.
func (r *Record) HarakiriHit() uint64 { return r.harakiris.Add(1) }

// Harakiris is the number of watchdog expiries.
func (r *Record) Harakiris() uint64 { return r.harakiris.Load() }

// ManageNext reports whether the worker still accepts new requests.
func (r *Record) ManageNext() bool { return r.manageNext.Load() }

// StopAccepting clears the manage-next flag. The first reason wins.
func (r *Record) StopAccepting(reason string) {
	r.mu.Lock()
	if r.stopReason == "" {
		r.stopReason = reason
	}
	r.mu.Unlock()
	r.manageNext.Store(false)
}

// StopReason is the reason passed to the first StopAccepting call.
func (r *Record) StopReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason
}

// MarkLoyal flips the loyal flag and reports whether this call did it.
func (r *Record) MarkLoyal() bool { return r.loyal.CompareAndSwap(false, true) }

// Loyal reports whether loyalty was already announced.
func (r *Record) Loyal() bool { return r.loyal.Load() }

// Memory returns the last sampled resident and virtual sizes in bytes.
func (r *Record) Memory() (rss, vsz uint64) { return r.rss.Load(), r.vsz.Load() }

// Sample reads the process memory and stores it in the record.
func (r *Record) Sample() error {
	rss, vsz, err := sampleMemory()
	if err != nil {
		return err
	}
	r.rss.Store(rss)
	r.vsz.Store(vsz)
	return nil
}

func (r *Record) setMemory(rss, vsz uint64) {
	r.rss.Store(rss)
	r.vsz.Store(vsz)
}
