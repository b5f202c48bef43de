package worker

import (
	"sync/atomic"

	"github.com/blue-goji/uwsgi/internal/harakiri"
	"github.com/blue-goji/uwsgi/internal/proto"
)

// slot is one concurrent request context.
type slot struct {
	id       int
	worker   *Worker
	req      *proto.Request
	watchdog harakiri.Watchdog
	state    atomic.Int32
	// current describes the request for harakiri reports.
	current atomic.Pointer[string]
	app     proto.Application
	post    []byte
}

func (w *Worker) newSlot(id int) *slot {
	s := &slot{
		id:     id,
		worker: w,
		req:    proto.NewRequest(id, w.cfg.BufferSize),
	}
	switch {
	case w.cfg.Harakiri <= 0:
		s.watchdog = harakiri.Nop{}
	case w.cfg.HarakiriStandalone:
		s.watchdog = harakiri.NewAlarm(w.clock, w.cfg.Harakiri, func() { w.harakiriExpired(id) })
	default:
		s.watchdog = w.record.Deadlines[id]
	}
	return s
}

// State returns the slot's lifecycle state.
func (s *slot) State() State { return State(s.state.Load()) }

func (s *slot) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	if hook := s.worker.cfg.Hooks.OnStateChange; hook != nil && from != to {
		hook(s.id, from, to)
	}
}

// postBuffer returns a reusable buffer of n bytes.
func (s *slot) postBuffer(n int64) []byte {
	if int64(cap(s.post)) < n {
		s.post = make([]byte, n)
	}
	return s.post[:n]
}
