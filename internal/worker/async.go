package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blue-goji/uwsgi/internal/proto"
)

// pendingHeader is a slot waiting for the rest of its header.
type pendingHeader struct {
	s        *slot
	fd       int
	deadline time.Time
}

// completions carries slots that finished their request back to the
// readiness loop. Every send is followed by one byte on a non-blocking pipe
// the loop polls, so the loop wakes without blocking on the channel.
type completions struct {
	slots chan *slot
	r, w  int
}

func newCompletions(n int) (*completions, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("worker: completion pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return nil, fmt.Errorf("worker: completion pipe: %w", err)
	}
	return &completions{slots: make(chan *slot, n), r: p[0], w: p[1]}, nil
}

func (c *completions) push(s *slot) {
	c.slots <- s
	for {
		_, err := unix.Write(c.w, []byte{0})
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// drain empties the pipe and returns every finished slot.
func (c *completions) drain(into []*slot) []*slot {
	var buf [64]byte
	for {
		n, err := unix.Read(c.r, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	for {
		select {
		case s := <-c.slots:
			into = append(into, s)
		default:
			return into
		}
	}
}

func (c *completions) close() {
	_ = unix.Close(c.r)
	_ = unix.Close(c.w)
}

// runAsync multiplexes header reads for every slot over one readiness loop.
// A slot whose header is complete is served on its own goroutine and handed
// back through the completion pipe, so body reads and applications never
// hold the loop. After a stop the loop accepts nothing new but keeps
// servicing pending headers and in-flight requests until they drain.
func (w *Worker) runAsync(ctx context.Context) {
	free := make([]*slot, 0, len(w.slots))
	for i := len(w.slots) - 1; i >= 0; i-- {
		free = append(free, w.slots[i])
	}
	done := w.completions
	var (
		waiting   []*pendingHeader
		inflight  int
		exhausted bool
		fds       []unix.PollFd
		handoffs  sync.WaitGroup
	)
	defer func() {
		// A slot is counted back before its pipe byte lands.
		handoffs.Wait()
		for _, s := range w.slots {
			s.transition(StateWorkerExit)
		}
	}()

	serve := func(s *slot, parsed bool) {
		inflight++
		handoffs.Add(1)
		go func() {
			defer handoffs.Done()
			switch {
			case parsed:
				w.dispatch(ctx, s)
			default:
				if err := w.recv(s); err != nil {
					w.framingFailed(ctx, s, err)
				} else {
					w.dispatch(ctx, s)
				}
			}
			w.close(ctx, s)
			done.push(s)
		}()
	}

	for {
		before := len(free)
		free = done.drain(free)
		inflight -= len(free) - before

		stopping := !w.record.ManageNext()
		if (stopping || exhausted) && len(waiting) == 0 && inflight == 0 {
			return
		}

		fds = fds[:0]
		fds = append(fds, unix.PollFd{Fd: int32(done.r), Events: unix.POLLIN})
		wakeIdx := -1
		if !stopping {
			// The wake pipe stays readable once retired, so it is left out
			// while draining.
			wakeIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(w.wakeFD), Events: unix.POLLIN})
		}
		ctl := -1
		if w.control.active() {
			ctl = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(w.control.fd), Events: unix.POLLIN})
		}
		sockBase := len(fds)
		accepting := !stopping && !exhausted && len(free) > 0
		if accepting {
			for _, sock := range w.cfg.Sockets {
				fds = append(fds, unix.PollFd{Fd: int32(sock.FD()), Events: unix.POLLIN})
			}
		}
		waitBase := len(fds)
		for _, p := range waiting {
			fds = append(fds, unix.PollFd{Fd: int32(p.fd), Events: unix.POLLIN})
		}

		if err := poll(fds, w.pollTimeout(waiting)); err != nil {
			w.logger.Error("uwsgi.worker.poll_failed", "error", err)
			w.clock.Sleep(w.cfg.AcceptBackoff)
			continue
		}
		if wakeIdx >= 0 && fds[wakeIdx].Revents != 0 {
			continue
		}
		if ctl >= 0 && fds[ctl].Revents != 0 {
			w.handleControl()
		}

		now := w.clock.Now()
		kept := waiting[:0]
		for i, p := range waiting {
			if fds[waitBase+i].Revents == 0 {
				if w.cfg.SocketTimeout > 0 && !now.Before(p.deadline) {
					w.framingFailed(ctx, p.s, os.ErrDeadlineExceeded)
					w.close(ctx, p.s)
					free = append(free, p.s)
					continue
				}
				kept = append(kept, p)
				continue
			}
			finished, err := proto.Feed(p.s.req)
			switch {
			case err != nil:
				w.framingFailed(ctx, p.s, err)
				w.close(ctx, p.s)
				free = append(free, p.s)
			case !finished:
				kept = append(kept, p)
			default:
				p.s.watchdog.Set(0)
				p.s.transition(StateHeaderParsed)
				serve(p.s, true)
			}
		}
		waiting = kept

		if !accepting {
			continue
		}
		for i, sock := range w.cfg.Sockets {
			if fds[sockBase+i].Revents == 0 {
				continue
			}
			for len(free) > 0 && w.record.ManageNext() {
				if !w.record.Admit(w.cfg.Limits.MaxRequests) {
					exhausted = true
					break
				}
				conn, err := sock.Protocol.Accept(sock)
				if err != nil {
					w.record.Release()
					if !errors.Is(err, proto.ErrWouldBlock) && !errors.Is(err, proto.ErrRejected) {
						w.logger.Error("uwsgi.worker.accept_failed", "error", err)
					}
					break
				}
				s := free[len(free)-1]
				free = free[:len(free)-1]
				s.transition(StateWaitingReady)
				w.begin(s, conn, sock)
				s.watchdog.Set(w.cfg.Harakiri)
				fd, ok := proto.ConnFD(conn)
				if !ok {
					// No descriptor to watch: read the header on the slot's goroutine.
					serve(s, false)
					continue
				}
				waiting = append(waiting, &pendingHeader{s: s, fd: fd, deadline: now.Add(w.cfg.SocketTimeout)})
			}
		}
	}
}

// pollTimeout is the time until the earliest header deadline, or forever.
func (w *Worker) pollTimeout(waiting []*pendingHeader) int {
	if w.cfg.SocketTimeout <= 0 || len(waiting) == 0 {
		return -1
	}
	earliest := waiting[0].deadline
	for _, p := range waiting[1:] {
		if p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}
	until := earliest.Sub(w.clock.Now())
	if until <= 0 {
		return 0
	}
	return int((until + time.Millisecond - 1) / time.Millisecond)
}
