package worker

import (
	"context"
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"github.com/blue-goji/uwsgi/internal/proto"
)

// serveSlot is the loop of a synchronous slot.
func (w *Worker) serveSlot(ctx context.Context, s *slot) {
	defer s.transition(StateWorkerExit)
	for {
		if !w.record.ManageNext() {
			return
		}
		if !w.record.Admit(w.cfg.Limits.MaxRequests) {
			return
		}
		s.transition(StateWaitingReady)
		conn, sock, err := w.acceptNext(s)
		if err != nil {
			w.record.Release()
			s.transition(StateIdle)
			w.logger.Error("uwsgi.worker.accept_failed", "slot", s.id, "error", err)
			w.clock.Sleep(w.cfg.AcceptBackoff)
			continue
		}
		if conn == nil {
			w.record.Release()
			s.transition(StateIdle)
			continue
		}
		w.serveConn(ctx, s, conn, sock)
	}
}

// acceptNext waits for readiness and accepts from the first ready socket. A
// nil connection with a nil error means nothing was accepted in this pass.
func (w *Worker) acceptNext(s *slot) (net.Conn, *proto.Socket, error) {
	if edge := w.edgeSocket(); edge != nil {
		conn, err := edge.Protocol.Accept(edge)
		if err != nil {
			if w.skippable(s, err) {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		return conn, edge, nil
	}
	ready, err := w.waitReady()
	if err != nil {
		return nil, nil, err
	}
	for _, sock := range ready {
		conn, err := sock.Protocol.Accept(sock)
		if err == nil {
			return conn, sock, nil
		}
		if w.skippable(s, err) {
			continue
		}
		return nil, nil, err
	}
	return nil, nil, nil
}

func (w *Worker) skippable(s *slot, err error) bool {
	switch {
	case errors.Is(err, proto.ErrWouldBlock):
		return true
	case errors.Is(err, proto.ErrRejected):
		w.logger.Debug("uwsgi.worker.accept_rejected", "slot", s.id, "error", err)
		return true
	}
	return false
}

func (w *Worker) edgeSocket() *proto.Socket {
	for _, sock := range w.cfg.Sockets {
		if sock.EdgeTriggered {
			return sock
		}
	}
	return nil
}

// waitReady blocks until a listening socket, the control channel or the
// wake pipe is readable. A control message is handled here and reported as
// an empty pass.
func (w *Worker) waitReady() ([]*proto.Socket, error) {
	fds := make([]unix.PollFd, 0, 2+len(w.cfg.Sockets))
	fds = append(fds, unix.PollFd{Fd: int32(w.wakeFD), Events: unix.POLLIN})
	ctl := -1
	if w.control.active() {
		ctl = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(w.control.fd), Events: unix.POLLIN})
	}
	base := len(fds)
	for _, sock := range w.cfg.Sockets {
		fds = append(fds, unix.PollFd{Fd: int32(sock.FD()), Events: unix.POLLIN})
	}
	if err := poll(fds, -1); err != nil {
		return nil, err
	}
	if fds[0].Revents != 0 {
		return nil, nil
	}
	if ctl >= 0 && fds[ctl].Revents != 0 {
		w.handleControl()
		return nil, nil
	}
	var ready []*proto.Socket
	for i, sock := range w.cfg.Sockets {
		if fds[base+i].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready = append(ready, sock)
		}
	}
	return ready, nil
}

// poll retries on EINTR.
func poll(fds []unix.PollFd, timeoutMs int) error {
	for {
		_, err := unix.Poll(fds, timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}
