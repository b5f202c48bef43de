package worker

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlChannel is the supervisor side channel. Each byte is a signal
// number; EOF means the supervisor is gone.
type controlChannel struct {
	file *os.File
	raw  syscall.RawConn
	fd   int
	mu   sync.Mutex
	eof  atomic.Bool
}

func newControlChannel(f *os.File) (*controlChannel, error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("worker: control channel: %w", err)
	}
	c := &controlChannel{file: f, raw: raw, fd: -1}
	if err := raw.Control(func(fd uintptr) { c.fd = int(fd) }); err != nil {
		return nil, fmt.Errorf("worker: control channel: %w", err)
	}
	return c, nil
}

func (c *controlChannel) active() bool {
	return c != nil && !c.eof.Load()
}

// read takes at most one byte without blocking. Concurrent callers skip
// instead of queueing behind the reader.
func (c *controlChannel) read() (sig byte, ok, eof bool, err error) {
	if !c.mu.TryLock() {
		return 0, false, false, nil
	}
	defer c.mu.Unlock()
	var (
		buf  [1]byte
		n    int
		rerr error
	)
	if err := c.raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), buf[:])
		return true
	}); err != nil {
		return 0, false, false, err
	}
	switch {
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EINTR):
		return 0, false, false, nil
	case rerr != nil:
		return 0, false, false, rerr
	case n == 0:
		c.eof.Store(true)
		return 0, false, true, nil
	}
	return buf[0], true, false, nil
}

func (w *Worker) handleControl() {
	sig, ok, eof, err := w.control.read()
	switch {
	case err != nil:
		w.logger.Warn("uwsgi.worker.control_failed", "error", err)
	case eof:
		if w.cfg.NoOrphans {
			w.logger.Error("uwsgi.worker.orphaned")
			w.retire("supervisor channel closed", ExitOrphaned)
			return
		}
		w.logger.Warn("uwsgi.worker.control_closed")
	case ok:
		handler := w.cfg.Signals[sig]
		if handler == nil {
			w.logger.Warn("uwsgi.signal.unregistered", "signal", sig)
			return
		}
		w.logger.Debug("uwsgi.signal", "signal", sig)
		handler()
	}
}
