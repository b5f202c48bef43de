package proto

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Admitter screens freshly accepted connections. It may wrap the connection
// or refuse it with an error.
type Admitter interface {
	Admit(conn net.Conn) (net.Conn, error)
}

// SocketOptions tunes how connections are taken from a listener.
type SocketOptions struct {
	// EdgeTriggered sockets are accepted from directly without waiting for
	// readiness first.
	EdgeTriggered bool
	// CloseOnExec marks accepted descriptors close-on-exec.
	CloseOnExec bool
	Guard       Admitter
}

// Socket is a listening socket bound to a protocol.
type Socket struct {
	Name          string
	Listener      net.Listener
	Protocol      Protocol
	EdgeTriggered bool
	CloseOnExec   bool
	Guard         Admitter

	raw syscall.RawConn
	fd  int
}

// NewSocket wraps ln. The listener must expose its descriptor, which TCP and
// unix listeners do.
func NewSocket(ln net.Listener, p Protocol, opts SocketOptions) (*Socket, error) {
	if ln == nil || p == nil {
		return nil, errors.New("proto: socket requires a listener and a protocol")
	}
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("proto: listener %T does not expose a descriptor", ln)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("proto: listener descriptor: %w", err)
	}
	s := &Socket{
		Name:          ln.Addr().Network() + "://" + ln.Addr().String(),
		Listener:      ln,
		Protocol:      p,
		EdgeTriggered: opts.EdgeTriggered,
		CloseOnExec:   opts.CloseOnExec,
		Guard:         opts.Guard,
		raw:           raw,
		fd:            -1,
	}
	if err := raw.Control(func(fd uintptr) { s.fd = int(fd) }); err != nil {
		return nil, fmt.Errorf("proto: listener descriptor: %w", err)
	}
	return s, nil
}

// FD returns the listening descriptor used for readiness polling.
func (s *Socket) FD() int { return s.fd }

// Addr returns the bound address.
func (s *Socket) Addr() net.Addr { return s.Listener.Addr() }

// Close closes the listener.
func (s *Socket) Close() error { return s.Listener.Close() }

// Interrupt releases a parked edge-triggered accept.
func (s *Socket) Interrupt() {
	if dl, ok := s.Listener.(interface{ SetDeadline(time.Time) error }); ok {
		_ = dl.SetDeadline(time.Unix(1, 0))
	}
}

func (s *Socket) accept() (net.Conn, error) {
	var (
		nfd  int
		aerr error
	)
	err := s.raw.Read(func(fd uintptr) bool {
		nfd, _, aerr = unix.Accept(int(fd))
		// Edge-triggered sockets park until a connection arrives.
		return !s.EdgeTriggered || !errors.Is(aerr, unix.EAGAIN)
	})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("proto: accept %s: %w", s.Name, err)
	}
	if aerr != nil {
		switch {
		case errors.Is(aerr, unix.EAGAIN), errors.Is(aerr, unix.EINTR), errors.Is(aerr, unix.ECONNABORTED):
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("proto: accept %s: %w", s.Name, aerr)
	}
	f := os.NewFile(uintptr(nfd), s.Name)
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("proto: accept %s: %w", s.Name, err)
	}
	// FileConn keeps a dup that is always close-on-exec; the option decides
	// what the kept descriptor ends up with.
	if err := setCloseOnExec(conn, s.CloseOnExec); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proto: accept %s: %w", s.Name, err)
	}
	if s.Guard != nil {
		guarded, gerr := s.Guard.Admit(conn)
		if gerr != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrRejected, gerr)
		}
		conn = guarded
	}
	return conn, nil
}

func setCloseOnExec(conn net.Conn, on bool) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var ferr error
	if err := raw.Control(func(fd uintptr) {
		flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
		if err != nil {
			ferr = err
			return
		}
		if on {
			flags |= unix.FD_CLOEXEC
		} else {
			flags &^= unix.FD_CLOEXEC
		}
		_, ferr = unix.FcntlInt(fd, unix.F_SETFD, flags)
	}); err != nil {
		return err
	}
	return ferr
}

// ConnFD returns the descriptor behind conn for readiness polling.
func ConnFD(conn net.Conn) (int, bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, false
	}
	fd := -1
	if err := raw.Control(func(v uintptr) { fd = int(v) }); err != nil {
		return -1, false
	}
	return fd, fd >= 0
}

// Feed performs one non-blocking read on the request connection and tries to
// parse the header. It reports true once the header is complete; false with a
// nil error means the caller should wait for readiness and call Feed again.
func Feed(req *Request) (bool, error) {
	sc, ok := req.Conn.(syscall.Conn)
	if !ok {
		return false, fmt.Errorf("proto: connection %T does not support non-blocking reads", req.Conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, err
	}
	if req.filled == len(req.buf) {
		return false, ErrHeaderTooLarge
	}
	var (
		n    int
		rerr error
	)
	if err := raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), req.buf[req.filled:])
		return true
	}); err != nil {
		return false, err
	}
	switch {
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EINTR):
		return false, nil
	case rerr != nil:
		return false, rerr
	case n == 0:
		if req.filled > 0 {
			return false, io.ErrUnexpectedEOF
		}
		return false, io.EOF
	}
	req.filled += n
	consumed, err := req.Proto.Parse(req, req.buf[:req.filled])
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			if req.filled == len(req.buf) {
				return false, ErrHeaderTooLarge
			}
			return false, nil
		}
		return false, err
	}
	req.headerDone(consumed)
	return true, nil
}
