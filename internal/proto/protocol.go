// Package proto defines the per-connection request record, the protocol
// operations table used by the worker lifecycle and the application contract.
//
// A Protocol turns bytes on an accepted connection into a populated Request
// and writes responses back. The generic operations (accept, raw writes,
// vectored writes, file transfer, close) live in Base so a concrete protocol
// only has to supply framing and status-line rendering.
package proto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"time"
)

var (
	// ErrIncomplete reports that more bytes are needed before a header can be parsed.
	ErrIncomplete = errors.New("proto: incomplete header")
	// ErrInvalidHeader reports a malformed request header.
	ErrInvalidHeader = errors.New("proto: invalid header")
	// ErrHeaderTooLarge reports a header that does not fit the slot buffer.
	ErrHeaderTooLarge = errors.New("proto: header exceeds buffer size")
	// ErrWouldBlock reports that no connection was pending on a listener.
	ErrWouldBlock = errors.New("proto: accept would block")
	// ErrRejected reports a connection refused by the accept guard.
	ErrRejected = errors.New("proto: connection rejected")
	// ErrHeadersSent reports a second attempt to send response headers.
	ErrHeadersSent = errors.New("proto: response headers already sent")
	// ErrClosed reports an operation on a request whose connection is gone.
	ErrClosed = errors.New("proto: connection closed")
)

// Protocol is the operations table bound to a listening socket.
type Protocol interface {
	Name() string
	// Accept takes one pending connection from s without blocking.
	Accept(s *Socket) (net.Conn, error)
	// ReadFraming reads until a full header is parsed into req. Each read
	// waits at most timeout.
	ReadFraming(req *Request, timeout time.Duration) error
	// Parse decodes a header from data. It returns the number of bytes
	// consumed or ErrIncomplete.
	Parse(req *Request, data []byte) (int, error)
	Write(req *Request, p []byte) (int, error)
	WriteHeader(req *Request, status int, headers []Header) (int, error)
	Writev(req *Request, bufs [][]byte) (int64, error)
	SendFile(req *Request, f *os.File, offset, length int64) (int64, error)
	Close(req *Request) error
}

// Application handles a dispatched request.
type Application interface {
	ServeUWSGI(ctx context.Context, req *Request) error
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(ctx context.Context, req *Request) error

// ServeUWSGI calls f.
func (f ApplicationFunc) ServeUWSGI(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// AfterRequester is implemented by applications that want a callback once
// the request has been closed and counted.
type AfterRequester interface {
	AfterRequest(req *Request)
}

var registry = map[string]func() Protocol{
	"uwsgi": func() Protocol { return &UWSGI{} },
	"http":  func() Protocol { return &HTTP{} },
}

// Lookup returns a fresh Protocol for name.
func Lookup(name string) (Protocol, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("proto: unknown protocol %q (known: %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered protocol names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Base implements the protocol operations that do not depend on framing.
type Base struct{}

// Accept delegates to the socket's non-blocking accept.
func (Base) Accept(s *Socket) (net.Conn, error) {
	return s.accept()
}

// Write sends p as-is, honouring the request write timeout.
func (Base) Write(req *Request, p []byte) (int, error) {
	if err := req.armWrite(); err != nil {
		return 0, err
	}
	n, err := req.Conn.Write(p)
	req.ResponseSize += int64(n)
	return n, err
}

// Writev sends bufs with a single vectored write where the transport allows it.
func (Base) Writev(req *Request, bufs [][]byte) (int64, error) {
	if err := req.armWrite(); err != nil {
		return 0, err
	}
	vec := net.Buffers(bufs)
	n, err := vec.WriteTo(req.Conn)
	req.ResponseSize += n
	return n, err
}

// SendFile copies length bytes of f starting at offset. A negative length
// sends up to EOF. TCP connections take the sendfile path.
func (Base) SendFile(req *Request, f *os.File, offset, length int64) (int64, error) {
	if err := req.armWrite(); err != nil {
		return 0, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("proto: sendfile seek: %w", err)
	}
	var src io.Reader = f
	if length >= 0 {
		src = &io.LimitedReader{R: f, N: length}
	}
	n, err := io.Copy(req.Conn, src)
	req.ResponseSize += n
	return n, err
}

// Close closes the connection once.
func (Base) Close(req *Request) error {
	if req.closed || req.Conn == nil {
		return nil
	}
	req.closed = true
	return req.Conn.Close()
}

// readFraming is the blocking read-until-parsed loop shared by protocols.
func readFraming(p Protocol, req *Request, timeout time.Duration) error {
	if req.Conn == nil {
		return ErrClosed
	}
	for {
		if req.filled > 0 {
			consumed, err := p.Parse(req, req.buf[:req.filled])
			if err == nil {
				req.headerDone(consumed)
				return nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return err
			}
			if req.filled == len(req.buf) {
				return ErrHeaderTooLarge
			}
		}
		if timeout > 0 {
			if err := req.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}
		n, err := req.Conn.Read(req.buf[req.filled:])
		req.filled += n
		if n > 0 {
			continue
		}
		if errors.Is(err, io.EOF) && req.filled > 0 {
			return io.ErrUnexpectedEOF
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		return err
	}
}
