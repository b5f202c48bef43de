package proto

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// DefaultBufferSize is the header buffer each slot allocates.
const DefaultBufferSize = 4096

// Header is a single response header.
type Header struct {
	Key   string
	Value string
}

// Request is the per-slot record describing the request being processed.
// A slot reuses the same Request for every connection it serves; Reset
// zeroes everything except the slot index and the reusable buffers.
type Request struct {
	Slot int
	ID   string

	Conn   net.Conn
	Socket *Socket
	Proto  Protocol

	Modifier1     uint8
	Modifier2     uint8
	Method        string
	URI           string
	Path          string
	Query         string
	ScriptName    string
	Protocol      string
	RemoteAddr    string
	ContentLength int64
	Vars          map[string]string
	HeaderSize    int

	Start time.Time
	End   time.Time

	// ReadTimeout bounds each body read made through Body.
	ReadTimeout time.Duration
	// WriteTimeout bounds each response write.
	WriteTimeout time.Duration

	Status       int
	ResponseSize int64
	HeadersSent  bool

	closed   bool
	hijacked bool

	buf      []byte
	filled   int
	pending  []byte
	bodyLeft int64
	source   Source
	body     io.Reader
	bodyFile *os.File
}

// NewRequest allocates a request for slot with a header buffer of bufSize bytes.
func NewRequest(slot, bufSize int) *Request {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Request{
		Slot: slot,
		Vars: make(map[string]string, 16),
		buf:  make([]byte, bufSize),
	}
}

// Reset returns the request to its idle state, keeping the slot index.
func (r *Request) Reset() {
	slot, buf, vars := r.Slot, r.buf, r.Vars
	r.releaseBody()
	clear(vars)
	*r = Request{Slot: slot, buf: buf, Vars: vars}
}

// Bind attaches an accepted connection to the request.
func (r *Request) Bind(conn net.Conn, s *Socket) {
	r.Conn = conn
	r.Socket = s
	if s != nil {
		r.Proto = s.Protocol
	}
	if conn != nil && conn.RemoteAddr() != nil {
		r.RemoteAddr = conn.RemoteAddr().String()
	}
}

// Var returns the named request variable.
func (r *Request) Var(key string) string {
	return r.Vars[key]
}

// Elapsed is the request running time, or the time so far while it runs.
func (r *Request) Elapsed() time.Duration {
	if r.Start.IsZero() {
		return 0
	}
	if r.End.IsZero() {
		return time.Since(r.Start)
	}
	return r.End.Sub(r.Start)
}

// Closed reports whether the transport is already gone.
func (r *Request) Closed() bool { return r.closed }

// MarkClosed records that the connection was closed outside the protocol.
func (r *Request) MarkClosed() { r.closed = true }

// Hijack hands the connection over to the caller. The worker will neither
// write to nor close it afterwards.
func (r *Request) Hijack() net.Conn {
	r.hijacked = true
	r.closed = true
	return r.Conn
}

// Hijacked reports whether Hijack was called.
func (r *Request) Hijacked() bool { return r.hijacked }

// Write sends raw response bytes.
func (r *Request) Write(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	return r.Proto.Write(r, p)
}

// WriteString sends s as raw response bytes.
func (r *Request) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// WriteHeader sends the status line and headers once.
func (r *Request) WriteHeader(status int, headers ...Header) error {
	if r.closed {
		return ErrClosed
	}
	if r.HeadersSent {
		return ErrHeadersSent
	}
	r.Status = status
	r.HeadersSent = true
	_, err := r.Proto.WriteHeader(r, status, headers)
	return err
}

// Writev sends bufs in order.
func (r *Request) Writev(bufs ...[]byte) (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}
	return r.Proto.Writev(r, bufs)
}

// SendFile streams a region of f.
func (r *Request) SendFile(f *os.File, offset, length int64) (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}
	return r.Proto.SendFile(r, f, offset, length)
}

// Source returns the raw body stream: bytes read past the header first,
// then the connection, limited to ContentLength.
func (r *Request) Source() *Source {
	r.source.req = r
	return &r.source
}

// Body returns the request body. When the body was buffered it reads from
// memory or from the spill file, otherwise it streams from the connection.
func (r *Request) Body() io.Reader {
	if r.body != nil {
		return r.body
	}
	return r.Source()
}

// SetBufferedBody installs an in-memory body.
func (r *Request) SetBufferedBody(p []byte) {
	r.releaseBody()
	r.body = bytes.NewReader(p)
}

// SetBodyFile installs a spilled body. The file is closed on Reset.
func (r *Request) SetBodyFile(f *os.File) {
	r.releaseBody()
	r.bodyFile = f
	r.body = f
}

// BodyInFile reports whether the body was spilled to a file.
func (r *Request) BodyInFile() bool { return r.bodyFile != nil }

func (r *Request) releaseBody() {
	if r.bodyFile != nil {
		_ = r.bodyFile.Close()
		r.bodyFile = nil
	}
	r.body = nil
}

func (r *Request) armWrite() error {
	if r.Conn == nil {
		return ErrClosed
	}
	if r.WriteTimeout > 0 {
		return r.Conn.SetWriteDeadline(time.Now().Add(r.WriteTimeout))
	}
	return nil
}

// headerDone keeps the bytes that followed the header for the body.
func (r *Request) headerDone(consumed int) {
	r.HeaderSize = consumed
	r.pending = r.buf[consumed:r.filled]
	r.bodyLeft = r.ContentLength
}

func (r *Request) setVar(key, value string) {
	r.Vars[key] = value
}

// applyVars derives the well-known fields from Vars.
func (r *Request) applyVars() error {
	r.Method = r.Vars["REQUEST_METHOD"]
	r.Path = r.Vars["PATH_INFO"]
	r.Query = r.Vars["QUERY_STRING"]
	r.ScriptName = r.Vars["SCRIPT_NAME"]
	r.Protocol = r.Vars["SERVER_PROTOCOL"]
	r.URI = r.Vars["REQUEST_URI"]
	if r.URI == "" {
		r.URI = r.Path
		if r.Query != "" {
			r.URI += "?" + r.Query
		}
	}
	r.ContentLength = 0
	if raw := r.Vars["CONTENT_LENGTH"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return ErrInvalidHeader
		}
		r.ContentLength = n
	}
	if addr := r.Vars["REMOTE_ADDR"]; addr != "" && r.RemoteAddr == "" {
		r.RemoteAddr = addr
	}
	return nil
}

// Source is the unbuffered body stream of a request.
type Source struct {
	req *Request
}

// Read reads body bytes, never past ContentLength.
func (s *Source) Read(p []byte) (int, error) {
	r := s.req
	if r.bodyLeft <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.bodyLeft {
		p = p[:r.bodyLeft]
	}
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		r.bodyLeft -= int64(n)
		return n, nil
	}
	if r.Conn == nil || r.closed {
		return 0, ErrClosed
	}
	if r.ReadTimeout > 0 {
		if err := r.Conn.SetReadDeadline(time.Now().Add(r.ReadTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := r.Conn.Read(p)
	r.bodyLeft -= int64(n)
	if errors.Is(err, io.EOF) && r.bodyLeft > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// SetReadDeadline forwards to the connection.
func (s *Source) SetReadDeadline(t time.Time) error {
	if s.req.Conn == nil {
		return ErrClosed
	}
	return s.req.Conn.SetReadDeadline(t)
}

// Remaining is the number of body bytes not yet read.
func (s *Source) Remaining() int64 { return s.req.bodyLeft }
