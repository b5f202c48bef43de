// Package body ingests request bodies before dispatch.
//
// Small bodies are read into a caller-supplied buffer. Large bodies are
// spilled to an anonymous temporary file in bounded chunks, optionally
// publishing upload progress to a side file named after a token carried in
// the request target. Every chunk wait is bounded by the socket timeout and
// extends the harakiri budget by the same amount.
package body

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"pkt.systems/pslog"

	"github.com/blue-goji/uwsgi/internal/clock"
	"github.com/blue-goji/uwsgi/internal/harakiri"
	"github.com/blue-goji/uwsgi/internal/loggingutil"
)

// DefaultChunkSize bounds each spill-mode read.
const DefaultChunkSize = 8192

var (
	// ErrTimeout reports a chunk that did not arrive within the socket timeout.
	ErrTimeout = errors.New("body: timeout waiting for request body")
	// ErrShortBody reports a peer that closed before the declared length.
	ErrShortBody = errors.New("body: connection closed before the full body was received")
)

// Source is a readable stream whose reads can be bounded by a deadline.
type Source interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Options configures ingestion.
type Options struct {
	// Timeout bounds the wait for every chunk. Zero waits forever.
	Timeout time.Duration
	// Watchdog is extended by Timeout before each chunk.
	Watchdog harakiri.Extender
	Clock    clock.Clock
	Logger   pslog.Logger

	// ChunkSize bounds spill-mode reads.
	ChunkSize int
	// TempDir holds spill files; empty uses the system default.
	TempDir string
	// ProgressDir enables upload progress side files.
	ProgressDir string
	// OnProgress runs after every successful progress update.
	OnProgress func(Progress)
}

func (o *Options) normalize() {
	if o.Watchdog == nil {
		o.Watchdog = harakiri.Nop{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	o.Logger = loggingutil.WithSubsystem(o.Logger, "body")
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
}

// ReadInMemory fills buf completely from src. It either returns nil with
// len(buf) bytes read or an error; partial bodies are never reported as
// success.
func ReadInMemory(src Source, buf []byte, opts Options) error {
	opts.normalize()
	off := 0
	for off < len(buf) {
		n, err := readChunk(src, buf[off:], &opts)
		off += n
		if err != nil {
			return err
		}
	}
	return nil
}

// readChunk waits for at most one chunk, extending the watchdog first.
func readChunk(src Source, p []byte, opts *Options) (int, error) {
	if opts.Timeout > 0 {
		opts.Watchdog.Inc(opts.Timeout)
		if err := src.SetReadDeadline(opts.Clock.Now().Add(opts.Timeout)); err != nil {
			return 0, fmt.Errorf("body: set deadline: %w", err)
		}
	}
	n, err := src.Read(p)
	if n > 0 {
		return n, nil
	}
	return 0, classify(err)
}

func classify(err error) error {
	var nerr net.Error
	switch {
	case err == nil:
		return io.ErrNoProgress
	case errors.As(err, &nerr) && nerr.Timeout():
		return ErrTimeout
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrShortBody
	}
	return fmt.Errorf("body: read: %w", err)
}
