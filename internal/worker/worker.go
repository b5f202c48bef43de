// Package worker runs the request lifecycle for one worker process.
//
// A worker owns one or more slots. Each slot walks the same state machine:
// wait for a listening socket to become readable, accept, read the protocol
// header, dispatch to the mounted application, then close and account.
// Slots run either one goroutine each (synchronous and threaded modes) or
// share a single readiness loop (async mode).
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/blue-goji/uwsgi/internal/clock"
	"github.com/blue-goji/uwsgi/internal/connguard"
	"github.com/blue-goji/uwsgi/internal/harakiri"
	"github.com/blue-goji/uwsgi/internal/health"
	"github.com/blue-goji/uwsgi/internal/loggingutil"
	"github.com/blue-goji/uwsgi/internal/mount"
	"github.com/blue-goji/uwsgi/internal/proto"
)

// LoyaltyByte is written once to the emperor channel after the first
// request is closed.
const LoyaltyByte = 17

// DefaultAcceptBackoff is the pause after an accept failure.
const DefaultAcceptBackoff = 50 * time.Millisecond

var (
	// ErrAsyncThreads reports a configuration asking for both concurrency modes.
	ErrAsyncThreads = errors.New("worker: threads and async are mutually exclusive")
	// ErrNoSockets reports a worker without listening sockets.
	ErrNoSockets = errors.New("worker: no listening sockets")
	// ErrRunning reports a second concurrent Run.
	ErrRunning = errors.New("worker: already running")
)

// Hooks observe the lifecycle. Every hook is optional.
type Hooks struct {
	OnStateChange  func(slot int, from, to State)
	OnRequestStart func(req *proto.Request)
	OnRequestEnd   func(req *proto.Request)
}

// Config describes a worker and its collaborators.
type Config struct {
	// ID is the worker id inside Table, counted from 1.
	ID      int
	Sockets []*proto.Socket
	Mounts  *mount.Table
	Table   *health.Table
	Metrics *health.Metrics
	Guard   *connguard.Guard

	// Threads is the number of synchronous slots.
	Threads int
	// Async is the number of slots multiplexed by one readiness loop.
	Async int
	// BufferSize is the per-slot header buffer.
	BufferSize int

	SocketTimeout time.Duration
	// Harakiri is the per-request budget. Zero disables the watchdog.
	Harakiri time.Duration
	// HarakiriStandalone uses self-scheduled alarms instead of deadlines
	// inspected by a reaper goroutine.
	HarakiriStandalone bool
	// ReapInterval is how often supervised deadlines are inspected.
	ReapInterval time.Duration
	// Kill runs when a slot's harakiri expires. The default exits the
	// process with harakiri.ExitCode.
	Kill func(slot int)

	Limits       health.Limits
	MemoryReport bool

	// PostBuffering is the largest body read into memory before dispatch.
	// Larger bodies are spilled to a file. Zero streams bodies unbuffered.
	PostBuffering        int64
	PostBufferingBufSize int
	UploadProgressDir    string
	TempDir              string

	// Reaper reaps exited child processes after each request.
	Reaper bool
	// Control is the supervisor channel carrying single-byte signal numbers.
	Control *os.File
	// NoOrphans makes the worker exit when Control reaches EOF.
	NoOrphans bool
	// Signals maps supervisor signal numbers to handlers.
	Signals map[uint8]func()
	// Emperor receives the loyalty byte.
	Emperor io.Writer

	AcceptBackoff time.Duration
	Hooks         Hooks
	Logger        pslog.Logger
	Clock         clock.Clock
	Tracer        trace.Tracer
}

// Worker serves requests until it is stopped or retires.
type Worker struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	record  *health.Record
	slots   []*slot
	control *controlChannel

	wakeR, wakeW *os.File
	wakeFD       int
	wakeOnce     sync.Once
	completions  *completions

	running  atomic.Bool
	reasonMu sync.Mutex
	reason   ExitReason
	done     chan struct{}
}

// New validates cfg and allocates the slots.
func New(cfg Config) (*Worker, error) {
	if cfg.Threads > 1 && cfg.Async > 1 {
		return nil, ErrAsyncThreads
	}
	if len(cfg.Sockets) == 0 {
		return nil, ErrNoSockets
	}
	if cfg.Mounts == nil {
		return nil, errors.New("worker: mount table required")
	}
	if cfg.ID <= 0 {
		cfg.ID = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = DefaultAcceptBackoff
	}
	slots := max(cfg.Threads, cfg.Async, 1)
	if cfg.Table == nil {
		cfg.Table = health.NewTable(cfg.ID, slots, cfg.Clock)
	}
	record := cfg.Table.Worker(cfg.ID)
	if record == nil {
		return nil, fmt.Errorf("worker: id %d not present in health table", cfg.ID)
	}
	if len(record.Deadlines) < slots {
		return nil, fmt.Errorf("worker: health table has %d slots, need %d", len(record.Deadlines), slots)
	}
	record.PID = os.Getpid()
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/blue-goji/uwsgi/worker")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "worker").With("worker", cfg.ID)

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: wake pipe: %w", err)
	}
	w := &Worker{
		cfg:    cfg,
		logger: logger,
		clock:  cfg.Clock,
		tracer: cfg.Tracer,
		record: record,
		wakeR:  wakeR,
		wakeW:  wakeW,
		wakeFD: int(wakeR.Fd()),
		done:   make(chan struct{}),
	}
	if cfg.Control != nil {
		w.control, err = newControlChannel(cfg.Control)
		if err != nil {
			_ = wakeR.Close()
			_ = wakeW.Close()
			return nil, err
		}
	}
	if cfg.Async > 1 {
		w.completions, err = newCompletions(slots)
		if err != nil {
			_ = wakeR.Close()
			_ = wakeW.Close()
			return nil, err
		}
	}
	w.slots = make([]*slot, slots)
	for i := range w.slots {
		w.slots[i] = w.newSlot(i)
	}
	return w, nil
}

// Health returns the worker's health record.
func (w *Worker) Health() *health.Record { return w.record }

// SlotStates returns the current state of every slot.
func (w *Worker) SlotStates() []State {
	out := make([]State, len(w.slots))
	for i, s := range w.slots {
		out[i] = s.State()
	}
	return out
}

// ExitReason reports why the worker stopped taking requests.
func (w *Worker) ExitReason() ExitReason {
	w.reasonMu.Lock()
	defer w.reasonMu.Unlock()
	return w.reason
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run serves until the worker retires, is stopped or ctx is cancelled. It
// returns once every slot has left its current request.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(w.done)
	defer w.closeWake()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				w.retire("context cancelled", ExitStopped)
			}
		case <-w.done:
		}
	}()

	if w.cfg.Harakiri > 0 && !w.cfg.HarakiriStandalone {
		reaper := &harakiri.Reaper{
			Deadlines: w.record.Deadlines[:len(w.slots)],
			Interval:  w.cfg.ReapInterval,
			Clock:     w.clock,
			Logger:    w.logger,
			OnExpire:  func(slot int, _ time.Duration) { w.harakiriExpired(slot) },
		}
		go reaper.Run(runCtx)
	}

	w.logger.Info("uwsgi.worker.start",
		"pid", w.record.PID,
		"slots", len(w.slots),
		"mode", w.mode(),
		"sockets", len(w.cfg.Sockets))

	if w.cfg.Async > 1 {
		w.runAsync(runCtx)
	} else {
		var wg sync.WaitGroup
		for _, s := range w.slots {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.serveSlot(runCtx, s)
			}()
		}
		wg.Wait()
	}

	w.logger.Info("uwsgi.worker.exit",
		"reason", string(w.ExitReason()),
		"detail", w.record.StopReason(),
		"requests", w.record.Requests(),
		"running_time", w.record.RunningTime())
	return nil
}

// Stop is the soft stop: no new requests are accepted and Run returns once
// in-flight requests complete.
func (w *Worker) Stop() {
	w.retire("graceful stop", ExitStopped)
}

func (w *Worker) mode() string {
	switch {
	case w.cfg.Async > 1:
		return "async"
	case w.cfg.Threads > 1:
		return "threads"
	}
	return "sync"
}

// retire stops admission and wakes every waiting slot. The first reason wins.
func (w *Worker) retire(detail string, reason ExitReason) {
	w.reasonMu.Lock()
	if w.reason == ExitNone {
		w.reason = reason
	}
	w.reasonMu.Unlock()
	w.record.StopAccepting(detail)
	w.wake()
}

// wake makes the wake pipe permanently readable.
func (w *Worker) wake() {
	w.wakeOnce.Do(func() {
		_, _ = w.wakeW.Write([]byte{0})
		for _, s := range w.cfg.Sockets {
			if s.EdgeTriggered {
				s.Interrupt()
			}
		}
	})
}

func (w *Worker) closeWake() {
	_ = w.wakeW.Close()
	_ = w.wakeR.Close()
	if w.completions != nil {
		w.completions.close()
	}
}

func (w *Worker) harakiriExpired(slot int) {
	w.record.HarakiriHit()
	w.cfg.Metrics.HarakiriExpired(context.Background(), w.cfg.ID)
	var current string
	if slot >= 0 && slot < len(w.slots) {
		if p := w.slots[slot].current.Load(); p != nil {
			current = *p
		}
	}
	w.logger.Error("uwsgi.harakiri.kill", "slot", slot, "request", current, "budget", w.cfg.Harakiri)
	if w.cfg.Kill != nil {
		w.cfg.Kill(slot)
		return
	}
	os.Exit(harakiri.ExitCode)
}
