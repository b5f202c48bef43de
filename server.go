package uwsgi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/blue-goji/uwsgi/internal/apps"
	"github.com/blue-goji/uwsgi/internal/clock"
	"github.com/blue-goji/uwsgi/internal/connguard"
	"github.com/blue-goji/uwsgi/internal/health"
	"github.com/blue-goji/uwsgi/internal/loggingutil"
	"github.com/blue-goji/uwsgi/internal/mount"
	"github.com/blue-goji/uwsgi/internal/proto"
	"github.com/blue-goji/uwsgi/internal/worker"
)

type (
	// Application serves one request.
	Application = proto.Application
	// ApplicationFunc adapts a function to Application.
	ApplicationFunc = proto.ApplicationFunc
	// Request is the per-slot request context handed to applications.
	Request = proto.Request
	// Header is a response header.
	Header = proto.Header
	// Hooks observe the request lifecycle.
	Hooks = worker.Hooks
	// State is a request slot's lifecycle state.
	State = worker.State
	// ExitReason reports why a worker stopped taking requests.
	ExitReason = worker.ExitReason
	// HealthRecord is the shared per-worker health record.
	HealthRecord = health.Record
)

// Exit reasons reported by Server.ExitReason.
const (
	ExitNone     = worker.ExitNone
	ExitStopped  = worker.ExitStopped
	ExitRecycled = worker.ExitRecycled
	ExitReload   = worker.ExitReload
	ExitOrphaned = worker.ExitOrphaned
)

// ErrServerClosed is returned by Start after Shutdown.
var ErrServerClosed = errors.New("uwsgi: server closed")

// Server is one worker with its sockets, mount table and telemetry.
type Server struct {
	cfg       Config
	opts      options
	logger    pslog.Logger
	clock     clock.Clock
	mounts    *mount.Table
	table     *health.Table
	metrics   *health.Metrics
	guard     *connguard.Guard
	telemetry *telemetryBundle

	mu         sync.Mutex
	sockets    []*proto.Socket
	unixPaths  []string
	worker     *worker.Worker
	started    bool
	shutdown   bool
	stopEarly  bool
	restoreSig func()

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger        pslog.Logger
	Clock         clock.Clock
	Listeners     []net.Listener
	Apps          map[string]Application
	Control       *os.File
	Emperor       io.Writer
	Signals       map[uint8]func()
	Hooks         Hooks
	Kill          func(slot int)
	HandleSignals bool
	DisableWatch  bool
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithListeners supplies pre-bound listeners, matched by index with
// Config.Sockets. The socket address then only selects the protocol.
func WithListeners(ls ...net.Listener) Option {
	return func(o *options) { o.Listeners = append(o.Listeners, ls...) }
}

// WithApplication registers app under name so mounts can refer to it as
// their handler.
func WithApplication(name string, app Application) Option {
	return func(o *options) {
		if o.Apps == nil {
			o.Apps = make(map[string]Application)
		}
		o.Apps[name] = app
	}
}

// WithControl attaches the supervisor control channel.
func WithControl(f *os.File) Option {
	return func(o *options) { o.Control = f }
}

// WithEmperor sets the channel that receives the loyalty byte.
func WithEmperor(w io.Writer) Option {
	return func(o *options) { o.Emperor = w }
}

// WithSignalHandler registers fn for supervisor signal number sig.
func WithSignalHandler(sig uint8, fn func()) Option {
	return func(o *options) {
		if o.Signals == nil {
			o.Signals = make(map[uint8]func())
		}
		o.Signals[sig] = fn
	}
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(o *options) { o.Hooks = h }
}

// WithHarakiriAction replaces the default harakiri action (exit the process).
func WithHarakiriAction(kill func(slot int)) Option {
	return func(o *options) { o.Kill = kill }
}

// WithSignalHandling installs the SIGINT/SIGTERM policy while Start runs.
func WithSignalHandling() Option {
	return func(o *options) { o.HandleSignals = true }
}

// WithoutTouchWatch stats touch-reload files on every lookup instead of
// watching them.
func WithoutTouchWatch() Option {
	return func(o *options) { o.DisableWatch = true }
}

// NewServer constructs a server according to cfg.
// Example:
//
//	cfg := uwsgi.Config{
//	    Sockets: []uwsgi.SocketConfig{{Address: "uwsgi://127.0.0.1:3031"}},
//	    Mounts:  []uwsgi.MountConfig{{Prefix: "/", Handler: "echo"}},
//	}
//	srv, err := uwsgi.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(o.Listeners) > 0 && len(o.Listeners) != len(cfg.Sockets) {
		return nil, fmt.Errorf("uwsgi: %d listeners supplied for %d sockets", len(o.Listeners), len(cfg.Sockets))
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen,
		cfg.EnableProfilingMetrics, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	mounts := mount.NewTable(mount.Options{
		Logger:       loggingutil.WithSubsystem(logger, "mount"),
		DisableWatch: o.DisableWatch,
	})
	for _, mc := range cfg.Mounts {
		app, err := resolveApp(mc.Handler, o.Apps)
		if err == nil {
			err = mounts.Add(mount.Mount{
				Prefix:      mc.Prefix,
				Modifier1:   mc.Modifier1,
				App:         app,
				TouchReload: mc.TouchReload,
			})
		}
		if err != nil {
			_ = mounts.Close()
			if telemetry != nil {
				_ = telemetry.Shutdown(context.Background())
			}
			return nil, fmt.Errorf("uwsgi: mount %q: %w", mc.Prefix, err)
		}
	}

	table := health.NewTable(1, cfg.Slots(), clk)
	s := &Server{
		cfg:       cfg,
		opts:      o,
		logger:    logger,
		clock:     clk,
		mounts:    mounts,
		table:     table,
		metrics:   health.NewMetrics(table, loggingutil.WithSubsystem(logger, "health.metrics")),
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	if cfg.ConnguardEnabled {
		s.guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.ConnguardFailureThreshold,
			FailureWindow:    cfg.ConnguardFailureWindow,
			BlockDuration:    cfg.ConnguardBlockDuration,
			ProbeTimeout:     cfg.ConnguardProbeTimeout,
		}, clk, logger)
	}
	return s, nil
}

func resolveApp(handler string, registered map[string]Application) (Application, error) {
	if app, ok := registered[handler]; ok {
		return app, nil
	}
	return apps.Resolve(handler)
}

// Start binds the sockets and serves until the worker retires or the server
// is shut down. It returns nil when the worker exited normally.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return worker.ErrRunning
	}
	s.started = true
	s.mu.Unlock()

	sockets, unixPaths, err := s.bind()
	if err != nil {
		return err
	}
	w, err := worker.New(worker.Config{
		ID:                   1,
		Sockets:              sockets,
		Mounts:               s.mounts,
		Table:                s.table,
		Metrics:              s.metrics,
		Guard:                s.guard,
		Threads:              s.cfg.Threads,
		Async:                s.cfg.Async,
		BufferSize:           s.cfg.BufferSize,
		SocketTimeout:        s.cfg.SocketTimeout,
		Harakiri:             s.cfg.Harakiri,
		HarakiriStandalone:   s.cfg.HarakiriStandalone,
		ReapInterval:         s.cfg.ReapInterval,
		Kill:                 s.opts.Kill,
		Limits:               health.Limits{MaxRequests: s.cfg.MaxRequests, ReloadOnRSS: s.cfg.ReloadOnRSS, ReloadOnAS: s.cfg.ReloadOnAS},
		MemoryReport:         s.cfg.MemoryReport,
		PostBuffering:        s.cfg.PostBuffering,
		PostBufferingBufSize: s.cfg.PostBufferingBufSize,
		UploadProgressDir:    s.cfg.UploadProgressDir,
		TempDir:              s.cfg.TempDir,
		Reaper:               s.cfg.Reaper,
		Control:              s.opts.Control,
		NoOrphans:            s.cfg.NoOrphans,
		Signals:              s.opts.Signals,
		Emperor:              s.opts.Emperor,
		Hooks:                s.opts.Hooks,
		Logger:               s.logger,
		Clock:                s.clock,
	})
	if err != nil {
		closeSockets(sockets)
		return err
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		closeSockets(sockets)
		return ErrServerClosed
	}
	s.sockets = sockets
	s.unixPaths = unixPaths
	s.worker = w
	stopEarly := s.stopEarly
	if s.opts.HandleSignals {
		s.restoreSig = w.HandleSignals(context.Background())
	}
	s.mu.Unlock()
	if stopEarly {
		w.Stop()
	}

	for _, sock := range sockets {
		s.logger.Info("listening",
			"protocol", sock.Protocol.Name(),
			"address", sock.Addr().String(),
			"edge_triggered", sock.EdgeTriggered)
	}
	s.signalReady()
	return w.Run(context.Background())
}

func (s *Server) bind() ([]*proto.Socket, []string, error) {
	var (
		sockets   []*proto.Socket
		unixPaths []string
	)
	for i, sc := range s.cfg.Sockets {
		protoName, network, address, err := ParseSocketAddress(sc.Address)
		if err != nil {
			closeSockets(sockets)
			return nil, nil, err
		}
		var ln net.Listener
		if len(s.opts.Listeners) > 0 {
			ln = s.opts.Listeners[i]
		} else {
			if network == "unix" && !isAbstract(address) {
				if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
					closeSockets(sockets)
					return nil, nil, fmt.Errorf("remove stale unix socket: %w", err)
				}
				unixPaths = append(unixPaths, address)
			}
			ln, err = net.Listen(network, address)
			if err != nil {
				closeSockets(sockets)
				return nil, nil, fmt.Errorf("listen (%s %s): %w", network, address, err)
			}
		}
		p, err := proto.Lookup(protoName)
		if err == nil {
			var sock *proto.Socket
			sock, err = proto.NewSocket(ln, p, proto.SocketOptions{
				EdgeTriggered: sc.EdgeTriggered,
				CloseOnExec:   s.cfg.CloseOnExec,
				Guard:         s.guard,
			})
			if err == nil {
				sockets = append(sockets, sock)
				continue
			}
		}
		_ = ln.Close()
		closeSockets(sockets)
		return nil, nil, fmt.Errorf("socket %s: %w", sc.Address, err)
	}
	return sockets, unixPaths, nil
}

func isAbstract(path string) bool { return len(path) > 0 && path[0] == '@' }

func closeSockets(sockets []*proto.Socket) {
	for _, sock := range sockets {
		_ = sock.Close()
	}
}

// Stop asks the worker to finish in-flight requests and exit. Start returns
// once that happened.
func (s *Server) Stop() {
	s.mu.Lock()
	w := s.worker
	if w == nil {
		s.stopEarly = true
	}
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Shutdown soft-stops the worker, waits for in-flight requests until ctx
// ends, then releases sockets, watches and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	w := s.worker
	restore := s.restoreSig
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if w != nil {
		w.Stop()
		select {
		case <-w.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("worker drain: %w", ctx.Err()))
			s.logger.Warn("uwsgi.shutdown.drain_timeout", "busy_slots", w.Health().Busy())
		}
	}
	if restore != nil {
		restore()
	}

	s.mu.Lock()
	closeSockets(s.sockets)
	for _, path := range s.unixPaths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.sockets = nil
	s.unixPaths = nil
	s.mu.Unlock()

	if err := s.mounts.Close(); err != nil {
		errs = append(errs, fmt.Errorf("mount watch: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	s.signalReady()
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the sockets are bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddrs returns the bound socket addresses once available.
func (s *Server) ListenerAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.sockets))
	for _, sock := range s.sockets {
		addrs = append(addrs, sock.Addr())
	}
	return addrs
}

// Health returns the worker's health record.
func (s *Server) Health() *HealthRecord {
	return s.table.Worker(1)
}

// TotalRequests is the request counter shared by every worker in the table.
func (s *Server) TotalRequests() uint64 {
	return s.table.Total()
}

// ExitReason reports why the worker stopped, or "" while it runs.
func (s *Server) ExitReason() ExitReason {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return ExitNone
	}
	return w.ExitReason()
}

// SlotStates returns the lifecycle state of every request slot.
func (s *Server) SlotStates() []State {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.SlotStates()
}

// StartServer starts a server in the background, waits until its sockets are
// bound and returns a stop function that shuts it down.
// Example:
//
//	srv, stop, err := uwsgi.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("uwsgi: server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
