// Package connguard screens connections at accept time. Remotes that
// repeatedly connect without sending anything, or send headers that do not
// parse, are refused for a while.
package connguard

import (
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"github.com/blue-goji/uwsgi/internal/clock"
	"github.com/blue-goji/uwsgi/internal/loggingutil"
)

// Failure reasons reported to the guard.
const (
	ReasonZeroConnect = "zero_connect"
	ReasonBadHeader   = "bad_header"
)

var (
	// ErrBlocked reports a remote inside its block window.
	ErrBlocked = errors.New("connguard: remote blocked")
	// ErrSilent reports a connection that closed or stayed silent during the probe.
	ErrSilent = errors.New("connguard: connection sent no data")
)

// Config controls the guard.
type Config struct {
	// Enabled toggles enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before blocking.
	FailureThreshold int
	// FailureWindow is the period suspicious events are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked remote stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds the wait for a first byte. Zero disables probing.
	ProbeTimeout time.Duration
}

type remoteState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks suspicious remotes. It implements proto.Admitter.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	remotes map[string]*remoteState
}

// New returns a guard. A nil clock uses wall time.
func New(cfg Config, clk clock.Clock, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(logger, "accept.connguard"),
		clock:   clk,
		remotes: make(map[string]*remoteState),
	}
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool { return g != nil && g.cfg.Enabled }

// Admit refuses blocked remotes and, when probing is on, connections that
// send nothing within ProbeTimeout.
func (g *Guard) Admit(conn net.Conn) (net.Conn, error) {
	if !g.Enabled() || conn == nil {
		return conn, nil
	}
	remote := remoteAddress(conn)
	if g.Blocked(remote) {
		g.logger.Warn("uwsgi.connguard.rejected", "remote", remote, "reason", "blocked")
		return nil, ErrBlocked
	}
	if g.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	return g.probe(conn, remote)
}

// Report records a suspicious event for remote and reports whether the
// remote is now blocked.
func (g *Guard) Report(remote, reason string) bool {
	if !g.Enabled() || g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = normalizeRemote(remote)
	if remote == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.remotes[remote]
	if state == nil {
		state = &remoteState{}
		g.remotes[remote] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("uwsgi.connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("uwsgi.connguard.blocked",
		"remote", remote,
		"reason", reason,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether remote is inside its block window.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	remote = normalizeRemote(remote)
	if remote == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.remotes[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("uwsgi.connguard.unblocked", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.remotes, remote)
	}
	return false
}

// probe waits for the first byte without consuming it when the descriptor
// is reachable, otherwise it reads the byte and replays it.
func (g *Guard) probe(conn net.Conn, remote string) (net.Conn, error) {
	if sc, ok := conn.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			return g.peek(conn, raw, remote)
		}
	}
	if err := conn.SetReadDeadline(g.clock.Now().Add(g.cfg.ProbeTimeout)); err != nil {
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		g.Report(remote, ReasonZeroConnect)
		return nil, ErrSilent
	}
	return &prefixedConn{Conn: conn, prefix: first[:n]}, nil
}

func (g *Guard) peek(conn net.Conn, raw syscall.RawConn, remote string) (net.Conn, error) {
	var (
		n    int
		perr error
	)
	ctlErr := raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, int(g.cfg.ProbeTimeout/time.Millisecond))
		if err != nil {
			perr = err
			return
		}
		if ready == 0 {
			perr = ErrSilent
			return
		}
		buf := make([]byte, 1)
		n, _, perr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
	})
	if ctlErr != nil {
		return conn, nil
	}
	if errors.Is(perr, unix.EINTR) {
		return conn, nil
	}
	if perr != nil || n == 0 {
		g.Report(remote, ReasonZeroConnect)
		return nil, ErrSilent
	}
	return conn, nil
}

func normalizeRemote(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "@" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

func remoteAddress(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// prefixedConn replays bytes consumed by the probe.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	return n, nil
}
