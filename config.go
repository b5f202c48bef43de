package uwsgi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blue-goji/uwsgi/internal/proto"
)

const (
	// DefaultSocket is bound when no socket is configured.
	DefaultSocket = "uwsgi://127.0.0.1:3031"
	// DefaultBufferSize bounds the request header block.
	DefaultBufferSize = 4096
	// DefaultSocketTimeout bounds every header and body read.
	DefaultSocketTimeout = 4 * time.Second
	// DefaultPostBufferingBufSize is the chunk size used while buffering bodies.
	DefaultPostBufferingBufSize = 8192
	// DefaultReapInterval is how often supervised harakiri deadlines are inspected.
	DefaultReapInterval = time.Second
	// DefaultShutdownTimeout caps how long Shutdown waits for in-flight requests.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultMetricsListen is empty: metrics are off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is off unless configured.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "uwsgi.yaml"

	// DefaultConnguardFailureThreshold is the number of suspicious events before a remote is blocked.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for suspicious events.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a remote stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout bounds the wait for the first byte of a connection.
	DefaultConnguardProbeTimeout = 250 * time.Millisecond
)

// SocketConfig is one listening socket. Address takes the form
// "<protocol>://host:port" or "<protocol>+unix:///path".
type SocketConfig struct {
	Address string `yaml:"address"`
	// EdgeTriggered makes the slots accept without a readiness wait.
	EdgeTriggered bool `yaml:"edge_triggered,omitempty"`
}

// MountConfig maps a path prefix to an application.
type MountConfig struct {
	Prefix    string `yaml:"prefix"`
	Modifier1 uint8  `yaml:"modifier1,omitempty"`
	// Handler names a bundled application ("echo", "static:<dir>") or one
	// registered with WithApplication.
	Handler string `yaml:"handler"`
	// TouchReload retires the worker when the file's mtime changes.
	TouchReload string `yaml:"touch_reload,omitempty"`
}

// Config captures the tunables of a worker.
type Config struct {
	Sockets []SocketConfig `yaml:"sockets"`
	Mounts  []MountConfig  `yaml:"mounts"`

	// Threads is the number of synchronous request slots.
	Threads int `yaml:"threads"`
	// Async is the number of request slots sharing one readiness loop.
	Async int `yaml:"async"`
	// BufferSize bounds the request header block.
	BufferSize int `yaml:"buffer_size"`
	// CloseOnExec marks accepted connections close-on-exec.
	CloseOnExec bool `yaml:"close_on_exec"`

	// SocketTimeout bounds every header and body read.
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	// Harakiri is the per-request budget; zero disables it.
	Harakiri time.Duration `yaml:"harakiri"`
	// HarakiriStandalone arms per-slot alarms instead of supervised deadlines.
	HarakiriStandalone bool `yaml:"harakiri_standalone"`
	// ReapInterval is how often supervised deadlines are inspected.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// MaxRequests recycles the worker after this many requests; zero disables.
	MaxRequests uint64 `yaml:"max_requests"`
	// ReloadOnRSS recycles the worker once resident memory exceeds this many bytes.
	ReloadOnRSS uint64 `yaml:"reload_on_rss"`
	// ReloadOnAS recycles the worker once address space exceeds this many bytes.
	ReloadOnAS uint64 `yaml:"reload_on_as"`
	// MemoryReport logs memory after every request.
	MemoryReport bool `yaml:"memory_report"`

	// PostBuffering is the largest body kept in memory; larger bodies spill
	// to a temporary file. Zero disables body buffering.
	PostBuffering int64 `yaml:"post_buffering"`
	// PostBufferingBufSize is the chunk size used while buffering.
	PostBufferingBufSize int `yaml:"post_buffering_bufsize"`
	// UploadProgressDir receives upload progress files for spilled bodies.
	UploadProgressDir string `yaml:"upload_progress,omitempty"`
	// TempDir holds spilled bodies; empty uses the system default.
	TempDir string `yaml:"temp_dir,omitempty"`

	// Reaper reaps exited child processes after each request.
	Reaper bool `yaml:"reaper"`
	// NoOrphans makes the worker exit when its supervisor channel closes.
	NoOrphans bool `yaml:"no_orphans"`

	ConnguardEnabled          bool          `yaml:"connguard_enabled"`
	ConnguardFailureThreshold int           `yaml:"connguard_failure_threshold"`
	ConnguardFailureWindow    time.Duration `yaml:"connguard_failure_window"`
	ConnguardBlockDuration    time.Duration `yaml:"connguard_block_duration"`
	ConnguardProbeTimeout     time.Duration `yaml:"connguard_probe_timeout"`

	// MetricsListen serves Prometheus metrics; empty disables them.
	MetricsListen string `yaml:"metrics_listen,omitempty"`
	// PprofListen serves net/http/pprof; empty disables it.
	PprofListen string `yaml:"pprof_listen,omitempty"`
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool `yaml:"enable_profiling_metrics"`
	// OTLPEndpoint exports traces; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// ShutdownTimeout caps how long Shutdown waits for in-flight requests
	// when the caller's context has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Slots is the number of concurrent request slots the configuration asks for.
func (c Config) Slots() int {
	return max(c.Threads, c.Async, 1)
}

// Validate fills defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	if len(c.Sockets) == 0 {
		c.Sockets = []SocketConfig{{Address: DefaultSocket}}
	}
	for i, s := range c.Sockets {
		if _, _, _, err := ParseSocketAddress(s.Address); err != nil {
			return fmt.Errorf("config: socket %d: %w", i, err)
		}
	}
	for i, m := range c.Mounts {
		if strings.TrimSpace(m.Handler) == "" {
			return fmt.Errorf("config: mount %d (%q): handler is required", i, m.Prefix)
		}
	}
	if c.Threads < 0 || c.Async < 0 {
		return errors.New("config: threads and async must be >= 0")
	}
	if c.Threads > 1 && c.Async > 1 {
		return errors.New("config: threads and async are mutually exclusive")
	}
	if c.Async > 1 {
		for _, s := range c.Sockets {
			if s.EdgeTriggered {
				return errors.New("config: edge-triggered sockets cannot be used in async mode")
			}
		}
		// The async loop cannot park on a probe.
		c.ConnguardProbeTimeout = 0
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	} else if c.BufferSize < 8 || c.BufferSize > 65535 {
		return fmt.Errorf("config: buffer size %d out of range [8, 65535]", c.BufferSize)
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = DefaultSocketTimeout
	}
	if c.SocketTimeout < 0 || c.Harakiri < 0 || c.ReapInterval < 0 {
		return errors.New("config: timeouts must be >= 0")
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.PostBuffering < 0 {
		return errors.New("config: post buffering must be >= 0")
	}
	if c.PostBufferingBufSize == 0 {
		c.PostBufferingBufSize = DefaultPostBufferingBufSize
	} else if c.PostBufferingBufSize < 0 {
		return errors.New("config: post buffering bufsize must be >= 0")
	}
	if c.UploadProgressDir != "" {
		if c.PostBuffering == 0 {
			return errors.New("config: upload progress requires post buffering")
		}
		abs, err := filepath.Abs(c.UploadProgressDir)
		if err != nil {
			return fmt.Errorf("config: upload progress dir: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("config: upload progress dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("config: upload progress dir %q is not a directory", abs)
		}
		c.UploadProgressDir = abs
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow == 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration == 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardFailureThreshold < 0 || c.ConnguardFailureWindow < 0 ||
		c.ConnguardBlockDuration < 0 || c.ConnguardProbeTimeout < 0 {
		return errors.New("config: connguard settings must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// ParseSocketAddress splits a socket address into protocol name, network
// and listen address.
//
//	uwsgi://127.0.0.1:3031      -> uwsgi, tcp, 127.0.0.1:3031
//	http://:8080                -> http, tcp, :8080
//	uwsgi+unix:///run/app.sock  -> uwsgi, unix, /run/app.sock
func ParseSocketAddress(raw string) (protocol, network, address string, err error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), "://")
	if !ok || rest == "" {
		return "", "", "", fmt.Errorf("socket address %q: expected <protocol>://<address>", raw)
	}
	protocol, network = scheme, "tcp"
	if p, n, found := strings.Cut(scheme, "+"); found {
		protocol, network = p, n
	}
	if _, err := proto.Lookup(protocol); err != nil {
		return "", "", "", fmt.Errorf("socket address %q: %w", raw, err)
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		if _, port, err := splitHostPort(rest); err != nil || port == "" {
			return "", "", "", fmt.Errorf("socket address %q: host:port required", raw)
		}
	case "unix":
		if !strings.HasPrefix(rest, "/") && !strings.HasPrefix(rest, "@") {
			return "", "", "", fmt.Errorf("socket address %q: unix path must be absolute or abstract", raw)
		}
	default:
		return "", "", "", fmt.Errorf("socket address %q: unsupported network %q", raw, network)
	}
	return protocol, network, rest, nil
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", "", fmt.Errorf("missing port in %q", addr)
	}
	port := addr[i+1:]
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", "", fmt.Errorf("invalid port %q", port)
	}
	return addr[:i], port, nil
}

// ParseMount parses "<prefix>=<handler>" with optional ",modifier1=N" and
// ",touch=<path>" suffixes.
func ParseMount(raw string) (MountConfig, error) {
	parts := strings.Split(raw, ",")
	prefix, handler, ok := strings.Cut(parts[0], "=")
	if !ok || strings.TrimSpace(handler) == "" {
		return MountConfig{}, fmt.Errorf("mount %q: expected <prefix>=<handler>", raw)
	}
	m := MountConfig{Prefix: strings.TrimSpace(prefix), Handler: strings.TrimSpace(handler)}
	for _, opt := range parts[1:] {
		key, value, _ := strings.Cut(opt, "=")
		switch strings.TrimSpace(key) {
		case "modifier1":
			n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 8)
			if err != nil {
				return MountConfig{}, fmt.Errorf("mount %q: modifier1: %w", raw, err)
			}
			m.Modifier1 = uint8(n)
		case "touch":
			m.TouchReload = strings.TrimSpace(value)
		default:
			return MountConfig{}, fmt.Errorf("mount %q: unknown option %q", raw, key)
		}
	}
	return m, nil
}
