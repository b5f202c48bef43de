package uwsgi

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Sockets) != 1 || cfg.Sockets[0].Address != DefaultSocket {
		t.Fatalf("expected default socket, got %+v", cfg.Sockets)
	}
	if cfg.BufferSize != DefaultBufferSize {
		t.Fatalf("expected buffer size default, got %d", cfg.BufferSize)
	}
	if cfg.SocketTimeout != DefaultSocketTimeout {
		t.Fatalf("expected socket timeout default, got %v", cfg.SocketTimeout)
	}
	if cfg.ReapInterval != DefaultReapInterval {
		t.Fatalf("expected reap interval default, got %v", cfg.ReapInterval)
	}
	if cfg.PostBufferingBufSize != DefaultPostBufferingBufSize {
		t.Fatalf("expected post buffering bufsize default, got %d", cfg.PostBufferingBufSize)
	}
	if cfg.ConnguardFailureThreshold != DefaultConnguardFailureThreshold ||
		cfg.ConnguardFailureWindow != DefaultConnguardFailureWindow ||
		cfg.ConnguardBlockDuration != DefaultConnguardBlockDuration {
		t.Fatal("expected connguard defaults")
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout default, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Slots() != 1 {
		t.Fatalf("expected one slot, got %d", cfg.Slots())
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "threads and async", cfg: Config{Threads: 2, Async: 2}, want: "mutually exclusive"},
		{name: "negative threads", cfg: Config{Threads: -1}, want: ">= 0"},
		{name: "negative harakiri", cfg: Config{Harakiri: -time.Second}, want: "timeouts"},
		{name: "tiny buffer", cfg: Config{BufferSize: 4}, want: "buffer size"},
		{name: "progress without buffering", cfg: Config{UploadProgressDir: "/tmp"}, want: "post buffering"},
		{name: "unknown protocol", cfg: Config{Sockets: []SocketConfig{{Address: "fastcgi://:9000"}}}, want: "unknown protocol"},
		{name: "edge in async", cfg: Config{Async: 4, Sockets: []SocketConfig{{Address: "uwsgi://:3031", EdgeTriggered: true}}}, want: "edge-triggered"},
		{name: "mount without handler", cfg: Config{Mounts: []MountConfig{{Prefix: "/"}}}, want: "handler is required"},
		{name: "profiling without metrics", cfg: Config{EnableProfilingMetrics: true}, want: "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigValidateAsyncDisablesProbe(t *testing.T) {
	cfg := Config{Async: 8, ConnguardEnabled: true, ConnguardProbeTimeout: time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ConnguardProbeTimeout != 0 {
		t.Fatalf("expected probe disabled in async mode, got %v", cfg.ConnguardProbeTimeout)
	}
	if cfg.Slots() != 8 {
		t.Fatalf("expected 8 slots, got %d", cfg.Slots())
	}
}

func TestConfigValidateResolvesProgressDir(t *testing.T) {
	dir := t.TempDir()
	rel, err := filepath.Rel(".", dir)
	if err != nil {
		rel = dir
	}
	cfg := Config{PostBuffering: 1024, UploadProgressDir: rel}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !filepath.IsAbs(cfg.UploadProgressDir) {
		t.Fatalf("expected absolute progress dir, got %q", cfg.UploadProgressDir)
	}
}

func TestParseSocketAddress(t *testing.T) {
	cases := []struct {
		raw                     string
		protocol, network, addr string
		wantErr                 bool
	}{
		{raw: "uwsgi://127.0.0.1:3031", protocol: "uwsgi", network: "tcp", addr: "127.0.0.1:3031"},
		{raw: "http://:8080", protocol: "http", network: "tcp", addr: ":8080"},
		{raw: "uwsgi+unix:///run/app.sock", protocol: "uwsgi", network: "unix", addr: "/run/app.sock"},
		{raw: "http+tcp6://[::1]:80", protocol: "http", network: "tcp6", addr: "[::1]:80"},
		{raw: "127.0.0.1:3031", wantErr: true},
		{raw: "uwsgi://localhost", wantErr: true},
		{raw: "uwsgi+unix://relative.sock", wantErr: true},
		{raw: "uwsgi+udp://:53", wantErr: true},
	}
	for _, tc := range cases {
		p, n, a, err := ParseSocketAddress(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if p != tc.protocol || n != tc.network || a != tc.addr {
			t.Fatalf("%q: got (%s, %s, %s)", tc.raw, p, n, a)
		}
	}
}

func TestParseMount(t *testing.T) {
	m, err := ParseMount("/files=static:/srv/www,modifier1=5,touch=/tmp/reload")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := MountConfig{Prefix: "/files", Handler: "static:/srv/www", Modifier1: 5, TouchReload: "/tmp/reload"}
	if m != want {
		t.Fatalf("got %+v want %+v", m, want)
	}
	for _, bad := range []string{"/files", "/files=", "/x=echo,modifier1=300", "/x=echo,color=red"} {
		if _, err := ParseMount(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
