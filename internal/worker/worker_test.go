package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/blue-goji/uwsgi/internal/apps"
	"github.com/blue-goji/uwsgi/internal/clock"
	"github.com/blue-goji/uwsgi/internal/connguard"
	"github.com/blue-goji/uwsgi/internal/correlation"
	"github.com/blue-goji/uwsgi/internal/health"
	"github.com/blue-goji/uwsgi/internal/mount"
	"github.com/blue-goji/uwsgi/internal/proto"
)

type harness struct {
	t      *testing.T
	w      *Worker
	addr   string
	table  *health.Table
	result chan error
}

type echoApp struct {
	mu       sync.Mutex
	inFile   []bool
	after    int
	response string
}

func (a *echoApp) ServeUWSGI(_ context.Context, req *proto.Request) error {
	payload, err := io.ReadAll(req.Body())
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.inFile = append(a.inFile, req.BodyInFile())
	a.mu.Unlock()
	if err := req.WriteHeader(200, proto.Header{Key: "Content-Type", Value: "text/plain"}); err != nil {
		return err
	}
	_, err = req.WriteString(req.Method + " " + req.Path + " " + string(payload))
	return err
}

func (a *echoApp) AfterRequest(*proto.Request) {
	a.mu.Lock()
	a.after++
	a.mu.Unlock()
}

func newHarness(t *testing.T, cfg Config, edge bool, mounts ...mount.Mount) *harness {
	t.Helper()
	return newProtocolHarness(t, cfg, &proto.UWSGI{}, edge, mounts...)
}

func newProtocolHarness(t *testing.T, cfg Config, p proto.Protocol, edge bool, mounts ...mount.Mount) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	sock, err := proto.NewSocket(ln, p, proto.SocketOptions{EdgeTriggered: edge, Guard: cfg.Guard})
	if err != nil {
		t.Fatal(err)
	}
	table := mount.NewTable(mount.Options{DisableWatch: true})
	for _, m := range mounts {
		if err := table.Add(m); err != nil {
			t.Fatal(err)
		}
	}
	slots := max(cfg.Threads, cfg.Async, 1)
	if cfg.Table == nil {
		cfg.Table = health.NewTable(1, slots, clock.Real{})
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = 2 * time.Second
	}
	cfg.Sockets = []*proto.Socket{sock}
	cfg.Mounts = table
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return &harness{t: t, w: w, addr: ln.Addr().String(), table: cfg.Table}
}

func (h *harness) start() {
	h.result = make(chan error, 1)
	go func() { h.result <- h.w.Run(context.Background()) }()
	h.t.Cleanup(func() {
		h.w.Stop()
		select {
		case <-h.w.Done():
		case <-time.After(5 * time.Second):
			h.t.Error("worker did not exit during cleanup")
		}
	})
}

func (h *harness) waitExit(timeout time.Duration) {
	h.t.Helper()
	select {
	case err := <-h.result:
		if err != nil {
			h.t.Fatalf("run: %v", err)
		}
	case <-time.After(timeout):
		h.t.Fatalf("worker did not exit within %v (states %v)", timeout, h.w.SlotStates())
	}
}

func (h *harness) do(path, body string, extra ...proto.Header) string {
	h.t.Helper()
	vars := []proto.Header{
		{Key: "REQUEST_METHOD", Value: "POST"},
		{Key: "PATH_INFO", Value: path},
		{Key: "REQUEST_URI", Value: path},
		{Key: "CONTENT_LENGTH", Value: fmt.Sprint(len(body))},
	}
	vars = append(vars, extra...)
	return h.raw(append(proto.EncodePacket(0, 0, vars...), body...))
}

func (h *harness) raw(payload []byte) string {
	h.t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		h.t.Fatalf("write: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return string(out)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSingleRequestLifecycle(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	app := &echoApp{}
	h := newHarness(t, Config{
		Hooks: Hooks{OnStateChange: func(_ int, _, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}},
	}, false, mount.Mount{Prefix: "/", App: app})
	h.start()

	resp := h.do("/hello", "")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "POST /hello ") {
		t.Fatalf("unexpected response %q", resp)
	}
	waitFor(t, "request accounting", func() bool { return h.w.Health().Requests() == 1 })
	if h.table.Total() != 1 {
		t.Fatalf("global counter %d", h.table.Total())
	}
	waitFor(t, "after-request hook", func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		return app.after == 1
	})

	want := []State{StateWaitingReady, StateAccepted, StateHeaderParsed, StateDispatched, StateClosed, StateIdle}
	var got []State
	waitFor(t, "state transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		got = append(got[:0], transitions...)
		return len(got) >= len(want)
	})
	for i, s := range want {
		if got[i] != s {
			t.Fatalf("transition %d = %v, want %v (all %v)", i, got[i], s, got)
		}
	}
}

func TestNoApplicationAnswers500AndCounts(t *testing.T) {
	h := newHarness(t, Config{}, false, mount.Mount{Prefix: "/app", App: &echoApp{}})
	h.start()

	resp := h.do("/missing", "")
	if !strings.HasPrefix(resp, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Fatalf("expected 500, got %q", resp)
	}
	if !strings.Contains(resp, "<h1>uWSGI Error</h1>") {
		t.Fatalf("missing error body: %q", resp)
	}
	waitFor(t, "request accounting", func() bool { return h.w.Health().Requests() == 1 })
}

func TestApplicationErrorAnswers500(t *testing.T) {
	failing := proto.ApplicationFunc(func(context.Context, *proto.Request) error {
		return errors.New("boom")
	})
	h := newHarness(t, Config{}, false, mount.Mount{Prefix: "/", App: failing})
	h.start()
	if resp := h.do("/", ""); !strings.HasPrefix(resp, "HTTP/1.1 500") {
		t.Fatalf("expected 500, got %q", resp)
	}
}

func TestRequestIDReachesApplication(t *testing.T) {
	ids := make(chan [2]string, 2)
	app := proto.ApplicationFunc(func(ctx context.Context, req *proto.Request) error {
		ids <- [2]string{correlation.ID(ctx), req.ID}
		return req.WriteHeader(204)
	})
	h := newHarness(t, Config{}, false, mount.Mount{Prefix: "/", App: app})
	h.start()

	h.do("/", "", proto.Header{Key: correlation.RequestIDVar, Value: "edge-7"})
	if got := <-ids; got[0] != "edge-7" || got[1] != "edge-7" {
		t.Fatalf("expected upstream id, got %v", got)
	}
	h.do("/", "")
	got := <-ids
	if got[0] == "" || got[0] == "edge-7" || got[0] != got[1] {
		t.Fatalf("expected a generated id, got %v", got)
	}
}

func TestRecycleAfterMaxRequests(t *testing.T) {
	h := newHarness(t, Config{Threads: 4, Limits: health.Limits{MaxRequests: 3}}, false,
		mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	for i := range 3 {
		if resp := h.do("/", fmt.Sprint(i)); !strings.HasPrefix(resp, "HTTP/1.1 200") {
			t.Fatalf("request %d: %q", i, resp)
		}
	}
	h.waitExit(5 * time.Second)
	if got := h.w.Health().Requests(); got != 3 {
		t.Fatalf("served %d, want exactly 3", got)
	}
	if h.w.ExitReason() != ExitRecycled {
		t.Fatalf("exit reason %q", h.w.ExitReason())
	}
}

func TestSoftStopWhileIdleExits(t *testing.T) {
	h := newHarness(t, Config{Threads: 2}, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	waitFor(t, "slots waiting", func() bool {
		for _, s := range h.w.SlotStates() {
			if s != StateWaitingReady {
				return false
			}
		}
		return true
	})
	h.w.onSignal(os.Interrupt)
	h.waitExit(2 * time.Second)
	if h.w.ExitReason() != ExitStopped {
		t.Fatalf("exit reason %q", h.w.ExitReason())
	}
	for _, s := range h.w.SlotStates() {
		if s != StateWorkerExit {
			t.Fatalf("slot state %v", s)
		}
	}
}

func TestSoftStopFinishesInFlightRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := proto.ApplicationFunc(func(_ context.Context, req *proto.Request) error {
		close(entered)
		<-release
		return req.WriteHeader(204)
	})
	h := newHarness(t, Config{}, false, mount.Mount{Prefix: "/", App: slow})
	h.start()

	respCh := make(chan string, 1)
	go func() { respCh <- h.do("/", "") }()
	<-entered
	h.w.Stop()
	select {
	case <-h.w.Done():
		t.Fatal("worker exited with a request in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	if resp := <-respCh; !strings.HasPrefix(resp, "HTTP/1.1 204") {
		t.Fatalf("in-flight request not completed: %q", resp)
	}
	h.waitExit(2 * time.Second)
	if h.w.Health().Requests() != 1 {
		t.Fatalf("requests %d", h.w.Health().Requests())
	}
}

func TestSigtermIsIgnored(t *testing.T) {
	h := newHarness(t, Config{}, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	h.w.onSignal(syscall.SIGTERM)
	if !h.w.Health().ManageNext() {
		t.Fatal("hard stop signal must not stop the worker")
	}
	if resp := h.do("/", ""); !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("worker stopped serving: %q", resp)
	}
}

func TestHeaderTimeoutClosesAndCounts(t *testing.T) {
	h := newHarness(t, Config{SocketTimeout: 50 * time.Millisecond}, false,
		mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(conn); err != nil {
		t.Fatalf("expected the worker to close the connection: %v", err)
	}
	waitFor(t, "request accounting", func() bool { return h.w.Health().Requests() == 1 })
}

func TestBadHeaderReportedToGuard(t *testing.T) {
	guard := connguard.New(connguard.Config{Enabled: true, FailureThreshold: 1}, nil, nil)
	h := newHarness(t, Config{Guard: guard}, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	// A vars block whose key length overruns the packet.
	h.raw([]byte{0, 3, 0, 0, 9, 0, 'x'})
	waitFor(t, "guard block", func() bool { return guard.Blocked("127.0.0.1:1") })
}

func TestControlChannelSignalsAndOrphaning(t *testing.T) {
	r, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got := make(chan struct{}, 1)
	h := newHarness(t, Config{
		Control:   r,
		NoOrphans: true,
		Signals:   map[uint8]func(){5: func() { got <- struct{}{} }},
	}, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()

	if _, err := wr.Write([]byte{5, 9}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler not invoked")
	}
	if !h.w.Health().ManageNext() {
		t.Fatal("a control message must not stop the worker")
	}
	_ = wr.Close()
	h.waitExit(2 * time.Second)
	if h.w.ExitReason() != ExitOrphaned {
		t.Fatalf("exit reason %q", h.w.ExitReason())
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestLoyaltyAnnouncedOnce(t *testing.T) {
	emperor := &lockedBuffer{}
	h := newHarness(t, Config{Emperor: emperor}, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	h.do("/", "")
	h.do("/", "")
	waitFor(t, "two requests", func() bool { return h.w.Health().Requests() == 2 })
	if got := emperor.Bytes(); !bytes.Equal(got, []byte{LoyaltyByte}) {
		t.Fatalf("emperor channel got %v", got)
	}
}

func testHarakiri(t *testing.T, standalone bool) {
	release := make(chan struct{})
	stuck := proto.ApplicationFunc(func(_ context.Context, req *proto.Request) error {
		<-release
		return req.WriteHeader(200)
	})
	killed := make(chan int, 1)
	h := newHarness(t, Config{
		Harakiri:           100 * time.Millisecond,
		HarakiriStandalone: standalone,
		ReapInterval:       10 * time.Millisecond,
		Kill:               func(slot int) { killed <- slot },
	}, false, mount.Mount{Prefix: "/", App: stuck})
	h.start()
	go h.do("/", "")
	select {
	case slot := <-killed:
		if slot != 0 {
			t.Fatalf("killed slot %d", slot)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("harakiri never fired")
	}
	close(release)
	if h.w.Health().Harakiris() != 1 {
		t.Fatalf("harakiri count %d", h.w.Health().Harakiris())
	}
}

func TestHarakiriSupervised(t *testing.T) { testHarakiri(t, false) }

func TestHarakiriStandalone(t *testing.T) { testHarakiri(t, true) }

func TestPostBufferingModes(t *testing.T) {
	app := &echoApp{}
	h := newHarness(t, Config{PostBuffering: 8, PostBufferingBufSize: 4, TempDir: t.TempDir()}, false,
		mount.Mount{Prefix: "/", App: app})
	h.start()
	if resp := h.do("/", "small"); !strings.HasSuffix(resp, "POST / small") {
		t.Fatalf("memory mode response %q", resp)
	}
	big := strings.Repeat("x", 100)
	if resp := h.do("/", big); !strings.HasSuffix(resp, "POST / "+big) {
		t.Fatalf("spill mode response %q", resp)
	}
	app.mu.Lock()
	defer app.mu.Unlock()
	if len(app.inFile) != 2 || app.inFile[0] || !app.inFile[1] {
		t.Fatalf("body placement %v", app.inFile)
	}
}

func TestUploadProgressRemovedAfterRequest(t *testing.T) {
	dir := t.TempDir()
	const token = "0f1e2d3c-4b5a-4978-8a6b-5c4d3e2f1a0b"
	h := newHarness(t, Config{PostBuffering: 1, PostBufferingBufSize: 16, UploadProgressDir: dir}, false,
		mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	uri := "/upload?X-Progress-ID=" + token
	resp := h.do("/upload", strings.Repeat("u", 64), proto.Header{Key: "REQUEST_URI", Value: uri})
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("response %q", resp)
	}
	if _, err := os.Stat(filepath.Join(dir, token+".js")); !os.IsNotExist(err) {
		t.Fatalf("progress file left behind: %v", err)
	}
}

func TestTouchReloadServesThenRetires(t *testing.T) {
	touch := filepath.Join(t.TempDir(), "touch")
	if err := os.WriteFile(touch, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Config{}, false, mount.Mount{Prefix: "/", App: &echoApp{}, TouchReload: touch})
	h.start()
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(touch, future, future); err != nil {
		t.Fatal(err)
	}
	if resp := h.do("/", ""); !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("request during reload not served: %q", resp)
	}
	h.waitExit(2 * time.Second)
	if h.w.ExitReason() != ExitReload {
		t.Fatalf("exit reason %q", h.w.ExitReason())
	}
}

func TestEdgeTriggeredAccept(t *testing.T) {
	h := newHarness(t, Config{}, true, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	if resp := h.do("/edge", ""); !strings.HasSuffix(resp, "POST /edge ") {
		t.Fatalf("response %q", resp)
	}
	h.w.Stop()
	h.waitExit(2 * time.Second)
}

// failingAccept is the uwsgi protocol with an accept that always fails hard.
type failingAccept struct {
	*proto.UWSGI
	calls atomic.Int32
}

func (f *failingAccept) Accept(*proto.Socket) (net.Conn, error) {
	f.calls.Add(1)
	return nil, errors.New("accept: too many open files")
}

func TestEdgeTriggeredAcceptFailureBacksOff(t *testing.T) {
	p := &failingAccept{UWSGI: &proto.UWSGI{}}
	cfg := Config{AcceptBackoff: 100 * time.Millisecond, Limits: health.Limits{MaxRequests: 1}}
	h := newProtocolHarness(t, cfg, p, true, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()

	time.Sleep(450 * time.Millisecond)
	calls := p.calls.Load()
	// One attempt per pass, separated by the backoff. With a limit of one
	// request, a third pass is only possible if each failed pass released
	// its admission.
	if calls < 3 || calls > 6 {
		t.Fatalf("expected one accept per backoff interval, got %d calls", calls)
	}
	if h.w.Health().Requests() != 0 {
		t.Fatalf("failed accepts were counted as requests: %d", h.w.Health().Requests())
	}
	if h.w.ExitReason() != ExitNone {
		t.Fatalf("worker retired on accept failure: %q", h.w.ExitReason())
	}
	h.w.Stop()
	h.waitExit(2 * time.Second)
}

func TestEdgeTriggeredSoftStopReleasesParkedAccept(t *testing.T) {
	h := newHarness(t, Config{}, true, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()
	waitFor(t, "slot parked in accept", func() bool { return h.w.SlotStates()[0] == StateWaitingReady })
	time.Sleep(50 * time.Millisecond)

	h.w.onSignal(os.Interrupt)
	h.waitExit(2 * time.Second)
	if h.w.ExitReason() != ExitStopped {
		t.Fatalf("exit reason %q", h.w.ExitReason())
	}
	if h.w.Health().Requests() != 0 {
		t.Fatalf("interrupted accept was counted: %d", h.w.Health().Requests())
	}
}

func TestAsyncModeInterleavesHeaders(t *testing.T) {
	h := newHarness(t, Config{Async: 4}, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()

	slow, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer slow.Close()
	packet := proto.EncodePacket(0, 0,
		proto.Header{Key: "REQUEST_METHOD", Value: "GET"},
		proto.Header{Key: "PATH_INFO", Value: "/slow"},
	)
	if _, err := slow.Write(packet[:5]); err != nil {
		t.Fatal(err)
	}
	// A complete request overtakes the half-sent one.
	if resp := h.do("/fast", ""); !strings.HasSuffix(resp, "POST /fast ") {
		t.Fatalf("fast response %q", resp)
	}
	if _, err := slow.Write(packet[5:]); err != nil {
		t.Fatal(err)
	}
	_ = slow.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(slow)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(out), "GET /slow ") {
		t.Fatalf("slow response %q", out)
	}
	waitFor(t, "two requests", func() bool { return h.w.Health().Requests() == 2 })
}

func TestAsyncStalledBodyDoesNotBlockLoop(t *testing.T) {
	cfg := Config{Async: 4, PostBuffering: 1024, SocketTimeout: 3 * time.Second}
	h := newHarness(t, cfg, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()

	stalled, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer stalled.Close()
	packet := proto.EncodePacket(0, 0,
		proto.Header{Key: "REQUEST_METHOD", Value: "POST"},
		proto.Header{Key: "PATH_INFO", Value: "/stalled"},
		proto.Header{Key: "CONTENT_LENGTH", Value: "10"},
	)
	if _, err := stalled.Write(append(packet, "abc"...)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stalled request dispatched", func() bool {
		for _, st := range h.w.SlotStates() {
			if st == StateHeaderParsed {
				return true
			}
		}
		return false
	})

	start := time.Now()
	if resp := h.do("/fast", "hi"); !strings.HasSuffix(resp, "POST /fast hi") {
		t.Fatalf("fast response %q", resp)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("second request waited %v behind a stalled body", elapsed)
	}

	if _, err := stalled.Write([]byte("defghij")); err != nil {
		t.Fatal(err)
	}
	_ = stalled.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(stalled)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(out), "POST /stalled abcdefghij") {
		t.Fatalf("stalled response %q", out)
	}
}

func TestAsyncSoftStopFinishesPendingHeader(t *testing.T) {
	h := newHarness(t, Config{Async: 4}, false, mount.Mount{Prefix: "/", App: &echoApp{}})
	h.start()

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	packet := proto.EncodePacket(0, 0,
		proto.Header{Key: "REQUEST_METHOD", Value: "GET"},
		proto.Header{Key: "PATH_INFO", Value: "/late"},
	)
	if _, err := conn.Write(packet[:5]); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "header pending", func() bool {
		for _, st := range h.w.SlotStates() {
			if st == StateAccepted {
				return true
			}
		}
		return false
	})

	h.w.Stop()
	select {
	case <-h.w.Done():
		t.Fatal("worker exited with a header still pending")
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := conn.Write(packet[5:]); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(out), "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(string(out), "GET /late ") {
		t.Fatalf("pending request response %q", out)
	}
	h.waitExit(2 * time.Second)
	if h.w.ExitReason() != ExitStopped || h.w.Health().Requests() != 1 {
		t.Fatalf("exit %q after %d requests", h.w.ExitReason(), h.w.Health().Requests())
	}
}

func TestPathMountedStaticStripsPrefix(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := newProtocolHarness(t, Config{}, &proto.HTTP{}, false,
		mount.Mount{Prefix: "/static", App: apps.Static{Root: root}},
		mount.Mount{Prefix: "/", App: &echoApp{}},
	)
	h.start()

	resp := h.raw([]byte("GET /static/hello.txt HTTP/1.0\r\nHost: localhost\r\n\r\n"))
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "\r\n\r\nhi there") {
		t.Fatalf("static file not served under its mount: %q", resp)
	}
	resp = h.raw([]byte("GET /static/static/hello.txt HTTP/1.0\r\nHost: localhost\r\n\r\n"))
	if !strings.HasPrefix(resp, "HTTP/1.1 404") {
		t.Fatalf("prefix stripped more than once: %q", resp)
	}
}

func TestNewRejectsThreadsWithAsync(t *testing.T) {
	if _, err := New(Config{Threads: 2, Async: 2}); !errors.Is(err, ErrAsyncThreads) {
		t.Fatalf("expected ErrAsyncThreads, got %v", err)
	}
	if _, err := New(Config{}); !errors.Is(err, ErrNoSockets) {
		t.Fatalf("expected ErrNoSockets, got %v", err)
	}
}
