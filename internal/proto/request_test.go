package proto

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func writeFile(path, content string) error { return os.WriteFile(path, []byte(content), 0o600) }

func openFile(path string) (*os.File, error) { return os.Open(path) }

func TestResetPreservesSlot(t *testing.T) {
	req := NewRequest(7, 128)
	req.Method = "GET"
	req.Vars["PATH_INFO"] = "/x"
	req.Status = 200
	req.HeadersSent = true
	req.filled = 10
	req.Reset()
	if req.Slot != 7 {
		t.Fatalf("slot lost: %d", req.Slot)
	}
	if req.Method != "" || req.Status != 0 || req.HeadersSent || req.filled != 0 {
		t.Fatalf("request not zeroed: %+v", req)
	}
	if len(req.Vars) != 0 || len(req.buf) != 128 {
		t.Fatalf("buffers not recycled: vars=%d buf=%d", len(req.Vars), len(req.buf))
	}
}

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		p, err := Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if p.Name() != name {
			t.Fatalf("lookup %s returned %s", name, p.Name())
		}
	}
	if _, err := Lookup("fastcgi"); err == nil {
		t.Fatal("expected unknown protocol error")
	}
}

func TestSocketAcceptWouldBlock(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	s, err := NewSocket(ln, &UWSGI{}, SocketOptions{CloseOnExec: true})
	if err != nil {
		t.Fatalf("new socket: %v", err)
	}
	if s.FD() < 0 {
		t.Fatal("expected a listening descriptor")
	}
	if _, err := s.Protocol.Accept(s); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := s.Protocol.Accept(s)
		if err == nil {
			conn.Close()
			break
		}
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			t.Fatalf("accept: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type refuseAll struct{}

func (refuseAll) Admit(net.Conn) (net.Conn, error) { return nil, errors.New("blocked") }

func acceptOne(t *testing.T, s *Socket) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := s.Protocol.Accept(s)
		if err == nil {
			return conn
		}
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			t.Fatalf("accept: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketAcceptCloseOnExec(t *testing.T) {
	for _, on := range []bool{false, true} {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		s, err := NewSocket(ln, &UWSGI{}, SocketOptions{CloseOnExec: on})
		if err != nil {
			t.Fatalf("new socket: %v", err)
		}
		client, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conn := acceptOne(t, s)
		fd, ok := ConnFD(conn)
		if !ok {
			t.Fatal("accepted connection has no descriptor")
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			t.Fatalf("fcntl: %v", err)
		}
		if got := flags&unix.FD_CLOEXEC != 0; got != on {
			t.Fatalf("close-on-exec %v, want %v", got, on)
		}
		conn.Close()
		client.Close()
		ln.Close()
	}
}

func TestSocketAcceptGuard(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	s, err := NewSocket(ln, &HTTP{}, SocketOptions{Guard: refuseAll{}})
	if err != nil {
		t.Fatal(err)
	}
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := s.Protocol.Accept(s)
		if errors.Is(err, ErrRejected) {
			return
		}
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedParsesIncrementally(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	server, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	req := NewRequest(0, 0)
	req.Bind(server, &Socket{Protocol: &HTTP{}})
	if done, err := Feed(req); done || err != nil {
		t.Fatalf("empty feed: done=%v err=%v", done, err)
	}
	if _, err := client.Write([]byte("GET /a HTTP/1.1\r\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write([]byte("Host: h\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		done, err := Feed(req)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("header never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if req.Path != "/a" || req.Var("HTTP_HOST") != "h" {
		t.Fatalf("unexpected request %+v", req)
	}
}
