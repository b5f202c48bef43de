package apps

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blue-goji/uwsgi/internal/proto"
)

// serve runs app against a request bound to one end of a pipe and returns
// everything written to the other end.
func serve(t *testing.T, app proto.Application, prepare func(*proto.Request)) string {
	t.Helper()
	server, client := net.Pipe()
	req := proto.NewRequest(0, 256)
	req.Bind(server, nil)
	req.Proto = &proto.UWSGI{}
	prepare(req)

	errCh := make(chan error, 1)
	go func() {
		err := app.ServeUWSGI(context.Background(), req)
		_ = server.Close()
		errCh <- err
	}()
	out, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve: %v", err)
	}
	return string(out)
}

func TestEchoWritesRequestBack(t *testing.T) {
	out := serve(t, Echo{}, func(req *proto.Request) {
		req.Method = "POST"
		req.URI = "/echo?x=1"
		req.Vars["PATH_INFO"] = "/echo"
		req.SetBufferedBody([]byte("payload"))
	})
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", out)
	}
	if !strings.Contains(out, "POST /echo?x=1\nPATH_INFO=/echo\n\npayload") {
		t.Fatalf("body: %q", out)
	}
}

func TestStaticServesFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there"), 0o600); err != nil {
		t.Fatal(err)
	}
	app := Static{Root: root}

	out := serve(t, app, func(req *proto.Request) {
		req.Method = "GET"
		req.ScriptName = "/files"
		req.Path = "/files/hello.txt"
	})
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(out, "\r\n\r\nhi there") {
		t.Fatalf("unexpected response %q", out)
	}
	if !strings.Contains(out, "Content-Type: text/plain") {
		t.Fatalf("content type missing: %q", out)
	}

	out = serve(t, app, func(req *proto.Request) {
		req.Method = "GET"
		req.Path = "/../../etc/passwd"
	})
	if !strings.HasPrefix(out, "HTTP/1.1 404") {
		t.Fatalf("escape not refused: %q", out)
	}

	out = serve(t, app, func(req *proto.Request) {
		req.Method = "HEAD"
		req.Path = "/hello.txt"
	})
	if strings.HasSuffix(out, "hi there") {
		t.Fatalf("HEAD sent a body: %q", out)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		ref     string
		want    proto.Application
		wantErr bool
	}{
		{ref: "echo", want: Echo{}},
		{ref: "static:" + dir, want: Static{Root: dir}},
		{ref: "static:", wantErr: true},
		{ref: "static:" + filepath.Join(dir, "missing"), wantErr: true},
		{ref: "wsgi:app", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.ref)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.ref)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.ref, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %#v want %#v", tc.ref, got, tc.want)
		}
	}
	if _, err := Resolve("nope"); !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
}
