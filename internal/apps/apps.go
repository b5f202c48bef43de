// Package apps holds the applications bundled with the server binary.
package apps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/blue-goji/uwsgi/internal/proto"
)

// ErrUnknownApp reports an application name Resolve does not know.
var ErrUnknownApp = errors.New("apps: unknown application")

// Echo answers every request with its method, URI, variables and body.
type Echo struct{}

// ServeUWSGI implements proto.Application.
func (Echo) ServeUWSGI(_ context.Context, req *proto.Request) error {
	payload, err := io.ReadAll(req.Body())
	if err != nil {
		return fmt.Errorf("echo: read body: %w", err)
	}
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URI)
	b.WriteByte('\n')
	keys := make([]string, 0, len(req.Vars))
	for k := range req.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(req.Vars[k])
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	out := b.String()
	if err := req.WriteHeader(200,
		proto.Header{Key: "Content-Type", Value: "text/plain; charset=utf-8"},
		proto.Header{Key: "Content-Length", Value: strconv.Itoa(len(out) + len(payload))},
	); err != nil {
		return err
	}
	_, err = req.Writev([]byte(out), payload)
	return err
}

// Static serves files below Root with SendFile.
type Static struct {
	Root string
}

// ServeUWSGI implements proto.Application.
func (s Static) ServeUWSGI(_ context.Context, req *proto.Request) error {
	name := path.Clean("/" + strings.TrimPrefix(req.Path, req.ScriptName))
	full := filepath.Join(s.Root, filepath.FromSlash(name))
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return notFound(req)
		}
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return notFound(req)
	}
	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	if err := req.WriteHeader(200,
		proto.Header{Key: "Content-Type", Value: ctype},
		proto.Header{Key: "Content-Length", Value: strconv.FormatInt(info.Size(), 10)},
	); err != nil {
		return err
	}
	if req.Method == "HEAD" {
		return nil
	}
	_, err = req.SendFile(f, 0, info.Size())
	return err
}

func notFound(req *proto.Request) error {
	const msg = "not found\n"
	if err := req.WriteHeader(404,
		proto.Header{Key: "Content-Type", Value: "text/plain; charset=utf-8"},
		proto.Header{Key: "Content-Length", Value: strconv.Itoa(len(msg))},
	); err != nil {
		return err
	}
	_, err := req.WriteString(msg)
	return err
}

// Resolve maps a handler reference to an application. Known forms are
// "echo" and "static:<dir>".
func Resolve(ref string) (proto.Application, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(ref), ":")
	switch kind {
	case "echo":
		return Echo{}, nil
	case "static":
		if arg == "" {
			return nil, fmt.Errorf("%w: static needs a directory", ErrUnknownApp)
		}
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("apps: static root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("apps: static root %q is not a directory", arg)
		}
		return Static{Root: arg}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownApp, ref)
}
