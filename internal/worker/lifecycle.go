package worker

import (
	"context"
	"errors"
	"html"
	"io"
	"net"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blue-goji/uwsgi/internal/body"
	"github.com/blue-goji/uwsgi/internal/connguard"
	"github.com/blue-goji/uwsgi/internal/correlation"
	"github.com/blue-goji/uwsgi/internal/health"
	"github.com/blue-goji/uwsgi/internal/proto"
)

// begin moves a slot from WAITING_READY to ACCEPTED.
func (w *Worker) begin(s *slot, conn net.Conn, sock *proto.Socket) {
	req := s.req
	req.Bind(conn, sock)
	req.ID = correlation.Generate()
	req.Start = w.clock.Now()
	req.ReadTimeout = w.cfg.SocketTimeout
	req.WriteTimeout = w.cfg.SocketTimeout
	w.record.EnterRequest()
	s.transition(StateAccepted)
	if hook := w.cfg.Hooks.OnRequestStart; hook != nil {
		hook(req)
	}
}

// recv reads the protocol header. The watchdog covers the read.
func (w *Worker) recv(s *slot) error {
	req := s.req
	s.watchdog.Set(w.cfg.Harakiri)
	err := req.Proto.ReadFraming(req, w.cfg.SocketTimeout)
	if err != nil {
		return err
	}
	s.watchdog.Set(0)
	s.transition(StateHeaderParsed)
	return nil
}

// framingFailed logs a header failure and reports bad input to the guard.
func (w *Worker) framingFailed(ctx context.Context, s *slot, err error) {
	req := s.req
	switch {
	case errors.Is(err, io.EOF):
		w.logger.Debug("uwsgi.request.empty", "slot", s.id, "remote", req.RemoteAddr)
	case errors.Is(err, proto.ErrInvalidHeader), errors.Is(err, proto.ErrHeaderTooLarge):
		w.logger.Warn("uwsgi.request.bad_header", "slot", s.id, "remote", req.RemoteAddr, "error", err)
		w.cfg.Guard.Report(req.RemoteAddr, connguard.ReasonBadHeader)
	case errors.Is(err, os.ErrDeadlineExceeded):
		w.logger.Warn("uwsgi.request.header_timeout", "slot", s.id, "remote", req.RemoteAddr, "timeout", w.cfg.SocketTimeout)
	default:
		w.logger.Warn("uwsgi.request.header_failed", "slot", s.id, "remote", req.RemoteAddr, "error", err)
	}
	w.cfg.Metrics.RequestFailed(ctx, w.cfg.ID, "header")
}

// dispatch resolves the application, buffers the body when configured and
// runs the application.
func (w *Worker) dispatch(ctx context.Context, s *slot) {
	req := s.req
	name := req.ScriptName
	if name == "" {
		name = req.Path
	}
	if upstream, ok := correlation.Normalize(req.Var(correlation.RequestIDVar)); ok {
		req.ID = upstream
	}
	desc := req.Method + " " + req.URI
	s.current.Store(&desc)
	defer s.current.Store(nil)

	match, err := w.cfg.Mounts.Match(name, req.Modifier1)
	if err != nil {
		w.logger.Warn("uwsgi.request.no_app", "slot", s.id, "name", name, "modifier1", req.Modifier1, "error", err)
		w.cfg.Metrics.RequestFailed(ctx, w.cfg.ID, "dispatch")
		if werr := proto.WriteInternalError(req, "no application found for "+html.EscapeString(name)); werr != nil {
			w.logger.Debug("uwsgi.request.error_page_failed", "slot", s.id, "error", werr)
		}
		return
	}
	if req.ScriptName == "" && match.Mount.Prefix != "/" {
		// Matched on the path: the mount point becomes the script name.
		req.ScriptName = strings.TrimSuffix(match.Mount.Prefix, "/")
	}
	if match.Reload {
		w.cfg.Metrics.Recycled(ctx, w.cfg.ID, health.RecycleReload)
		w.retire("touch-reload "+match.Mount.Prefix, ExitReload)
	}

	s.watchdog.Set(w.cfg.Harakiri)
	if err := w.bufferBody(s); err != nil {
		w.logger.Warn("uwsgi.request.body_failed", "slot", s.id, "length", req.ContentLength, "error", err)
		w.cfg.Metrics.RequestFailed(ctx, w.cfg.ID, "body")
		return
	}

	s.app = match.Mount.App
	s.transition(StateDispatched)
	spanCtx, span := w.tracer.Start(ctx, "uwsgi.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("uwsgi.request.id", req.ID),
			attribute.String("uwsgi.method", req.Method),
			attribute.String("uwsgi.uri", req.URI),
			attribute.String("uwsgi.mount", match.Mount.Prefix),
			attribute.Int("uwsgi.modifier1", int(req.Modifier1)),
			attribute.Int("uwsgi.slot", s.id),
		))
	defer span.End()

	if err := s.app.ServeUWSGI(correlation.With(spanCtx, req.ID), req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Error("uwsgi.request.app_failed", "slot", s.id, "id", req.ID, "uri", req.URI, "error", err)
		w.cfg.Metrics.RequestFailed(ctx, w.cfg.ID, "application")
		if !req.HeadersSent && !req.Closed() {
			_ = proto.WriteInternalError(req, "application error")
		}
	}
	span.SetAttributes(attribute.Int("uwsgi.status", req.Status))
}

// bufferBody reads the body before dispatch when post buffering is on.
func (w *Worker) bufferBody(s *slot) error {
	req := s.req
	if w.cfg.PostBuffering <= 0 || req.ContentLength <= 0 {
		return nil
	}
	opts := body.Options{
		Timeout:     w.cfg.SocketTimeout,
		Watchdog:    s.watchdog,
		Clock:       w.clock,
		Logger:      w.logger,
		ChunkSize:   w.cfg.PostBufferingBufSize,
		TempDir:     w.cfg.TempDir,
		ProgressDir: w.cfg.UploadProgressDir,
	}
	if req.ContentLength <= w.cfg.PostBuffering {
		buf := s.postBuffer(req.ContentLength)
		if err := body.ReadInMemory(req.Source(), buf, opts); err != nil {
			return err
		}
		req.SetBufferedBody(buf)
		return nil
	}
	f, err := body.Spill(req.Source(), req.ContentLength, req.URI, opts)
	if err != nil {
		return err
	}
	req.SetBodyFile(f)
	return nil
}

// close accounts for the request and returns the slot to idle. It runs for
// every accepted connection, whatever stage it reached.
func (w *Worker) close(ctx context.Context, s *slot) {
	req := s.req
	req.End = w.clock.Now()
	elapsed := req.End.Sub(req.Start)

	if w.cfg.Limits.MemoryBound() || w.cfg.MemoryReport {
		if err := w.record.Sample(); err != nil {
			w.logger.Warn("uwsgi.worker.memory_sample_failed", "error", err)
		} else if w.cfg.MemoryReport {
			rss, vsz := w.record.Memory()
			w.logger.Info("uwsgi.worker.memory", "rss", humanize.IBytes(rss), "vsz", humanize.IBytes(vsz))
		}
	}

	if !req.Closed() && req.Proto != nil {
		if err := req.Proto.Close(req); err != nil {
			w.logger.Debug("uwsgi.request.close_failed", "slot", s.id, "error", err)
		}
	}
	total := w.record.Served(elapsed)
	protoName := ""
	if req.Proto != nil {
		protoName = req.Proto.Name()
	}
	w.cfg.Metrics.RequestClosed(ctx, w.cfg.ID, protoName, req.Status, elapsed.Seconds())

	if hook := w.cfg.Hooks.OnRequestEnd; hook != nil {
		hook(req)
	}
	if after, ok := s.app.(proto.AfterRequester); ok {
		after.AfterRequest(req)
	}
	s.watchdog.Set(0)
	if w.cfg.Reaper {
		w.reapChildren()
	}

	w.logger.Debug("uwsgi.request",
		"id", req.ID,
		"slot", s.id,
		"method", req.Method,
		"uri", req.URI,
		"status", req.Status,
		"size", req.ResponseSize,
		"elapsed", elapsed,
		"worker_requests", total)

	s.transition(StateClosed)
	s.app = nil
	req.Reset()
	w.record.LeaveRequest()

	if cause, detail, ok := w.record.RecycleReason(w.cfg.Limits); ok {
		w.cfg.Metrics.Recycled(ctx, w.cfg.ID, cause)
		w.logger.Info("uwsgi.worker.recycle", "cause", cause, "reason", detail, "requests", w.record.Requests())
		w.retire(detail, ExitRecycled)
	}
	w.announceLoyalty()
	s.transition(StateIdle)
}

// serveConn runs one accepted connection through the whole lifecycle.
func (w *Worker) serveConn(ctx context.Context, s *slot, conn net.Conn, sock *proto.Socket) {
	w.begin(s, conn, sock)
	if err := w.recv(s); err != nil {
		w.framingFailed(ctx, s, err)
		w.close(ctx, s)
		return
	}
	w.dispatch(ctx, s)
	w.close(ctx, s)
}

func (w *Worker) announceLoyalty() {
	if w.cfg.Emperor == nil || !w.record.MarkLoyal() {
		return
	}
	if _, err := w.cfg.Emperor.Write([]byte{LoyaltyByte}); err != nil {
		w.logger.Warn("uwsgi.worker.loyalty_failed", "error", err)
		return
	}
	w.logger.Info("uwsgi.worker.loyal")
}
