package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// HandleSignals installs the graceful termination policy: SIGTERM is
// swallowed so the supervisor decides when the worker dies, SIGINT is a soft
// stop. The returned function restores default handling.
func (w *Worker) HandleSignals(ctx context.Context) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case sig := <-ch:
				w.onSignal(sig)
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(quit)
	}
}

func (w *Worker) onSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM:
		w.logger.Info("uwsgi.worker.sigterm_ignored")
	case syscall.SIGINT:
		busy := w.record.Busy()
		w.logger.Info("uwsgi.worker.soft_stop", "busy_slots", busy)
		w.Stop()
	}
}
