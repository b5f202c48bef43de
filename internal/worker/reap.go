package worker

import "golang.org/x/sys/unix"

// reapChildren collects every exited child without blocking.
func (w *Worker) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		w.logger.Debug("uwsgi.worker.reaped", "pid", pid, "status", status.ExitStatus())
	}
}
