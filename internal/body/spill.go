package body

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Spill copies length bytes from src into an anonymous temporary file and
// returns it rewound to offset zero. When a progress directory is configured
// and target carries a valid token, a progress side file tracks the upload
// and is removed when Spill returns, whatever the outcome. Failing to write
// the progress record aborts the read; a failed flush is only logged. On
// failure the temporary file is discarded.
func Spill(src Source, length int64, target string, opts Options) (*os.File, error) {
	opts.normalize()
	tmp, err := os.CreateTemp(opts.TempDir, "uwsgi-body-*")
	if err != nil {
		return nil, fmt.Errorf("body: create spill file: %w", err)
	}
	// Unlinked right away so the file disappears with its last descriptor.
	if err := os.Remove(tmp.Name()); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("body: unlink spill file: %w", err)
	}

	var progress *progressFile
	if opts.ProgressDir != "" {
		if token, ok := ExtractToken(target); ok {
			progress, err = openProgress(opts.ProgressDir, token, length)
			if err != nil {
				opts.Logger.Warn("uwsgi.body.progress.unavailable", "token", token, "error", err)
				progress = nil
			}
		}
	}
	if progress != nil {
		defer func() {
			if err := progress.remove(); err != nil {
				opts.Logger.Warn("uwsgi.body.progress.cleanup", "path", progress.path, "error", err)
			}
		}()
	}

	chunk := make([]byte, opts.ChunkSize)
	var received int64
	for received < length {
		want := min(int64(len(chunk)), length-received)
		n, err := readChunk(src, chunk[:want], &opts)
		if err != nil {
			_ = tmp.Close()
			return nil, err
		}
		if _, err := tmp.Write(chunk[:n]); err != nil {
			_ = tmp.Close()
			return nil, fmt.Errorf("body: write spill file: %w", err)
		}
		received += int64(n)
		if progress != nil {
			state, err := progress.update(received)
			switch {
			case errors.Is(err, errProgressSync):
				opts.Logger.Warn("uwsgi.body.progress.sync", "path", progress.path, "error", err)
			case err != nil:
				_ = tmp.Close()
				return nil, err
			}
			if opts.OnProgress != nil {
				opts.OnProgress(state)
			}
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("body: rewind spill file: %w", err)
	}
	return tmp, nil
}
