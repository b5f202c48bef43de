package mount

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

func (t *Table) watcherActive() bool {
	return t.watching.Load()
}

// watch subscribes to the directory holding path so replacing the file is
// noticed as well as touching it.
func (t *Table) watch(path string) {
	if t.disableWatch {
		return
	}
	t.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			t.logger.Warn("uwsgi.mount.watch.unavailable", "error", err)
			return
		}
		t.mu.Lock()
		t.watcher = w
		t.mu.Unlock()
		t.watching.Store(true)
		t.wg.Add(1)
		go t.run(w)
	})
	t.mu.Lock()
	w := t.watcher
	dir := filepath.Dir(path)
	_, seen := t.watched[dir]
	if w != nil && !seen {
		t.watched[dir] = struct{}{}
	}
	t.mu.Unlock()
	if w == nil || seen {
		return
	}
	if err := w.Add(dir); err != nil {
		t.logger.Warn("uwsgi.mount.watch.add_failed", "dir", dir, "error", err)
		t.watching.Store(false)
		t.mu.Lock()
		t.watcher = nil
		t.mu.Unlock()
		_ = w.Close()
	}
}

func (t *Table) run(w *fsnotify.Watcher) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			t.mu.RLock()
			for _, e := range t.entries {
				if e.touch == name {
					e.changed.Store(true)
				}
			}
			t.mu.RUnlock()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			t.logger.Warn("uwsgi.mount.watch.error", "error", err)
		}
	}
}
