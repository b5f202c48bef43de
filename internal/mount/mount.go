// Package mount maps request script names to applications.
//
// Lookup picks the most specific mount point whose prefix covers the
// request and whose modifier matches exactly. A mount point may name a
// touch-reload file; when its modification time changes the match reports
// Reload so the worker stops taking new requests after serving this one.
package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/blue-goji/uwsgi/internal/loggingutil"
	"github.com/blue-goji/uwsgi/internal/proto"
)

var (
	// ErrNoApplication reports a request that no mount point covers.
	ErrNoApplication = errors.New("mount: no application for request")
	// ErrModifierMismatch reports mount points that cover the request but
	// expect another modifier.
	ErrModifierMismatch = fmt.Errorf("%w: modifier mismatch", ErrNoApplication)
)

// Mount is one application mount point.
type Mount struct {
	Prefix      string
	Modifier1   uint8
	App         proto.Application
	TouchReload string
}

// Match is the outcome of a lookup.
type Match struct {
	Mount *Mount
	// Reload is set when the mount's touch-reload file changed since it was
	// registered.
	Reload bool
}

// Options tunes a Table.
type Options struct {
	Logger pslog.Logger
	// DisableWatch skips filesystem notifications; touch files are then
	// stat'ed on every lookup.
	DisableWatch bool
}

type entry struct {
	mount   Mount
	touch   string
	mtime   time.Time
	changed atomic.Bool
}

// Table is a set of mount points safe for concurrent lookups.
type Table struct {
	logger       pslog.Logger
	disableWatch bool

	mu      sync.RWMutex
	entries []*entry

	watchOnce sync.Once
	watcher   *fsnotify.Watcher
	watching  atomic.Bool
	watched   map[string]struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTable returns an empty table.
func NewTable(opts Options) *Table {
	return &Table{
		logger:       loggingutil.WithSubsystem(opts.Logger, "mount"),
		disableWatch: opts.DisableWatch,
		watched:      make(map[string]struct{}),
		done:         make(chan struct{}),
	}
}

// Add registers m. Prefixes are normalised to start with a slash; the empty
// prefix and "/" cover every request.
func (t *Table) Add(m Mount) error {
	if m.App == nil {
		return fmt.Errorf("mount: %q has no application", m.Prefix)
	}
	if m.Prefix != "" && !strings.HasPrefix(m.Prefix, "/") {
		m.Prefix = "/" + m.Prefix
	}
	if len(m.Prefix) > 1 {
		m.Prefix = strings.TrimSuffix(m.Prefix, "/")
	}
	e := &entry{mount: m}
	if m.TouchReload != "" {
		abs, err := filepath.Abs(m.TouchReload)
		if err != nil {
			return fmt.Errorf("mount: touch-reload path: %w", err)
		}
		e.touch = abs
		e.mtime = modTime(abs)
	}

	t.mu.Lock()
	for _, existing := range t.entries {
		if existing.mount.Prefix == m.Prefix && existing.mount.Modifier1 == m.Modifier1 {
			t.mu.Unlock()
			return fmt.Errorf("mount: duplicate mount point %q modifier %d", m.Prefix, m.Modifier1)
		}
	}
	t.entries = append(t.entries, e)
	sort.SliceStable(t.entries, func(i, j int) bool {
		return len(t.entries[i].mount.Prefix) > len(t.entries[j].mount.Prefix)
	})
	t.mu.Unlock()

	if e.touch != "" {
		t.watch(e.touch)
	}
	return nil
}

// Len returns the number of mount points.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Match finds the application for name and modifier1.
func (t *Table) Match(name string, modifier1 uint8) (Match, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	covered := false
	for _, e := range t.entries {
		if !covers(e.mount.Prefix, name) {
			continue
		}
		covered = true
		if e.mount.Modifier1 != modifier1 {
			continue
		}
		return Match{Mount: &e.mount, Reload: t.touched(e)}, nil
	}
	if covered {
		return Match{}, ErrModifierMismatch
	}
	return Match{}, ErrNoApplication
}

// Close stops the filesystem watcher.
func (t *Table) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		w := t.watcher
		t.mu.Unlock()
		if w != nil {
			err = w.Close()
		}
		t.wg.Wait()
	})
	return err
}

func covers(prefix, name string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	return len(name) == len(prefix) || name[len(prefix)] == '/'
}

// touched compares the touch file's mtime with the registered one. With an
// active watcher the stat only happens after a notification.
func (t *Table) touched(e *entry) bool {
	if e.touch == "" {
		return false
	}
	if t.watcherActive() && !e.changed.Load() {
		return false
	}
	if modTime(e.touch).Equal(e.mtime) {
		return false
	}
	t.logger.Info("uwsgi.mount.touch_reload", "prefix", e.mount.Prefix, "path", e.touch)
	return true
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
