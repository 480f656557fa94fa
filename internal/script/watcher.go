package script

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a directory of script files and reloads changed files into
// a [MemStore]. Deleted files drop their dialogues. A file that fails to
// parse keeps its previously loaded dialogues.
type Watcher struct {
	dir      string
	store    *MemStore
	interval time.Duration
	onReload func(path string, dialogues int)
	log      *slog.Logger

	mu    sync.Mutex
	files map[string]fileState

	done     chan struct{}
	stopOnce sync.Once
}

type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithReloadHook registers fn to run after each successful reload.
func WithReloadHook(fn func(path string, dialogues int)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithWatcherLogger sets the logger. The default is [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads every script in dir into store and starts polling for
// changes in a background goroutine.
func NewWatcher(dir string, store *MemStore, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		dir:      dir,
		store:    store,
		interval: 5 * time.Second,
		log:      slog.Default(),
		files:    make(map[string]fileState),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("script: watcher initial load: %w", err)
	}
	w.check()
	go w.poll()
	return w, nil
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check compares every script file against its last known state.
func (w *Watcher) check() {
	paths, err := ScriptFiles(w.dir)
	if err != nil {
		w.log.Warn("script watcher: cannot list directory", "dir", w.dir, "err", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[p] = true
		w.checkFile(p)
	}
	for p := range w.files {
		if !present[p] {
			delete(w.files, p)
			w.store.Forget(p)
			w.log.Info("script watcher: script removed", "path", p)
		}
	}
}

func (w *Watcher) checkFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.log.Warn("script watcher: cannot stat file", "path", path, "err", err)
		return
	}
	prev, known := w.files[path]
	if known && info.ModTime().Equal(prev.mtime) {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("script watcher: cannot read file", "path", path, "err", err)
		return
	}
	hash := sha256.Sum256(data)
	if known && hash == prev.hash {
		w.files[path] = fileState{mtime: info.ModTime(), hash: hash}
		return
	}

	n, err := w.store.LoadFile(path)
	if err != nil {
		// Remember the broken content so it is not retried every tick.
		w.files[path] = fileState{mtime: info.ModTime(), hash: hash}
		w.log.Warn("script watcher: failed to load script", "path", path, "err", err)
		return
	}
	w.files[path] = fileState{mtime: info.ModTime(), hash: hash}
	w.log.Info("script watcher: script loaded", "path", path, "dialogues", n)
	if w.onReload != nil {
		w.onReload(path, n)
	}
}
