package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload is an accepted change of the config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and reports content changes that validate.
// Polling behaves the same on bind mounts and network filesystems, where
// change notifications are unreliable.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	log      *slog.Logger

	// checkMu serialises Check so a reload is reported once.
	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
	mtime   time.Time
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

// WithLogger sets the watcher's logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and returns a Watcher holding it. onReload may be
// nil. Polling starts with [Watcher.Run].
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	cfg, digest, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.digest, w.mtime = cfg, digest, mtime
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run checks the file every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Check reloads the file if it changed since the last check and reports
// whether a new config was accepted. A file that no longer validates
// returns an error and the previous config stays current. A touch without
// a content change is not a reload.
func (w *Watcher) Check() (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	cfg, digest, mtime, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.mtime = mtime
	if digest == w.digest {
		w.mu.Unlock()
		return false, nil
	}
	r := Reload{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	w.log.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", r.Diff.LogLevelChanged,
		"practice_changed", r.Diff.PracticeChanged,
		"restart_required", r.Diff.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(r)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var digest [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, digest, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, digest, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, digest, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
