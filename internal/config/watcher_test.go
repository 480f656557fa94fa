package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/glossa/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  stt: {name: deepgram}
  tts: {name: elevenlabs}
practice:
  max_alternatives: 5
storage:
  script_dir: ./scripts
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  stt: {name: deepgram}
  tts: {name: elevenlabs}
practice:
  max_alternatives: 3
storage:
  script_dir: ./scripts
`

const watcherMovedYAML = `
server:
  log_level: info
  listen_addr: ":9999"
providers:
  stt: {name: deepgram}
  tts: {name: elevenlabs}
practice:
  max_alternatives: 5
storage:
  script_dir: ./scripts
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// rewrite replaces the file and moves its mtime forward so coarse
// filesystem timestamps still register the change.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	touch(t, path, step)
}

func touch(t *testing.T, path string, step int) {
	t.Helper()
	ts := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func newWatcher(t *testing.T, onReload func(config.Reload)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "glossa.yaml")
	rewrite(t, path, watcherValidYAML, 0)
	w, err := config.NewWatcher(path, onReload, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, nil)
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Practice.MaxAlternatives != 5 {
		t.Errorf("initial config = %+v", cfg)
	}
	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("Check on an untouched file = %v, %v", changed, err)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/glossa.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantChanged bool
		wantErr     bool
		check       func(t *testing.T, r config.Reload)
	}{
		{
			name:        "live settings",
			content:     watcherUpdatedYAML,
			wantChanged: true,
			check: func(t *testing.T, r config.Reload) {
				if r.Old.Server.LogLevel != config.LogInfo {
					t.Errorf("old log level = %q", r.Old.Server.LogLevel)
				}
				if !r.Diff.LogLevelChanged || r.Diff.NewLogLevel != config.LogDebug {
					t.Errorf("log level diff = %+v", r.Diff)
				}
				if !r.Diff.PracticeChanged || r.Diff.NewPractice.MaxAlternatives != 3 {
					t.Errorf("practice diff = %+v", r.Diff)
				}
				if len(r.Diff.RestartRequired) != 0 {
					t.Errorf("RestartRequired = %v", r.Diff.RestartRequired)
				}
			},
		},
		{
			name:        "restart required",
			content:     watcherMovedYAML,
			wantChanged: true,
			check: func(t *testing.T, r config.Reload) {
				if r.Diff.LogLevelChanged || r.Diff.PracticeChanged {
					t.Errorf("unexpected live change: %+v", r.Diff)
				}
				if len(r.Diff.RestartRequired) != 1 || r.Diff.RestartRequired[0] != "server" {
					t.Errorf("RestartRequired = %v", r.Diff.RestartRequired)
				}
			},
		},
		{name: "invalid file", content: watcherInvalidYAML, wantErr: true},
		{name: "touch only", content: watcherValidYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var reloads []config.Reload
			w, path := newWatcher(t, func(r config.Reload) { reloads = append(reloads, r) })

			rewrite(t, path, tt.content, 2)
			changed, err := w.Check()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check error = %v, wantErr %v", err, tt.wantErr)
			}
			if changed != tt.wantChanged || len(reloads) != boolToInt(tt.wantChanged) {
				t.Fatalf("changed = %v with %d reloads, want %v", changed, len(reloads), tt.wantChanged)
			}
			if !tt.wantChanged {
				if w.Current().Server.LogLevel != config.LogInfo {
					t.Errorf("previous config was replaced: %+v", w.Current().Server)
				}
				return
			}
			if w.Current() != reloads[0].New {
				t.Error("Current is not the reloaded config")
			}
			tt.check(t, reloads[0])

			// A second check of the same content is quiet.
			touch(t, path, 4)
			if changed, err := w.Check(); changed || err != nil {
				t.Errorf("second Check = %v, %v", changed, err)
			}
		})
	}
}

func TestWatcher_Run(t *testing.T) {
	t.Parallel()

	reloaded := make(chan config.Reload, 1)
	w, path := newWatcher(t, func(r config.Reload) { reloaded <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	rewrite(t, path, watcherUpdatedYAML, 2)
	select {
	case r := <-reloaded:
		if r.New.Practice.MaxAlternatives != 3 {
			t.Errorf("reloaded practice = %+v", r.New.Practice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
