package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestWatcher never ticks on its own; tests drive it through check.
func newTestWatcher(t *testing.T, dir string, opts ...WatcherOption) (*Watcher, *MemStore) {
	t.Helper()
	store := NewMemStore()
	opts = append(opts, WithInterval(time.Hour))
	w, err := NewWatcher(dir, store, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, store
}

// bump moves the file's mtime forward so the next check reads it.
func bump(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	next := info.ModTime().Add(time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "anna.yaml"), cafeYAML)
	_, store := newTestWatcher(t, dir)
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	t.Parallel()
	if _, err := NewWatcher("/nonexistent/scripts", NewMemStore()); err == nil {
		t.Error("expected error")
	}
}

func TestWatcher_ReloadsChangedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "anna.toml")
	writeFile(t, path, cafeTOML)

	var reloads []string
	w, store := newTestWatcher(t, dir, WithReloadHook(func(p string, _ int) { reloads = append(reloads, p) }))

	// Touch without a content change.
	bump(t, path)
	w.check()
	if len(reloads) != 1 {
		t.Errorf("reloads after touch = %d, want 1", len(reloads))
	}

	writeFile(t, path, `
[character]
id = "anna"

[[dialogues]]
id = "bakery"

[[dialogues.steps]]
speaker = "npc"
text = { en = "Bread?" }
`)
	bump(t, path)
	w.check()
	if len(reloads) != 2 {
		t.Errorf("reloads = %d, want 2", len(reloads))
	}
	if _, err := store.Dialogue(context.Background(), "anna", "bakery"); err != nil {
		t.Errorf("bakery: %v", err)
	}
}

func TestWatcher_BrokenFileKeepsDialogues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "anna.yaml")
	writeFile(t, path, cafeYAML)
	w, store := newTestWatcher(t, dir)

	writeFile(t, path, "character: [")
	bump(t, path)
	w.check()
	if _, err := store.Dialogue(context.Background(), "anna", "cafe"); err != nil {
		t.Errorf("cafe lost after broken reload: %v", err)
	}
}

func TestWatcher_RemovedFileForgotten(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "anna.yaml")
	writeFile(t, path, cafeYAML)
	w, store := newTestWatcher(t, dir)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.check()
	if _, err := store.Dialogue(context.Background(), "anna", "cafe"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := newTestWatcher(t, t.TempDir())
	w.Stop()
	w.Stop()
}
