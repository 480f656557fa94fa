package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/glossa/pkg/types"
)

// ErrNotFound is returned when no dialogue exists for a character and
// dialogue id pair.
var ErrNotFound = errors.New("script: dialogue not found")

// Key identifies a dialogue. Dialogue ids are only unique per character.
type Key struct {
	CharacterID string
	DialogueID  string
}

func (k Key) String() string { return k.CharacterID + "/" + k.DialogueID }

// Summary lists a dialogue without its turns.
type Summary struct {
	Key
	Title string
	Turns int
	Words int
}

// Store serves dialogues to practice sessions.
type Store interface {
	// Dialogue returns the dialogue for characterID and dialogueID, or an
	// error wrapping [ErrNotFound].
	Dialogue(ctx context.Context, characterID, dialogueID string) (types.Dialogue, error)

	// List returns all dialogues of characterID, or of every character when
	// characterID is empty, sorted by key.
	List(ctx context.Context, characterID string) ([]Summary, error)

	// Put inserts or replaces a dialogue.
	Put(ctx context.Context, d types.Dialogue) error
}

// MemStore is an in-memory [Store]. It is safe for concurrent use.
type MemStore struct {
	mu        sync.RWMutex
	dialogues map[Key]types.Dialogue

	// sources maps a loaded file to the keys it contributed, so reloading
	// a file drops dialogues removed from it.
	sources map[string][]Key
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		dialogues: make(map[Key]types.Dialogue),
		sources:   make(map[string][]Key),
	}
}

// Dialogue implements [Store].
func (s *MemStore) Dialogue(_ context.Context, characterID, dialogueID string) (types.Dialogue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogues[Key{characterID, dialogueID}]
	if !ok {
		return types.Dialogue{}, fmt.Errorf("%w: %s/%s", ErrNotFound, characterID, dialogueID)
	}
	return d, nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, characterID string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Summary
	for k, d := range s.dialogues {
		if characterID != "" && k.CharacterID != characterID {
			continue
		}
		out = append(out, summarize(d))
	}
	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.Key.String(), b.Key.String()) })
	return out, nil
}

// Put implements [Store].
func (s *MemStore) Put(_ context.Context, d types.Dialogue) error {
	if d.CharacterID == "" || d.ID == "" {
		return errors.New("script: put: character and dialogue id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogues[Key{d.CharacterID, d.ID}] = d
	return nil
}

// Len returns the number of stored dialogues.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dialogues)
}

// LoadFile parses, validates and stores every dialogue in the file at path,
// replacing whatever an earlier load of the same path contributed. It
// returns the number of dialogues loaded.
func (s *MemStore) LoadFile(path string) (int, error) {
	f, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("script: %q: %w", path, err)
	}
	dialogues := f.ToDialogues()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.sources[path] {
		delete(s.dialogues, k)
	}
	keys := make([]Key, 0, len(dialogues))
	for _, d := range dialogues {
		k := Key{d.CharacterID, d.ID}
		s.dialogues[k] = d
		keys = append(keys, k)
	}
	s.sources[path] = keys
	return len(dialogues), nil
}

// Forget drops every dialogue loaded from path.
func (s *MemStore) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.sources[path] {
		delete(s.dialogues, k)
	}
	delete(s.sources, path)
}

// LoadDir loads every YAML and TOML file directly inside dir. Files that
// fail to load are reported together; the others are still stored.
func (s *MemStore) LoadDir(dir string) (int, error) {
	paths, err := ScriptFiles(dir)
	if err != nil {
		return 0, err
	}
	var (
		total int
		errs  []error
	)
	for _, p := range paths {
		n, err := s.LoadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// ScriptFiles lists the script files directly inside dir in lexical order.
func ScriptFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("script: read dir %q: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatOf(e.Name()); err == nil {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func summarize(d types.Dialogue) Summary {
	return Summary{
		Key:   Key{d.CharacterID, d.ID},
		Title: d.Title,
		Turns: len(d.Turns),
		Words: len(d.Words),
	}
}
