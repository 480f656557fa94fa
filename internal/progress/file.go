package progress

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
)

// FileRecorder appends results as JSON lines to a local file. Reads replay
// the file and keep the last line per dialogue. Safe for concurrent use
// within one process.
type FileRecorder struct {
	mu   sync.Mutex
	path string
}

var _ Recorder = (*FileRecorder)(nil)

// NewFileRecorder creates a FileRecorder writing to path. The file is
// created on the first Record.
func NewFileRecorder(path string) *FileRecorder {
	return &FileRecorder{path: path}
}

// Record implements [Recorder].
func (fr *FileRecorder) Record(_ context.Context, r Result) error {
	if err := r.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r.stamped())
	if err != nil {
		return fmt.Errorf("progress: marshal: %w", err)
	}
	data = append(data, '\n')

	fr.mu.Lock()
	defer fr.mu.Unlock()

	f, err := os.OpenFile(fr.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("progress: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("progress: write: %w", err)
	}
	return nil
}

// Results implements [Recorder].
func (fr *FileRecorder) Results(_ context.Context, learnerID string) ([]Result, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	f, err := os.Open(fr.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("progress: open file: %w", err)
	}
	defer f.Close()

	type key struct{ character, dialogue string }
	latest := make(map[key]Result)
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Result
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("progress: %s line %d: %w", fr.path, line, err)
		}
		if r.LearnerID == learnerID {
			latest[key{r.CharacterID, r.DialogueID}] = r
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("progress: read file: %w", err)
	}

	out := make([]Result, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(rs []Result) {
	slices.SortFunc(rs, func(a, b Result) int {
		return cmp.Or(
			b.At.Compare(a.At),
			strings.Compare(a.CharacterID, b.CharacterID),
			strings.Compare(a.DialogueID, b.DialogueID),
		)
	})
}
