// Package script loads conversation scripts and serves them to practice
// sessions.
//
// A script file describes one character and the dialogues the learner can
// practise with them. Files are YAML or TOML:
//
//	character:
//	  id: anna
//	  name: Anna
//	dialogues:
//	  - id: cafe
//	    title: At the café
//	    steps:
//	      - speaker: npc
//	        text: {en: "What would you like?", ru: "Что вы хотите?"}
//	      - speaker: user
//	        text: {en: "A coffee, please.", ru: "Кофе, пожалуйста."}
//	        transliteration: {ru: "Kofe, pozhaluysta."}
//	    words:
//	      - id: coffee
//	        forms: {en: coffee, ru: кофе}
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/glossa/pkg/types"
)

// Format is the encoding of a script file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrUnsupportedFormat is returned for files whose extension is neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("script: unsupported file format")

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
}

// File is the top-level structure of a script file.
type File struct {
	Character Character      `yaml:"character" toml:"character"`
	Dialogues []DialogueSpec `yaml:"dialogues" toml:"dialogues"`
}

// Character is the conversation partner the dialogues of a file belong to.
type Character struct {
	ID   string `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
}

// DialogueSpec is one dialogue as written in a script file.
type DialogueSpec struct {
	ID    string `yaml:"id" toml:"id"`
	Title string `yaml:"title" toml:"title"`

	// LastStep ends the conversation early at the given step.
	LastStep int `yaml:"last_step" toml:"last_step"`

	Steps []StepSpec `yaml:"steps" toml:"steps"`
	Words []WordSpec `yaml:"words" toml:"words"`
}

// StepSpec is one turn as written in a script file. Step defaults to the
// 1-based position in the list.
type StepSpec struct {
	ID              string            `yaml:"id" toml:"id"`
	Step            int               `yaml:"step" toml:"step"`
	Speaker         string            `yaml:"speaker" toml:"speaker"`
	Text            map[string]string `yaml:"text" toml:"text"`
	Transliteration map[string]string `yaml:"transliteration" toml:"transliteration"`
	Translation     map[string]string `yaml:"translation" toml:"translation"`
}

// WordSpec is a vocabulary entry keyed by language tag.
type WordSpec struct {
	ID    string            `yaml:"id" toml:"id"`
	Forms map[string]string `yaml:"forms" toml:"forms"`
}

// LoadFile reads and parses a script file from disk, choosing the decoder by
// file extension.
func LoadFile(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: open %q: %w", path, err)
	}
	f, err := Decode(bytes.NewReader(data), format)
	if err != nil {
		return nil, fmt.Errorf("script: parse %q: %w", path, err)
	}
	return f, nil
}

// Decode parses a script in the given format. Unknown keys are rejected in
// both formats. The reader is consumed entirely.
func Decode(r io.Reader, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("script: decode yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(&f)
		if err != nil {
			return nil, fmt.Errorf("script: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("script: decode toml: unknown keys %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return &f, nil
}

// Validate reports every structural problem in the file at once.
func (f *File) Validate() error {
	var errs []error
	if f.Character.ID == "" {
		errs = append(errs, errors.New("script: character.id is required"))
	}
	seen := make(map[string]bool, len(f.Dialogues))
	for i, d := range f.Dialogues {
		where := fmt.Sprintf("dialogues[%d]", i)
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("script: %s: id is required", where))
		} else if seen[d.ID] {
			errs = append(errs, fmt.Errorf("script: %s: duplicate id %q", where, d.ID))
		}
		seen[d.ID] = true
		if len(d.Steps) == 0 {
			errs = append(errs, fmt.Errorf("script: %s: at least one step is required", where))
		}
		steps := make(map[int]bool, len(d.Steps))
		for j, s := range d.Steps {
			if _, ok := types.ParseSpeaker(s.Speaker); !ok {
				errs = append(errs, fmt.Errorf("script: %s.steps[%d]: unknown speaker %q", where, j, s.Speaker))
			}
			if len(s.Text) == 0 {
				errs = append(errs, fmt.Errorf("script: %s.steps[%d]: text is required", where, j))
			}
			n := stepIndex(s, j)
			if steps[n] {
				errs = append(errs, fmt.Errorf("script: %s.steps[%d]: duplicate step %d", where, j, n))
			}
			steps[n] = true
		}
	}
	return errors.Join(errs...)
}

// ToDialogues converts the file into dialogues ready for a session. The file
// must be valid.
func (f *File) ToDialogues() []types.Dialogue {
	out := make([]types.Dialogue, 0, len(f.Dialogues))
	for _, d := range f.Dialogues {
		dlg := types.Dialogue{
			ID:          d.ID,
			CharacterID: f.Character.ID,
			Title:       d.Title,
			LastStep:    d.LastStep,
			Turns:       make([]types.Turn, 0, len(d.Steps)),
			Words:       make([]types.WordEntry, 0, len(d.Words)),
		}
		for j, s := range d.Steps {
			speaker, _ := types.ParseSpeaker(s.Speaker)
			n := stepIndex(s, j)
			id := s.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", d.ID, n)
			}
			dlg.Turns = append(dlg.Turns, types.Turn{
				ID:              id,
				StepIndex:       n,
				Speaker:         speaker,
				Phrase:          s.Text,
				Transliteration: s.Transliteration,
				Translation:     s.Translation,
			})
		}
		for _, w := range d.Words {
			dlg.Words = append(dlg.Words, types.WordEntry{ID: w.ID, Forms: w.Forms})
		}
		out = append(out, dlg)
	}
	return out
}

func stepIndex(s StepSpec, pos int) int {
	if s.Step > 0 {
		return s.Step
	}
	return pos + 1
}
