package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/glossa/internal/config"
	"github.com/MrWong99/glossa/internal/resilience"
	"github.com/MrWong99/glossa/internal/scorer"
	"github.com/MrWong99/glossa/internal/script"
	"github.com/MrWong99/glossa/pkg/provider/llm"
	llmmock "github.com/MrWong99/glossa/pkg/provider/llm/mock"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	sttmock "github.com/MrWong99/glossa/pkg/provider/stt/mock"
	"github.com/MrWong99/glossa/pkg/provider/tts"
	ttsmock "github.com/MrWong99/glossa/pkg/provider/tts/mock"
)

const annaYAML = `
character:
  id: anna
  name: Anna
dialogues:
  - id: cafe
    title: At the café
    steps:
      - speaker: npc
        text: {en: "What would you like?"}
      - speaker: user
        text: {en: "A coffee, please."}
    words:
      - id: coffee
        forms: {en: coffee, ru: кофе}
`

const brokenYAML = `
character:
  id: ""
dialogues:
  - id: cafe
    steps:
      - speaker: narrator
        text: {en: "Hi"}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := slogLevel(tc.in); got != tc.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_LevelCanChange(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, level := newLogger(&buf, config.LogWarn)
	log.Info("hidden")
	level.Set(slogLevel(config.LogDebug))
	log.Debug("shown")

	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("log output = %q", out)
	}
}

// testRegistry registers mock factories that record the entries they saw.
func testRegistry(seen *[]string) *config.Registry {
	reg := config.NewRegistry()
	record := func(kind string, e config.ProviderEntry) {
		*seen = append(*seen, kind+":"+e.Name)
	}
	for _, name := range []string{"primary", "backup"} {
		reg.RegisterSTT(name, func(e config.ProviderEntry) (stt.Provider, error) {
			record("stt", e)
			return &sttmock.Provider{}, nil
		})
		reg.RegisterTTS(name, func(e config.ProviderEntry) (tts.Provider, error) {
			record("tts", e)
			return &ttsmock.Provider{}, nil
		})
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			record("llm", e)
			return &llmmock.Provider{}, nil
		})
	}
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("no model")
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	t.Run("fallback chains", func(t *testing.T) {
		t.Parallel()
		var seen []string
		cfg := &config.Config{Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "primary", Fallbacks: []config.ProviderEntry{{Name: "backup"}}},
			TTS: config.ProviderEntry{Name: "primary"},
			LLM: config.ProviderEntry{Name: "primary", Model: "m", Fallbacks: []config.ProviderEntry{{Name: "backup"}}},
		}}
		ps, err := buildProviders(cfg, testRegistry(&seen), nil)
		if err != nil {
			t.Fatalf("buildProviders: %v", err)
		}
		if _, ok := ps.STT.(*resilience.STTFallback); !ok {
			t.Errorf("STT = %T, want *resilience.STTFallback", ps.STT)
		}
		if _, ok := ps.TTS.(*ttsmock.Provider); !ok {
			t.Errorf("TTS = %T, want the provider itself", ps.TTS)
		}
		if _, ok := ps.LLM.(*resilience.LLMFallback); !ok {
			t.Errorf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
		}
		want := []string{"stt:primary", "stt:backup", "tts:primary", "llm:primary", "llm:backup"}
		if strings.Join(seen, ",") != strings.Join(want, ",") {
			t.Errorf("created %v, want %v", seen, want)
		}
	})

	t.Run("unknown llm disables generation", func(t *testing.T) {
		t.Parallel()
		var seen []string
		cfg := &config.Config{Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "primary"},
			TTS: config.ProviderEntry{Name: "primary"},
			LLM: config.ProviderEntry{Name: "oracle"},
		}}
		ps, err := buildProviders(cfg, testRegistry(&seen), nil)
		if err != nil {
			t.Fatalf("buildProviders: %v", err)
		}
		if ps.LLM != nil {
			t.Errorf("LLM = %T, want nil", ps.LLM)
		}
	})

	t.Run("failing factory", func(t *testing.T) {
		t.Parallel()
		var seen []string
		cfg := &config.Config{Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "primary", Fallbacks: []config.ProviderEntry{{Name: "broken"}}},
			TTS: config.ProviderEntry{Name: "primary"},
		}}
		_, err := buildProviders(cfg, testRegistry(&seen), nil)
		if err == nil || !strings.Contains(err.Error(), `"broken"`) {
			t.Errorf("err = %v, want it to name the broken provider", err)
		}
	})

	t.Run("unknown stt", func(t *testing.T) {
		t.Parallel()
		var seen []string
		cfg := &config.Config{Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "oracle"},
			TTS: config.ProviderEntry{Name: "primary"},
		}}
		_, err := buildProviders(cfg, testRegistry(&seen), nil)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for kind, names := range config.ValidProviderNames {
		got := strings.Join(reg.Names(kind), ",")
		for _, name := range names {
			if !strings.Contains(","+got+",", ","+name+",") {
				t.Errorf("%s provider %q is not registered (have %s)", kind, name, got)
			}
		}
	}
}

func TestRunScore(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	runScore(&buf, scorer.New(), "en", "how are you", []string{"who are you", "how are you"})
	out := buf.String()
	if !strings.Contains(out, "best: 2 (100%, pass)") {
		t.Errorf("output = %q, want the exact match chosen", out)
	}
	if strings.Contains(out, "missed") {
		t.Errorf("output = %q, want no misses for an exact match", out)
	}

	buf.Reset()
	runScore(&buf, scorer.New(), "en", "good morning", []string{"good mourning"})
	if out := buf.String(); !strings.Contains(out, `missed "morning", heard "mourning"`) {
		t.Errorf("output = %q, want the miss diagnosed", out)
	}
}

func TestRunValidate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	if err := os.Mkdir(scripts, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, scripts, "anna.yaml", annaYAML)
	cfgPath := writeFile(t, dir, "config.yaml", `
providers:
  stt: {name: deepgram}
  tts: {name: elevenlabs}
storage:
  script_dir: `+scripts+`
`)

	var buf bytes.Buffer
	if err := runValidate(&buf, cfgPath, nil); err != nil {
		t.Fatalf("runValidate: %v\n%s", err, buf.String())
	}
	if out := buf.String(); !strings.Contains(out, "anna.yaml (1 dialogues)") {
		t.Errorf("output = %q", out)
	}

	broken := writeFile(t, dir, "broken.yaml", brokenYAML)
	buf.Reset()
	err := runValidate(&buf, filepath.Join(dir, "missing.yaml"), []string{broken})
	if err == nil {
		t.Fatal("runValidate accepted a broken script")
	}
	out := buf.String()
	if !strings.Contains(out, "FAIL  "+broken) || !strings.Contains(out, "character.id is required") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "missing.yaml") {
		t.Errorf("output = %q, want the missing config skipped", out)
	}
}

func TestExampleFilesValidate(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := runValidate(&buf, "../../configs/example.yaml", []string{"../../configs/scripts"}); err != nil {
		t.Fatalf("runValidate: %v\n%s", err, buf.String())
	}
	out := buf.String()
	for _, want := range []string{"ok    ../../configs/example.yaml", "anna.yaml (1 dialogues)", "anna-taxi.toml (1 dialogues)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output = %q, want %q", out, want)
		}
	}
}

func TestImportScripts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "anna.yaml", annaYAML)
	dst := script.NewMemStore()

	var buf bytes.Buffer
	if err := importScripts(context.Background(), &buf, dst, dir); err != nil {
		t.Fatalf("importScripts: %v", err)
	}
	if _, err := dst.Dialogue(context.Background(), "anna", "cafe"); err != nil {
		t.Errorf("imported dialogue: %v", err)
	}
	if !strings.Contains(buf.String(), "imported 1 dialogues") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRootCmd(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"serve", "score", "validate", "migrate"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q missing: %v", name, err)
		}
	}

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"score", "--lang", "en", "good morning", "good morning"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(buf.String(), "best: 1 (100%, pass)") {
		t.Errorf("output = %q", buf.String())
	}
}
