package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "whisper-native", "vosk"},
	"tts": {"elevenlabs", "coqui"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Defaults applied by [LoadFromReader] to fields left empty.
const (
	DefaultListenAddr   = ":8080"
	DefaultProgressPath = "progress.jsonl"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Storage.Progress.Backend == "" {
		cfg.Storage.Progress.Backend = ProgressFile
	}
	if cfg.Storage.Progress.Path == "" {
		switch cfg.Storage.Progress.Backend {
		case ProgressFile:
			cfg.Storage.Progress.Path = DefaultProgressPath
		case ProgressSQLite:
			cfg.Storage.Progress.Path = "progress.db"
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	errs = append(errs, validateChain("stt", cfg.Providers.STT)...)
	errs = append(errs, validateChain("tts", cfg.Providers.TTS)...)
	errs = append(errs, validateChain("llm", cfg.Providers.LLM)...)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	if cfg.Providers.LLM.Name == "" && cfg.Practice.GenerateRequestsPerMinute >= 0 {
		slog.Warn("no LLM provider configured; dialogue generation will not be available")
	}

	p := cfg.Practice
	if p.MaxAlternatives < 0 || p.MaxAlternatives > 10 {
		errs = append(errs, fmt.Errorf("practice.max_alternatives %d is out of range [0, 10]", p.MaxAlternatives))
	}
	if p.SpeechRate != 0 && (p.SpeechRate < 0.1 || p.SpeechRate > 4) {
		errs = append(errs, fmt.Errorf("practice.speech_rate %.2f is out of range [0.1, 4.0]", p.SpeechRate))
	}
	if p.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("practice.session_idle_timeout %s must not be negative", p.SessionIdleTimeout))
	}

	s := cfg.Storage
	if s.ScriptDir == "" && s.PostgresDSN == "" {
		errs = append(errs, errors.New("storage: one of script_dir or postgres_dsn is required"))
	}
	if s.WatchScripts && s.ScriptDir == "" {
		errs = append(errs, errors.New("storage.watch_scripts requires storage.script_dir"))
	}
	if s.Progress.Backend != "" && !s.Progress.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.progress.backend %q is invalid; valid values: file, sqlite, postgres, none", s.Progress.Backend))
	}
	if s.Progress.Backend == ProgressPostgres && s.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.progress.backend postgres requires storage.postgres_dsn"))
	}

	if r := cfg.Observe.TracesSampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.traces_sample_rate %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateChain checks a provider entry and its fallbacks.
func validateChain(kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" && len(e.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("providers.%s: fallbacks require a primary name", kind))
	}
	validateProviderName(kind, e.Name)
	seen := map[string]bool{e.Name + "/" + e.Model: true}
	for i, fb := range e.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s: nested fallbacks are not allowed", prefix))
		}
		key := fb.Name + "/" + fb.Model
		if seen[key] {
			errs = append(errs, fmt.Errorf("%s: %q with model %q is listed twice", prefix, fb.Name, fb.Model))
		}
		seen[key] = true
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
