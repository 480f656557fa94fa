package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/glossa/internal/app"
	"github.com/MrWong99/glossa/internal/config"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/resilience"
	"github.com/MrWong99/glossa/pkg/provider/llm"
	"github.com/MrWong99/glossa/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/glossa/pkg/provider/llm/openai"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/provider/stt/deepgram"
	"github.com/MrWong99/glossa/pkg/provider/stt/vosk"
	"github.com/MrWong99/glossa/pkg/provider/stt/whisper"
	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/provider/tts/coqui"
	"github.com/MrWong99/glossa/pkg/provider/tts/elevenlabs"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// These all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// openai talks to the API directly so organisation, timeout and the
	// limits of self-hosted models can be set.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if s := entry.OptionString("timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("openai: options.timeout: %w", err)
			}
			opts = append(opts, oallm.WithTimeout(d))
		}
		if maxOut := entry.OptionInt("max_output_tokens"); maxOut > 0 {
			opts = append(opts, oallm.WithLimits(llm.Limits{
				ContextWindow: entry.OptionInt("context_window"),
				MaxOutput:     maxOut,
			}))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if ms := entry.OptionInt("endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		return whisper.NewNative(modelPath)
	})

	// vosk loads one offline model per language.
	reg.RegisterSTT("vosk", func(entry config.ProviderEntry) (stt.Provider, error) {
		return vosk.New(entry.OptionStringMap("models"))
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoints(entry.BaseURL+"/v1/text-to-speech/%s/stream-input", entry.BaseURL+"/v1/voices"))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if rate := entry.OptionInt("output_sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates every provider chain named in cfg. A chain with
// fallbacks is wrapped in the matching resilience fallback so a failing
// backend is skipped while its circuit breaker is open.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	fb := resilience.FallbackConfig{Metrics: m}

	sttChain, sttNames, err := buildChain("stt", cfg.Providers.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	if len(sttChain) == 1 {
		ps.STT = sttChain[0]
	} else if len(sttChain) > 1 {
		f := resilience.NewSTTFallback(sttChain[0], sttNames[0], fb)
		for i := 1; i < len(sttChain); i++ {
			f.AddFallback(sttNames[i], sttChain[i])
		}
		ps.STT = f
	}

	ttsChain, ttsNames, err := buildChain("tts", cfg.Providers.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	if len(ttsChain) == 1 {
		ps.TTS = ttsChain[0]
	} else if len(ttsChain) > 1 {
		f := resilience.NewTTSFallback(ttsChain[0], ttsNames[0], fb)
		for i := 1; i < len(ttsChain); i++ {
			f.AddFallback(ttsNames[i], ttsChain[i])
		}
		ps.TTS = f
	}

	llmChain, llmNames, err := buildChain("llm", cfg.Providers.LLM, reg.CreateLLM)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		// Generation is optional; the server still runs scripted dialogues.
		slog.Warn("llm provider not available, dialogue generation disabled", "err", err)
		return ps, nil
	}
	if err != nil {
		return nil, err
	}
	if len(llmChain) == 1 {
		ps.LLM = llmChain[0]
	} else if len(llmChain) > 1 {
		f := resilience.NewLLMFallback(llmChain[0], llmNames[0], fb)
		for i := 1; i < len(llmChain); i++ {
			f.AddFallback(llmNames[i], llmChain[i])
		}
		ps.LLM = f
	}
	return ps, nil
}

// buildChain creates the primary provider and its fallbacks in order.
func buildChain[T any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (T, error)) ([]T, []string, error) {
	var (
		out   []T
		names []string
	)
	for _, e := range entry.Chain() {
		p, err := create(e)
		if err != nil {
			return nil, nil, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
		}
		name := e.Name
		if e.Model != "" {
			name += "/" + e.Model
		}
		out = append(out, p)
		names = append(names, name)
		slog.Info("provider created", "kind", kind, "name", name)
	}
	return out, names, nil
}
