// Package app wires the glossa subsystems into a running practice service.
//
// The App struct owns the full lifecycle: New opens the script and progress
// stores and prepares the dialogue generator, the [SessionManager] runs
// learner sessions on top of them, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithScriptStore,
// WithRecorder, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/glossa/internal/clock"
	"github.com/MrWong99/glossa/internal/config"
	"github.com/MrWong99/glossa/internal/generator"
	"github.com/MrWong99/glossa/internal/health"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/progress"
	"github.com/MrWong99/glossa/internal/script"
	"github.com/MrWong99/glossa/internal/speech"
	"github.com/MrWong99/glossa/pkg/provider/llm"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// Providers holds one interface value per provider slot. LLM may be nil, in
// which case dialogue generation is unavailable. Populated by main.go via
// the config registry.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	clock     clock.Clock
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	pool      *pgxpool.Pool
	scripts   script.Store
	files     *script.MemStore
	recorder  progress.Recorder
	generator *generator.Generator
	voices    []types.VoiceProfile
	sessions  *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithScriptStore injects a dialogue store instead of opening the configured
// script directory and database.
func WithScriptStore(s script.Store) Option {
	return func(a *App) { a.scripts = s }
}

// WithRecorder injects a progress recorder instead of the configured backend.
func WithRecorder(r progress.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithGenerator injects a dialogue generator instead of building one on
// Providers.LLM.
func WithGenerator(g *generator.Generator) Option {
	return func(a *App) { a.generator = g }
}

// WithClock sets the clock handed to sequencers and quizzes.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles for any
// subsystem.
//
// New performs all initialisation synchronously: script loading, database
// connection and migration, progress backend selection and voice discovery.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: speech-to-text and text-to-speech providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		clock:     clock.Real(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initScripts(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init scripts: %w", err)
	}
	if err := a.initProgress(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init progress: %w", err)
	}
	a.initGenerator()
	a.initVoices(ctx)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Providers: providers,
		Scripts:   a.scripts,
		Recorder:  a.recorder,
		Generator: a.generator,
		Voices:    a.voices,
		Practice:  cfg.Practice,
		Limit:     cfg.Server.MaxSessions,
		Clock:     a.clock,
		Logger:    a.log,
		Metrics:   a.metrics,
	})
	return a, nil
}

// postgres returns the shared connection pool, opening it on first use.
func (a *App) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := pgxpool.New(ctx, a.cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	return pool, nil
}

// initScripts layers the script directory over the database. A dialogue in
// a file wins over one with the same key in PostgreSQL.
func (a *App) initScripts(ctx context.Context) error {
	if a.scripts != nil {
		return nil
	}
	st := a.cfg.Storage
	var chain script.Chain

	if st.ScriptDir != "" {
		a.files = script.NewMemStore()
		if st.WatchScripts {
			w, err := script.NewWatcher(st.ScriptDir, a.files,
				script.WithWatcherLogger(a.log),
				script.WithReloadHook(func(path string, n int) {
					a.log.Info("app: script reloaded", "path", path, "dialogues", n)
				}),
			)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { w.Stop(); return nil })
		} else {
			n, err := a.files.LoadDir(st.ScriptDir)
			if err != nil {
				// Broken files are skipped; the rest still serve.
				a.log.Warn("app: some scripts failed to load", "dir", st.ScriptDir, "err", err)
			}
			a.log.Info("app: scripts loaded", "dir", st.ScriptDir, "dialogues", n)
		}
		chain = append(chain, a.files)
	}

	if st.PostgresDSN != "" {
		pool, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		db := script.NewPostgresStore(pool)
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		chain = append(chain, db)
	}

	if len(chain) == 0 {
		return errors.New("no script source configured")
	}
	if len(chain) == 1 {
		a.scripts = chain[0]
	} else {
		a.scripts = chain
	}
	return nil
}

// initProgress opens the configured progress backend.
func (a *App) initProgress(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}
	pc := a.cfg.Storage.Progress
	switch pc.Backend {
	case config.ProgressFile, "":
		a.recorder = progress.NewFileRecorder(pc.Path)
	case config.ProgressSQLite:
		rec, err := progress.OpenSQLite(pc.Path)
		if err != nil {
			return err
		}
		a.recorder = rec
		a.closers = append(a.closers, rec.Close)
	case config.ProgressPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		rec := progress.NewPostgresRecorder(pool)
		if err := rec.Migrate(ctx); err != nil {
			return err
		}
		a.recorder = rec
	case config.ProgressNone:
		a.recorder = progress.Nop{}
	default:
		return fmt.Errorf("unknown progress backend %q", pc.Backend)
	}
	a.log.Info("app: progress backend ready", "backend", string(pc.Backend))
	return nil
}

func (a *App) initGenerator() {
	if a.generator != nil {
		return
	}
	perMinute := a.cfg.Practice.GenerateRequestsPerMinute
	if a.providers.LLM == nil || perMinute < 0 {
		a.log.Info("app: dialogue generation disabled")
		return
	}
	a.generator = generator.New(a.providers.LLM,
		generator.WithRequestsPerMinute(perMinute),
		generator.WithLogger(a.log),
		generator.WithMetrics(a.metrics),
	)
}

// initVoices fetches the provider's voice catalogue once. Sessions fall back
// to it when practice.voices does not name a voice for their language.
func (a *App) initVoices(ctx context.Context) {
	voices, err := a.providers.TTS.ListVoices(ctx)
	if err != nil {
		a.log.Warn("app: list voices failed, using provider default voice", "err", err)
		return
	}
	a.voices = voices
	a.log.Info("app: voices loaded", "count", len(voices))
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Scripts returns the dialogue store.
func (a *App) Scripts() script.Store { return a.scripts }

// Recorder returns the progress recorder.
func (a *App) Recorder() progress.Recorder { return a.recorder }

// ApplyPractice makes p the tuning for sessions started from now on.
func (a *App) ApplyPractice(p config.PracticeConfig) {
	a.sessions.SetPractice(p)
	a.log.Info("app: practice settings applied",
		"max_alternatives", p.MaxAlternatives,
		"speech_rate", p.SpeechRate,
		"voices", len(p.Voices),
	)
}

// HealthCheckers returns readiness checks for every dependency New opened.
func (a *App) HealthCheckers() []health.Checker {
	var checks []health.Checker
	for _, p := range []struct {
		name string
		v    any
	}{
		{"stt", a.providers.STT},
		{"tts", a.providers.TTS},
		{"llm", a.providers.LLM},
	} {
		if g, ok := p.v.(health.ProviderGroup); ok {
			checks = append(checks, health.Providers(p.name, g))
		}
	}
	if a.pool != nil {
		checks = append(checks, health.Ping("postgres", a.pool))
	}
	if a.files != nil {
		checks = append(checks, health.NonEmpty("scripts", a.files.Len))
	}
	return checks
}

// Shutdown closes every session, then tears down all subsystems in reverse
// init order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.sessions.StopAll()

		for i, closer := range slices.Backward(a.closers) {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected by a failed New.
func (a *App) closeAll() {
	for _, closer := range slices.Backward(a.closers) {
		_ = closer()
	}
	a.closers = nil
}

// speakerOptions builds the per-session speech options from the current
// practice tuning.
func speakerOptions(p config.PracticeConfig, catalogue []types.VoiceProfile, log *slog.Logger, m *observe.Metrics) []speech.Option {
	opts := []speech.Option{speech.WithLogger(log), speech.WithMetrics(m)}
	if p.SpeechRate > 0 {
		opts = append(opts, speech.WithRate(p.SpeechRate))
	}
	voices := slices.Clone(catalogue)
	for lang, id := range p.Voices {
		// Configured voices go first so they win over the catalogue.
		voices = slices.Insert(voices, 0, types.VoiceProfile{ID: id, Language: speech.Locale(lang)})
	}
	if len(voices) > 0 {
		opts = append(opts, speech.WithVoices(voices))
	}
	return opts
}
