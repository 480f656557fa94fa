package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glossa/internal/clock"
	"github.com/MrWong99/glossa/internal/config"
	"github.com/MrWong99/glossa/internal/generator"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/progress"
	"github.com/MrWong99/glossa/internal/script"
	"github.com/MrWong99/glossa/internal/speech"
	"github.com/MrWong99/glossa/pkg/types"
)

// ErrTooManySessions is returned by [SessionManager.Start] when the
// configured session limit is reached.
var ErrTooManySessions = errors.New("app: too many active sessions")

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("app: session not found")

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	LearnerID      string
	CharacterID    string
	DialogueID     string
	TargetLanguage string

	// Generated is true when the dialogue was drafted by the language model.
	Generated bool

	Phase     Phase
	StartedAt time.Time
}

// SessionManager runs practice sessions. Any number of learners may
// practise at once, up to the configured limit. All exported methods are
// safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*managed

	practice atomic.Pointer[config.PracticeConfig]

	// Dependencies injected at construction.
	providers *Providers
	scripts   script.Store
	recorder  progress.Recorder
	generator *generator.Generator
	voices    []types.VoiceProfile
	limit     int
	clock     clock.Clock
	log       *slog.Logger
	metrics   *observe.Metrics
}

type managed struct {
	session *Session
	info    SessionInfo
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Providers *Providers
	Scripts   script.Store

	// Recorder defaults to progress.Nop.
	Recorder progress.Recorder

	// Generator may be nil to disable generated dialogues.
	Generator *generator.Generator

	// Voices is the provider's voice catalogue.
	Voices []types.VoiceProfile

	Practice config.PracticeConfig

	// Limit caps concurrent sessions. Zero means unlimited.
	Limit int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		sessions:  make(map[string]*managed),
		providers: cfg.Providers,
		scripts:   cfg.Scripts,
		recorder:  cfg.Recorder,
		generator: cfg.Generator,
		voices:    cfg.Voices,
		limit:     cfg.Limit,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if sm.recorder == nil {
		sm.recorder = progress.Nop{}
	}
	if sm.clock == nil {
		sm.clock = clock.Real()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	sm.SetPractice(cfg.Practice)
	return sm
}

// SetPractice replaces the tuning used for sessions started from now on.
// Running sessions keep the settings they started with.
func (sm *SessionManager) SetPractice(p config.PracticeConfig) {
	p.Voices = maps.Clone(p.Voices)
	sm.practice.Store(&p)
}

// Practice returns the current tuning.
func (sm *SessionManager) Practice() config.PracticeConfig {
	return *sm.practice.Load()
}

// Start resolves the requested dialogue and begins the conversation. Events
// and synthesized audio go to out until the session is stopped.
func (sm *SessionManager) Start(ctx context.Context, req StartRequest, out Output) (*Session, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	sm.mu.Lock()
	if sm.limit > 0 && len(sm.sessions) >= sm.limit {
		sm.mu.Unlock()
		return nil, ErrTooManySessions
	}
	sm.mu.Unlock()

	d, generated, err := sm.resolveDialogue(ctx, req)
	if err != nil {
		return nil, err
	}

	practice := sm.Practice()
	id := uuid.NewString()
	log := sm.log.With("session", id)
	deps := sessionDeps{
		stt:             sm.providers.STT,
		speaker:         speech.New(sm.providers.TTS, speech.SinkFunc(out.Audio), speakerOptions(practice, sm.voices, log, sm.metrics)...),
		recorder:        sm.recorder,
		maxAlternatives: practice.MaxAlternatives,
		clock:           sm.clock,
		log:             log,
		metrics:         sm.metrics,
	}
	sess, err := newSession(id, req, d, out, deps)
	if err != nil {
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	sm.mu.Lock()
	if sm.limit > 0 && len(sm.sessions) >= sm.limit {
		sm.mu.Unlock()
		sess.Close()
		return nil, ErrTooManySessions
	}
	sm.sessions[id] = &managed{
		session: sess,
		info: SessionInfo{
			SessionID:      id,
			LearnerID:      req.LearnerID,
			CharacterID:    req.CharacterID,
			DialogueID:     d.ID,
			TargetLanguage: req.TargetLanguage,
			Generated:      generated,
			StartedAt:      time.Now().UTC(),
		},
	}
	sm.mu.Unlock()

	if err := sess.start(ctx); err != nil {
		sm.remove(id)
		sess.Close()
		return nil, fmt.Errorf("app: start session: %w", err)
	}
	sm.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("app: session started",
		"learner", req.LearnerID,
		"character", req.CharacterID,
		"dialogue", d.ID,
		"target", req.TargetLanguage,
		"generated", generated,
	)
	return sess, nil
}

// resolveDialogue loads the scripted dialogue and, when asked, replaces it
// with a generated one built around the same vocabulary.
func (sm *SessionManager) resolveDialogue(ctx context.Context, req StartRequest) (types.Dialogue, bool, error) {
	var (
		scripted types.Dialogue
		found    bool
	)
	if req.DialogueID != "" {
		d, err := sm.scripts.Dialogue(ctx, req.CharacterID, req.DialogueID)
		switch {
		case err == nil:
			scripted, found = d, true
		case errors.Is(err, script.ErrNotFound) && req.Generate:
		default:
			return types.Dialogue{}, false, fmt.Errorf("app: load dialogue %s/%s: %w", req.CharacterID, req.DialogueID, err)
		}
	}
	if !req.Generate {
		return scripted, false, nil
	}
	if sm.generator == nil {
		if found {
			sm.log.Warn("app: generation requested but disabled, using script", "dialogue", req.DialogueID)
			return scripted, false, nil
		}
		return types.Dialogue{}, false, errors.New("app: dialogue generation is disabled")
	}

	gen, err := sm.generator.Generate(ctx, generator.Request{
		CharacterID:    req.CharacterID,
		DialogueID:     req.DialogueID,
		TargetLanguage: req.TargetLanguage,
		MotherLanguage: req.MotherLanguage,
		RequiredWords:  requiredWords(scripted.Words, req.TargetLanguage),
		Preferences:    req.Preferences,
		Length:         generator.Complexity(strings.ToLower(req.Length)),
	})
	if err != nil {
		if found {
			sm.log.Warn("app: generation failed, using script", "dialogue", req.DialogueID, "err", err)
			return scripted, false, nil
		}
		return types.Dialogue{}, false, fmt.Errorf("app: generate dialogue: %w", err)
	}
	if found {
		// Scripted entries carry the mother-language forms the quiz displays.
		gen.Words = scripted.Words
		gen.Title = scripted.Title
	}
	return gen, true, nil
}

func requiredWords(entries []types.WordEntry, lang string) []string {
	var out []string
	for _, e := range entries {
		if w := strings.TrimSpace(e.Forms[lang]); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Get returns the session with the given id.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.session, nil
}

// List returns metadata about every active session, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		info := m.info
		info.Phase = m.session.Phase()
		out = append(out, info)
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Stop closes and forgets the session with the given id.
func (sm *SessionManager) Stop(id string) error {
	m := sm.remove(id)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	phase := m.session.Phase()
	m.session.Close()
	sm.metrics.ActiveSessions.Add(context.Background(), -1)
	sm.log.Info("app: session stopped", "session", id, "phase", phase)
	return nil
}

// StopAll closes every session.
func (sm *SessionManager) StopAll() {
	sm.mu.Lock()
	ids := slices.Collect(maps.Keys(sm.sessions))
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Go(func() { _ = sm.Stop(id) })
	}
	wg.Wait()
}

func (sm *SessionManager) remove(id string) *managed {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return nil
	}
	delete(sm.sessions, id)
	return m
}
