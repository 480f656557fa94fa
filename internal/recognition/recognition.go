// Package recognition owns the lifecycle of one continuous listening session
// against a speech-to-text provider.
//
// A [Session] keeps a single provider stream alive for the duration of one
// learner turn. When the provider ends the stream, reports no speech, or
// stays silent for [AttemptTimeout], the session reopens it after
// [RestartDelay]. Transient provider errors reopen after [ErrorRetryDelay].
// Anything else is a terminal failure reported once through
// [Handlers.OnTerminalFailure], after which the session is stopped.
//
// Every attempt belongs to a generation. Tearing an attempt down bumps the
// generation, so events and timers that belong to an older attempt are
// dropped instead of acting on the current one. After [Session.Stop] no
// handler fires again.
//
// A Session is never reused: callers open a fresh one per turn.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glossa/internal/clock"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
)

// Timing and retry limits.
const (
	// RestartDelay is the pause before reopening after a provider end.
	RestartDelay = 300 * time.Millisecond

	// ErrorRetryDelay is the pause before reopening after a transient error.
	ErrorRetryDelay = time.Second

	// StartRetryDelay is the pause before retrying a failed StartStream.
	StartRetryDelay = time.Second

	// AttemptTimeout bounds how long an attempt may run without a result.
	AttemptTimeout = 10 * time.Second

	// MaxRestarts is the default number of consecutive reopens without any
	// result before the session gives up.
	MaxRestarts = 3

	// DefaultMaxAlternatives is the number of ranked hypotheses requested
	// when Config.MaxAlternatives is zero.
	DefaultMaxAlternatives = 5

	// maxStartFailures is the number of consecutive failed StartStream calls
	// that ends the session.
	maxStartFailures = 2
)

// ErrRestartsExhausted is reported when the provider keeps ending its stream
// without producing a result.
var ErrRestartsExhausted = errors.New("recognition: restarts exhausted")

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle means no provider stream is open, either before the first
	// attempt is attached or while waiting to reopen.
	StateIdle State = iota

	// StateListening means a provider stream is open.
	StateListening

	// StateStopped is terminal.
	StateStopped
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Hypothesis is one recognition result forwarded to the caller.
type Hypothesis struct {
	// Alternatives are ranked best first and never empty.
	Alternatives []types.Alternative

	// IsFinal marks a result the provider will not revise.
	IsFinal bool
}

// Transcript returns the top-ranked text.
func (h Hypothesis) Transcript() string {
	if len(h.Alternatives) == 0 {
		return ""
	}
	return h.Alternatives[0].Text
}

// Confidence returns the confidence of the top-ranked text.
func (h Hypothesis) Confidence() float64 {
	if len(h.Alternatives) == 0 {
		return 0
	}
	return h.Alternatives[0].Confidence
}

// Texts returns the texts of all alternatives in rank order.
func (h Hypothesis) Texts() []string {
	out := make([]string, len(h.Alternatives))
	for i, a := range h.Alternatives {
		out[i] = a.Text
	}
	return out
}

// Handlers receives the output of a [Session]. Handlers are never called
// with the session's lock held, so they may call Stop. No delivery starts
// once the session is stopped, but a hypothesis already being delivered
// when Stop is called from another goroutine can still arrive after Stop
// returns. Callers needing a hard cut-off tag deliveries with their own
// sequence number.
type Handlers struct {
	// OnHypothesis is called for every partial and final result.
	OnHypothesis func(Hypothesis)

	// OnTerminalFailure is called at most once, when the session gives up.
	// The session is already stopped when it runs.
	OnTerminalFailure func(error)
}

// Config configures a [Session].
type Config struct {
	// Provider is the speech-to-text backend. Required.
	Provider stt.Provider

	// Language is the BCP-47 tag to recognise. Required.
	Language string

	// MaxAlternatives bounds the ranked hypotheses per result. Defaults to
	// DefaultMaxAlternatives if zero.
	MaxAlternatives int

	// SampleRate and Channels describe the audio passed to SendAudio.
	// Default to 16 kHz mono.
	SampleRate int
	Channels   int

	// Keywords are boosted by providers that support it.
	Keywords []types.KeywordBoost

	// MaxRestarts is the number of consecutive reopens without a result
	// before ErrRestartsExhausted is reported. Defaults to MaxRestarts.
	MaxRestarts int
}

// Option is a functional option for [Open].
type Option func(*Session)

// WithClock replaces the wall clock used for delays and timeouts.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one continuous listening lifecycle. All methods are safe for
// concurrent use.
type Session struct {
	cfg      Config
	handlers Handlers
	clock    clock.Clock
	log      *slog.Logger
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	gen           uint64
	handle        stt.SessionHandle
	retry         clock.Timer
	timeout       clock.Timer
	restarts      int
	startFailures int
}

// Open validates cfg and starts listening. It fails only for an invalid
// configuration or when the provider reports [stt.ErrUnavailable] on the
// first attempt; any other start failure is retried in the background.
func Open(ctx context.Context, cfg Config, h Handlers, opts ...Option) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("recognition: provider must not be nil")
	}
	if cfg.Language == "" {
		return nil, errors.New("recognition: language must not be empty")
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = DefaultMaxAlternatives
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = MaxRestarts
	}

	s := &Session{
		cfg:      cfg,
		handlers: h,
		clock:    clock.Real(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("component", "recognition", "language", cfg.Language)
	s.ctx, s.cancel = context.WithCancel(ctx)

	handle, err := cfg.Provider.StartStream(s.ctx, s.streamConfig())
	if err != nil && errors.Is(err, stt.ErrUnavailable) {
		s.cancel()
		return nil, fmt.Errorf("recognition: open: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.startFailures = 1
		s.log.Warn("recognition: start failed, retrying", "err", err, "delay", StartRetryDelay)
		s.scheduleLocked(StartRetryDelay)
		return s, nil
	}
	s.attachLocked(handle)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendAudio forwards a PCM chunk to the live attempt. Audio that arrives
// while the session is between attempts is dropped.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	h := s.handle
	stopped := s.state == StateStopped
	s.mu.Unlock()
	if stopped {
		return stt.ErrSessionClosed
	}
	if h == nil {
		return nil
	}
	if err := h.SendAudio(chunk); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		return fmt.Errorf("recognition: send audio: %w", err)
	}
	return nil
}

// Stop tears down the provider stream and cancels all pending reopens. It is
// idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	h := s.stopLocked()
	s.mu.Unlock()
	closeHandle(h)
	s.log.Debug("recognition: stopped")
}

func (s *Session) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:      s.cfg.SampleRate,
		Channels:        s.cfg.Channels,
		Language:        s.cfg.Language,
		MaxAlternatives: s.cfg.MaxAlternatives,
		Keywords:        s.cfg.Keywords,
	}
}

// attachLocked makes handle the live attempt of the current generation.
func (s *Session) attachLocked(h stt.SessionHandle) {
	s.handle = h
	s.state = StateListening
	s.startFailures = 0
	s.armTimeoutLocked()
	go s.pump(s.gen, h)
}

func (s *Session) armTimeoutLocked() {
	clock.Stop(s.timeout)
	gen := s.gen
	s.timeout = s.clock.AfterFunc(AttemptTimeout, func() {
		s.mu.Lock()
		if gen != s.gen || s.state == StateStopped {
			s.mu.Unlock()
			return
		}
		h, notify := s.restartLocked("timeout", RestartDelay)
		s.mu.Unlock()
		closeHandle(h)
		notify()
	})
}

// detachLocked ends the current attempt and returns its handle for closing
// outside the lock.
func (s *Session) detachLocked() stt.SessionHandle {
	s.gen++
	clock.Stop(s.timeout)
	clock.Stop(s.retry)
	s.timeout, s.retry = nil, nil
	h := s.handle
	s.handle = nil
	if s.state != StateStopped {
		s.state = StateIdle
	}
	return h
}

func (s *Session) stopLocked() stt.SessionHandle {
	h := s.detachLocked()
	s.state = StateStopped
	s.cancel()
	return h
}

// restartLocked tears down the current attempt and schedules a reopen, or
// fails the session once the restart budget is spent.
func (s *Session) restartLocked(reason string, delay time.Duration) (stt.SessionHandle, func()) {
	s.restarts++
	if s.restarts > s.cfg.MaxRestarts {
		return s.failLocked("restarts", fmt.Errorf("%w: %d reopens without a result (last: %s)", ErrRestartsExhausted, s.cfg.MaxRestarts, reason))
	}
	h := s.detachLocked()
	s.metrics.RecordRestart(s.ctx, s.cfg.Language, reason)
	s.log.Debug("recognition: reopening", "reason", reason, "delay", delay, "restart", s.restarts)
	s.scheduleLocked(delay)
	return h, noop
}

func (s *Session) scheduleLocked(delay time.Duration) {
	clock.Stop(s.retry)
	gen := s.gen
	s.retry = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		live := gen == s.gen && s.state != StateStopped
		s.mu.Unlock()
		if live {
			s.launch(gen)
		}
	})
}

// launch opens a new provider stream for generation gen.
func (s *Session) launch(gen uint64) {
	h, err := s.cfg.Provider.StartStream(s.ctx, s.streamConfig())

	s.mu.Lock()
	if gen != s.gen || s.state == StateStopped {
		s.mu.Unlock()
		closeHandle(h)
		return
	}
	if err != nil {
		stale, notify := s.startFailedLocked(err)
		s.mu.Unlock()
		closeHandle(stale)
		notify()
		return
	}
	s.attachLocked(h)
	s.mu.Unlock()
}

func (s *Session) startFailedLocked(err error) (stt.SessionHandle, func()) {
	s.startFailures++
	if errors.Is(err, stt.ErrUnavailable) {
		return s.failLocked("unavailable", fmt.Errorf("recognition: start: %w", err))
	}
	if s.startFailures >= maxStartFailures {
		return s.failLocked("start", fmt.Errorf("recognition: start failed %d times: %w", s.startFailures, err))
	}
	s.log.Warn("recognition: start failed, retrying", "err", err, "delay", StartRetryDelay)
	s.scheduleLocked(StartRetryDelay)
	return nil, noop
}

// failLocked stops the session and returns the handle to close together with
// the notification to run once the lock is released.
func (s *Session) failLocked(kind string, err error) (stt.SessionHandle, func()) {
	h := s.stopLocked()
	s.metrics.RecordTerminalFailure(context.Background(), "recognition", kind)
	s.log.Error("recognition: terminal failure", "kind", kind, "err", err)
	cb := s.handlers.OnTerminalFailure
	if cb == nil {
		return h, noop
	}
	return h, func() { cb(err) }
}

// pump delivers the events of one attempt until the provider closes the
// stream.
func (s *Session) pump(gen uint64, h stt.SessionHandle) {
	for ev := range h.Events() {
		s.deliver(gen, ev)
	}
	s.mu.Lock()
	if gen != s.gen || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	stale, notify := s.restartLocked("end", RestartDelay)
	s.mu.Unlock()
	closeHandle(stale)
	notify()
}

func (s *Session) deliver(gen uint64, ev stt.Event) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if ev.Err != nil {
		stale, notify := s.errorLocked(ev.Err)
		s.mu.Unlock()
		closeHandle(stale)
		notify()
		return
	}
	if len(ev.Transcript.Alternatives) == 0 {
		s.mu.Unlock()
		return
	}
	s.restarts = 0
	s.armTimeoutLocked()
	cb := s.handlers.OnHypothesis
	s.mu.Unlock()

	if cb == nil {
		return
	}
	alts := ev.Transcript.Alternatives
	if len(alts) > s.cfg.MaxAlternatives {
		alts = alts[:s.cfg.MaxAlternatives]
	}
	cb(Hypothesis{Alternatives: alts, IsFinal: ev.Transcript.IsFinal})
}

func (s *Session) errorLocked(err error) (stt.SessionHandle, func()) {
	kind := stt.KindOf(err)
	switch {
	case kind == stt.ErrorNoSpeech:
		return s.restartLocked(kind.String(), RestartDelay)
	case kind.Transient():
		s.log.Info("recognition: transient provider error", "kind", kind, "err", err)
		return s.restartLocked(kind.String(), ErrorRetryDelay)
	default:
		return s.failLocked(kind.String(), fmt.Errorf("recognition: provider: %w", err))
	}
}

func closeHandle(h stt.SessionHandle) {
	if h != nil {
		_ = h.Close()
	}
}

func noop() {}
