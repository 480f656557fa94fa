// Package sequencer walks a scripted conversation turn by turn.
//
// System turns are spoken through a [speech.Speaker]; the next turn is
// revealed when playback ends or the estimated speaking time has elapsed,
// whichever comes first. Learner turns open a fresh
// [recognition.Session] and every final hypothesis is scored. A score of
// [scorer.PassThreshold] or more completes the turn; anything less counts as
// an attempt, and after [OverrideAfter] attempts the manual override is
// offered.
//
// All state lives on a single goroutine. Public methods and provider
// callbacks post work to it, and every delayed callback carries the epoch it
// was scheduled in so that callbacks from a torn-down turn are dropped.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/glossa/internal/clock"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/recognition"
	"github.com/MrWong99/glossa/internal/scorer"
	"github.com/MrWong99/glossa/internal/speech"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
)

// OverrideAfter is the number of rejected attempts after which the manual
// override is offered.
const OverrideAfter = 3

// Playback delay bounds. The next turn is revealed after
// min(basePlaybackDelay + perCharDelay×len(phrase), maxPlaybackDelay) even
// if the speech provider never reports the end of playback.
const (
	basePlaybackDelay = 1500 * time.Millisecond
	perCharDelay      = 80 * time.Millisecond
	maxPlaybackDelay  = 10 * time.Second
)

// PlaybackDelay returns the estimated time it takes to speak phrase.
func PlaybackDelay(phrase string) time.Duration {
	d := basePlaybackDelay + time.Duration(len([]rune(phrase)))*perCharDelay
	return min(d, maxPlaybackDelay)
}

var (
	// ErrEmptyTurnSource is returned when a dialogue has no turns.
	ErrEmptyTurnSource = errors.New("sequencer: dialogue has no turns")

	// ErrFirstTurnNotSystem is returned when the first turn is a learner turn.
	ErrFirstTurnNotSystem = errors.New("sequencer: first turn must be a system turn")

	// ErrDuplicateStep is returned when two turns share a step index.
	ErrDuplicateStep = errors.New("sequencer: duplicate step index")

	// ErrMissingPhrase is returned when a turn has no phrase in the target
	// language.
	ErrMissingPhrase = errors.New("sequencer: turn has no phrase in target language")

	// ErrClosed is returned by operations on a closed sequencer.
	ErrClosed = errors.New("sequencer: closed")

	// ErrNotStarted is returned by operations before Start.
	ErrNotStarted = errors.New("sequencer: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("sequencer: already started")

	// ErrNotListening is returned by ManualAccept when no learner turn is
	// open.
	ErrNotListening = errors.New("sequencer: no learner turn is open")

	// ErrInvalidRecord is returned by Rewind for an index that does not name
	// a completed record.
	ErrInvalidRecord = errors.New("sequencer: invalid rewind target")

	// ErrFinished is returned by operations after completion or failure.
	ErrFinished = errors.New("sequencer: conversation finished")

	// ErrNothingToReplay is returned by Replay when no system turn has been
	// spoken yet.
	ErrNothingToReplay = errors.New("sequencer: nothing to replay")
)

// State is the conversation state.
type State int

const (
	// StateIdle is the state before Start.
	StateIdle State = iota

	// StateAwaitingSystemPlayback means a system phrase is being spoken.
	StateAwaitingSystemPlayback

	// StateAwaitingLearnerSpeech means a learner turn is open and listened to.
	StateAwaitingLearnerSpeech

	// StateEvaluating means a final hypothesis is being judged.
	StateEvaluating

	// StateComplete is terminal and hands over to the quiz.
	StateComplete

	// StateFailed is terminal after a provider failure.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingSystemPlayback:
		return "awaiting_system_playback"
	case StateAwaitingLearnerSpeech:
		return "awaiting_learner_speech"
	case StateEvaluating:
		return "evaluating"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a [Sequencer].
type Options struct {
	// DialogueID and CharacterID identify the conversation. DialogueID is
	// handed to the quiz on completion.
	DialogueID  string
	CharacterID string

	// TargetLanguage is the language the learner practises, as used for
	// phrase keys (e.g. "ru", "CH"). Required.
	TargetLanguage string

	// LastStep, when positive, completes the conversation once the turn
	// with this step index is done.
	LastStep int

	// STT opens recognition sessions. Required.
	STT stt.Provider

	// Speaker speaks system turns. Required.
	Speaker *speech.Speaker

	// Listener receives events. May be nil.
	Listener Listener

	// Scorer judges hypotheses. Defaults to scorer.New().
	Scorer *scorer.Scorer

	// MaxAlternatives bounds the hypotheses requested per result. Defaults
	// to recognition.DefaultMaxAlternatives.
	MaxAlternatives int

	// Clock drives playback delays and recognition timers. Defaults to the
	// wall clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Snapshot is a consistent copy of the conversation state.
type Snapshot struct {
	State State

	// Step is the StepIndex of the current turn, or -1 past the end.
	Step int

	History           []types.TurnRecord
	Attempts          int
	OverrideAvailable bool
}

// Sequencer drives one conversation. Create it with [New], then call
// [Sequencer.Start]. All methods are safe for concurrent use.
type Sequencer struct {
	opts     Options
	turns    []types.Turn
	listener Listener
	scorer   *scorer.Scorer
	clock    clock.Clock
	log      *slog.Logger
	metrics  *observe.Metrics

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}

	lifeMu  sync.Mutex
	started bool
	closed  bool

	liveMu sync.Mutex
	live   *recognition.Session

	snapMu sync.Mutex
	snap   Snapshot

	// Owned by the loop goroutine.
	ctx         context.Context
	cancel      context.CancelFunc
	state       State
	pos         int
	history     []types.TurnRecord
	attempts    int
	processing  bool
	epoch       uint64
	listenSeq   uint64
	speakSeq    uint64
	playback    *speech.Playback
	revealTimer clock.Timer
	reveal      func()
}

// New validates turns and returns an idle Sequencer. Turns are ordered by
// StepIndex; the first one must be a system turn.
func New(turns []types.Turn, opts Options) (*Sequencer, error) {
	if opts.TargetLanguage == "" {
		return nil, errors.New("sequencer: target language must not be empty")
	}
	ordered, err := Validate(turns, opts.TargetLanguage)
	if err != nil {
		return nil, err
	}
	if opts.STT == nil {
		return nil, errors.New("sequencer: speech-to-text provider must not be nil")
	}
	if opts.Speaker == nil {
		return nil, errors.New("sequencer: speaker must not be nil")
	}
	if opts.Scorer == nil {
		opts.Scorer = scorer.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	s := &Sequencer{
		opts:     opts,
		turns:    ordered,
		listener: opts.Listener,
		scorer:   opts.Scorer,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "sequencer", "dialogue", opts.DialogueID, "language", opts.TargetLanguage),
		metrics:  opts.Metrics,
		inbox:    make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.listener == nil {
		s.listener = ListenerFunc(func(Event) {})
	}
	s.snap = Snapshot{State: StateIdle, Step: ordered[0].StepIndex}
	return s, nil
}

// Validate checks turns the way [New] does and returns them ordered by
// StepIndex. lang may be empty to skip the phrase check.
func Validate(turns []types.Turn, lang string) ([]types.Turn, error) {
	if len(turns) == 0 {
		return nil, ErrEmptyTurnSource
	}
	ordered := make([]types.Turn, len(turns))
	copy(ordered, turns)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StepIndex < ordered[j].StepIndex })

	var errs []error
	if ordered[0].Speaker != types.SpeakerSystem {
		errs = append(errs, ErrFirstTurnNotSystem)
	}
	for i, t := range ordered {
		if i > 0 && ordered[i-1].StepIndex == t.StepIndex {
			errs = append(errs, fmt.Errorf("%w: %d", ErrDuplicateStep, t.StepIndex))
		}
		if lang != "" && spokenText(t, lang) == "" {
			errs = append(errs, fmt.Errorf("%w: step %d (%s)", ErrMissingPhrase, t.StepIndex, lang))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ordered, nil
}

// spokenText is what is said for t: the phrase of a system turn, the
// expected answer of a learner turn.
func spokenText(t types.Turn, lang string) string {
	if t.Speaker == types.SpeakerSystem {
		return t.PhraseIn(lang)
	}
	return t.ExpectedIn(lang, true)
}

// Start enters the first turn. The sequencer runs until it completes, fails
// or is closed; ctx bounds provider calls.
func (s *Sequencer) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	s.inbox <- func() { s.enter(0) }
	return nil
}

// SendAudio forwards learner audio to the open recognition session. Audio
// that arrives while no learner turn is open is dropped.
func (s *Sequencer) SendAudio(chunk []byte) error {
	s.liveMu.Lock()
	sess := s.live
	s.liveMu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SendAudio(chunk); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		return fmt.Errorf("sequencer: %w", err)
	}
	return nil
}

// ManualAccept completes the open learner turn as if its phrase had been
// spoken perfectly.
func (s *Sequencer) ManualAccept() error {
	return s.call(s.manualAccept)
}

// Rewind truncates the history to the record at index and plays the
// conversation on from there. A system record is spoken again and the turn
// after it reopened; a learner record is reopened for a new attempt.
func (s *Sequencer) Rewind(index int) error {
	return s.call(func() error { return s.rewind(index) })
}

// Replay speaks the current or most recent system phrase again. Listening
// pauses during playback and resumes afterwards with the attempt count
// unchanged.
func (s *Sequencer) Replay() error {
	return s.call(s.replay)
}

// Snapshot returns a copy of the current state. It never blocks on the
// sequencer goroutine and may be called from a Listener.
func (s *Sequencer) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	out := s.snap
	out.History = append([]types.TurnRecord(nil), s.snap.History...)
	return out
}

// Close stops listening, cancels speech and invalidates all pending timers.
// It blocks until the sequencer goroutine has exited and is idempotent.
func (s *Sequencer) Close() {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	started := s.started
	s.lifeMu.Unlock()

	if !started {
		close(s.done)
		return
	}
	close(s.quit)
	<-s.done
}

// Done is closed once the sequencer has been closed.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

func (s *Sequencer) run() {
	defer close(s.done)
	for {
		select {
		case f := <-s.inbox:
			f()
			s.publish()
		case <-s.quit:
			s.shutdown()
			s.publish()
			return
		}
	}
}

// call runs f on the sequencer goroutine and returns its result.
func (s *Sequencer) call(f func() error) error {
	s.lifeMu.Lock()
	started, closed := s.started, s.closed
	s.lifeMu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !started:
		return ErrNotStarted
	}

	res := make(chan error, 1)
	select {
	case s.inbox <- func() { res <- f() }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// post schedules f on the sequencer goroutine unless the epoch has moved on
// by the time it runs.
func (s *Sequencer) post(epoch uint64, f func()) {
	select {
	case s.inbox <- func() {
		if epoch == s.epoch {
			f()
		}
	}:
	case <-s.done:
	}
}

func (s *Sequencer) publish() {
	snap := Snapshot{
		State:             s.state,
		Step:              -1,
		History:           append([]types.TurnRecord(nil), s.history...),
		Attempts:          s.attempts,
		OverrideAvailable: s.attempts >= OverrideAfter,
	}
	if s.pos < len(s.turns) {
		snap.Step = s.turns[s.pos].StepIndex
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *Sequencer) emit(e Event) {
	if s.pos < len(s.turns) {
		e.Step = s.turns[s.pos].StepIndex
		e.Speaker = s.turns[s.pos].Speaker
	} else {
		e.Step = -1
	}
	s.listener.OnEvent(e)
}
