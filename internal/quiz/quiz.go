// Package quiz runs the vocabulary recall that follows a conversation.
//
// A [Session] shows one word at a time and listens for the answer in the
// target language with a fresh recognition session per question. A correct
// answer advances after a short pause, a wrong one re-asks the same word and
// a skip counts as wrong and advances. After the last word the [Result] is
// reported.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glossa/internal/clock"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/recognition"
	"github.com/MrWong99/glossa/internal/scorer"
	"github.com/MrWong99/glossa/internal/sequencer"
	"github.com/MrWong99/glossa/internal/speech"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// Pauses between answer feedback and the next question.
const (
	CorrectPause   = 1500 * time.Millisecond
	IncorrectPause = 1500 * time.Millisecond
	SkipPause      = time.Second
)

// MaxAlternatives is the number of ranked hypotheses requested per answer.
// Single words are often misheard, so the quiz asks for more than dialogue.
const MaxAlternatives = 10

var (
	// ErrNoWords is returned by New for an empty word list.
	ErrNoWords = errors.New("quiz: no words")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("quiz: closed")

	// ErrNotStarted is returned by operations before Start.
	ErrNotStarted = errors.New("quiz: not started")

	// ErrNotAsking is returned by Skip and Speak while no question is open.
	ErrNotAsking = errors.New("quiz: no question is open")
)

// Result is the outcome of a finished quiz.
type Result struct {
	DialogueID   string
	CorrectCount int
	Total        int
	Passed       bool
}

// NewResult computes the pass decision: at least 60% of the words correct.
func NewResult(correct, total int) Result {
	return Result{
		CorrectCount: correct,
		Total:        total,
		Passed:       total > 0 && correct*10 >= total*6,
	}
}

// ScorePercent is the share of correct answers, rounded down.
func (r Result) ScorePercent() int {
	if r.Total == 0 {
		return 0
	}
	return r.CorrectCount * 100 / r.Total
}

// Reporter receives the result of a finished quiz.
type Reporter interface {
	ReportQuiz(ctx context.Context, r Result) error
}

// ReporterFunc adapts a function to [Reporter].
type ReporterFunc func(ctx context.Context, r Result) error

// ReportQuiz calls f(ctx, r).
func (f ReporterFunc) ReportQuiz(ctx context.Context, r Result) error { return f(ctx, r) }

// State is the quiz state.
type State int

const (
	StateIdle State = iota
	StateAsking
	StateFeedback
	StateDone
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAsking:
		return "asking"
	case StateFeedback:
		return "feedback"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies what an [Event] reports.
type EventKind int

const (
	// EventQuestion reports a newly asked word.
	EventQuestion EventKind = iota
	// EventTranscript carries a hypothesis for the open question.
	EventTranscript
	// EventAnswer reports a judged, or skipped, answer.
	EventAnswer
	// EventResult is emitted once at the end.
	EventResult
	// EventFailure reports a terminal failure.
	EventFailure
)

// Event is a notification for the presentation layer.
type Event struct {
	Kind  EventKind
	Index int
	Total int

	// Word is the current question.
	Word types.QuizWord

	Transcript string
	IsFinal    bool

	Score   int
	Correct bool
	Skipped bool

	Result Result
	Err    error
}

// Listener receives quiz events on the session goroutine. It must not block
// and must not call Close.
type Listener interface {
	OnQuizEvent(Event)
}

// ListenerFunc adapts a function to [Listener].
type ListenerFunc func(Event)

// OnQuizEvent calls f(e).
func (f ListenerFunc) OnQuizEvent(e Event) { f(e) }

// Options configures a [Session].
type Options struct {
	DialogueID string

	// STT and Speaker are required.
	STT     stt.Provider
	Speaker *speech.Speaker

	Listener Listener
	Reporter Reporter
	Scorer   *scorer.Scorer
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *observe.Metrics
}

// Snapshot is a copy of the quiz state.
type Snapshot struct {
	State        State
	Index        int
	Total        int
	CorrectCount int
}

// Session is one quiz run. All methods are safe for concurrent use.
type Session struct {
	opts    Options
	words   []types.QuizWord
	scorer  *scorer.Scorer
	clock   clock.Clock
	log     *slog.Logger
	metrics *observe.Metrics

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

	// Owned by the session goroutine.
	ctx        context.Context
	cancel     context.CancelFunc
	state      State
	index      int
	correct    int
	processing bool
	epoch      uint64
	listenSeq  uint64
	pause      clock.Timer
	playback   *speech.Playback
}

// New returns an idle quiz over words.
func New(words []types.QuizWord, opts Options) (*Session, error) {
	if len(words) == 0 {
		return nil, ErrNoWords
	}
	if opts.STT == nil {
		return nil, errors.New("quiz: speech-to-text provider must not be nil")
	}
	if opts.Speaker == nil {
		return nil, errors.New("quiz: speaker must not be nil")
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
	if opts.Listener == nil {
		opts.Listener = ListenerFunc(func(Event) {})
	}
	return &Session{
		opts:    opts,
		words:   append([]types.QuizWord(nil), words...),
		scorer:  opts.Scorer,
		clock:   opts.Clock,
		log:     opts.Logger.With("component", "quiz", "dialogue", opts.DialogueID),
		metrics: opts.Metrics,
		inbox:   make(chan func(), 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		snap:    Snapshot{Total: len(words)},
	}, nil
}

// Start asks the first word.
func (q *Session) Start(ctx context.Context) error {
	q.lifeMu.Lock()
	defer q.lifeMu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return errors.New("quiz: already started")
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	go q.run()
	q.inbox <- func() { q.ask(0) }
	return nil
}

// SendAudio forwards learner audio to the open question's recognition
// session.
func (q *Session) SendAudio(chunk []byte) error {
	q.liveMu.Lock()
	sess := q.live
	q.liveMu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SendAudio(chunk); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		return fmt.Errorf("quiz: %w", err)
	}
	return nil
}

// Skip marks the current word wrong and moves on.
func (q *Session) Skip() error { return q.call(q.skip) }

// Speak plays the expected answer. Listening pauses during playback.
func (q *Session) Speak() error { return q.call(q.speak) }

// State returns a copy of the current state.
func (q *Session) State() Snapshot {
	q.snapMu.Lock()
	defer q.snapMu.Unlock()
	return q.snap
}

// Close stops listening and speech and cancels pending pauses. It is
// idempotent and blocks until the session goroutine has exited.
func (q *Session) Close() {
	q.lifeMu.Lock()
	if q.closed {
		q.lifeMu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	started := q.started
	q.lifeMu.Unlock()
	if !started {
		close(q.done)
		return
	}
	close(q.quit)
	<-q.done
}

func (q *Session) run() {
	defer close(q.done)
	for {
		select {
		case f := <-q.inbox:
			f()
			q.publish()
		case <-q.quit:
			q.epoch++
			q.stopListening()
			q.stopSpeaking()
			clock.Stop(q.pause)
			q.cancel()
			return
		}
	}
}

func (q *Session) call(f func() error) error {
	q.lifeMu.Lock()
	started, closed := q.started, q.closed
	q.lifeMu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !started:
		return ErrNotStarted
	}
	res := make(chan error, 1)
	select {
	case q.inbox <- func() { res <- f() }:
	case <-q.done:
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-q.done:
		return ErrClosed
	}
}

func (q *Session) post(epoch uint64, f func()) {
	select {
	case q.inbox <- func() {
		if epoch == q.epoch {
			f()
		}
	}:
	case <-q.done:
	}
}

func (q *Session) publish() {
	q.snapMu.Lock()
	q.snap = Snapshot{State: q.state, Index: q.index, Total: len(q.words), CorrectCount: q.correct}
	q.snapMu.Unlock()
}

func (q *Session) emit(e Event) {
	e.Index, e.Total = q.index, len(q.words)
	if q.index < len(q.words) {
		e.Word = q.words[q.index]
	}
	q.opts.Listener.OnQuizEvent(e)
}

func (q *Session) ask(i int) {
	if q.state == StateDone || q.state == StateFailed {
		return
	}
	if i >= len(q.words) {
		q.finish()
		return
	}
	q.epoch++
	q.index = i
	q.state = StateAsking
	q.processing = false
	q.emit(Event{Kind: EventQuestion})
	q.listen()
}

func (q *Session) listen() {
	q.stopListening()
	q.listenSeq++
	seq, epoch := q.listenSeq, q.epoch
	guard := func(f func()) func() {
		return func() {
			if seq == q.listenSeq {
				f()
			}
		}
	}

	w := q.words[q.index]
	sess, err := recognition.Open(q.ctx, recognition.Config{
		Provider:        q.opts.STT,
		Language:        speech.Locale(w.AnswerLanguage),
		MaxAlternatives: MaxAlternatives,
		Keywords:        []types.KeywordBoost{{Keyword: w.AnswerForm, Boost: 1}},
	}, recognition.Handlers{
		OnHypothesis: func(h recognition.Hypothesis) {
			q.post(epoch, guard(func() { q.onHypothesis(h) }))
		},
		OnTerminalFailure: func(err error) {
			q.post(epoch, guard(func() { q.fail(err) }))
		},
	},
		recognition.WithClock(q.clock),
		recognition.WithLogger(q.log),
		recognition.WithMetrics(q.metrics),
	)
	if err != nil {
		q.fail(err)
		return
	}
	q.liveMu.Lock()
	q.live = sess
	q.liveMu.Unlock()
}

func (q *Session) stopListening() {
	q.liveMu.Lock()
	sess := q.live
	q.live = nil
	q.liveMu.Unlock()
	q.listenSeq++
	if sess != nil {
		sess.Stop()
	}
}

func (q *Session) stopSpeaking() {
	if q.playback != nil {
		q.playback.Cancel()
		q.playback = nil
	}
}

func (q *Session) onHypothesis(h recognition.Hypothesis) {
	if q.state != StateAsking {
		return
	}
	q.emit(Event{Kind: EventTranscript, Transcript: h.Transcript(), IsFinal: h.IsFinal})
	if !h.IsFinal || q.processing {
		return
	}
	q.processing = true

	w := q.words[q.index]
	idx, res := q.scorer.BestOf(h.Texts(), w.AnswerForm, w.AnswerLanguage)
	heard := h.Transcript()
	if idx >= 0 {
		heard = h.Alternatives[idx].Text
	}
	outcome := "nomatch"
	if res.Passed() {
		outcome = "pass"
	}
	q.metrics.RecordMatch(q.ctx, w.AnswerLanguage, "quiz", res.ScorePercent, outcome)
	q.stopListening()
	q.state = StateFeedback
	q.emit(Event{Kind: EventAnswer, Transcript: heard, Score: res.ScorePercent, Correct: res.Passed()})

	if res.Passed() {
		q.correct++
		q.after(CorrectPause, func() { q.ask(q.index + 1) })
		return
	}
	q.after(IncorrectPause, func() { q.ask(q.index) })
}

func (q *Session) skip() error {
	if q.state != StateAsking {
		return ErrNotAsking
	}
	w := q.words[q.index]
	q.stopListening()
	q.stopSpeaking()
	q.state = StateFeedback
	q.metrics.RecordAttempt(q.ctx, w.AnswerLanguage, "skip")
	q.emit(Event{Kind: EventAnswer, Skipped: true})
	q.after(SkipPause, func() { q.ask(q.index + 1) })
	return nil
}

func (q *Session) speak() error {
	if q.state != StateAsking {
		return ErrNotAsking
	}
	w := q.words[q.index]
	q.stopListening()
	q.stopSpeaking()
	q.epoch++

	epoch := q.epoch
	resumed := false
	resume := func() {
		q.post(epoch, func() {
			if resumed || q.state != StateAsking {
				return
			}
			resumed = true
			clock.Stop(q.pause)
			q.listen()
		})
	}
	q.pause = q.clock.AfterFunc(sequencer.PlaybackDelay(w.AnswerForm), resume)
	q.playback = q.opts.Speaker.Speak(q.ctx, w.AnswerForm, w.AnswerLanguage, speech.Handlers{
		OnEnd: resume,
		OnError: func(err error) {
			if errors.Is(err, tts.ErrUnavailable) {
				q.post(epoch, func() { q.fail(err) })
				return
			}
			resume()
		},
	})
	return nil
}

func (q *Session) after(d time.Duration, f func()) {
	clock.Stop(q.pause)
	epoch := q.epoch
	q.pause = q.clock.AfterFunc(d, func() { q.post(epoch, f) })
}

func (q *Session) finish() {
	q.stopListening()
	q.stopSpeaking()
	q.state = StateDone
	q.index = len(q.words)

	r := NewResult(q.correct, len(q.words))
	r.DialogueID = q.opts.DialogueID
	q.metrics.RecordQuizResult(q.ctx, r.Passed)
	q.log.Info("quiz: finished", "correct", r.CorrectCount, "total", r.Total, "passed", r.Passed)
	if q.opts.Reporter != nil {
		if err := q.opts.Reporter.ReportQuiz(q.ctx, r); err != nil {
			q.log.Error("quiz: report result", "err", err)
		}
	}
	q.emit(Event{Kind: EventResult, Result: r})
}

func (q *Session) fail(err error) {
	if q.state == StateDone || q.state == StateFailed {
		return
	}
	q.epoch++
	q.stopListening()
	q.stopSpeaking()
	clock.Stop(q.pause)
	q.state = StateFailed
	q.metrics.RecordTerminalFailure(q.ctx, "quiz", "provider")
	observe.CaptureError(q.ctx, err, map[string]string{"component": "quiz", "dialogue": q.opts.DialogueID})
	q.log.Error("quiz: terminal failure", "err", err)
	q.emit(Event{Kind: EventFailure, Err: err})
}
