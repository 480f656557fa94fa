package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/glossa/internal/clock"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/progress"
	"github.com/MrWong99/glossa/internal/quiz"
	"github.com/MrWong99/glossa/internal/sequencer"
	"github.com/MrWong99/glossa/internal/speech"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
)

// Phase is the part of a practice session the learner is in.
type Phase string

const (
	PhaseConversation Phase = "conversation"
	PhaseQuiz         Phase = "quiz"
	PhaseDone         Phase = "done"
)

// ErrWrongPhase is returned when a command does not apply to the current
// phase, e.g. skipping a quiz word during the conversation.
var ErrWrongPhase = errors.New("app: command not valid in this phase")

// Output receives everything a session produces for its learner. Both
// methods are called from session goroutines and must not block.
type Output interface {
	// Send delivers an event.
	Send(e Event) error

	// Audio delivers synthesized speech as 16-bit PCM in the provider's
	// output format.
	Audio(chunk []byte) error
}

// Event types sent to the learner.
const (
	EventStarted      = "started"
	EventStep         = "step"
	EventTranscript   = "transcript"
	EventMatch        = "match"
	EventOverride     = "override"
	EventComplete     = "complete"
	EventQuizQuestion = "quiz_question"
	EventQuizAnswer   = "quiz_answer"
	EventQuizResult   = "quiz_result"
	EventError        = "error"
)

// Event is the JSON message sent to the learner. Only the fields relevant
// to Type are set.
type Event struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	DialogueID string `json:"dialogue_id,omitempty"`
	Title      string `json:"title,omitempty"`

	// Step events.
	Step            *int   `json:"step,omitempty"`
	Record          *int   `json:"record,omitempty"`
	Speaker         string `json:"speaker,omitempty"`
	Phrase          string `json:"phrase,omitempty"`
	Transliteration string `json:"transliteration,omitempty"`
	Translation     string `json:"translation,omitempty"`

	// Recognition and scoring.
	Transcript    string   `json:"transcript,omitempty"`
	Confidence    float64  `json:"confidence,omitempty"`
	Final         bool     `json:"final,omitempty"`
	Score         *int     `json:"score,omitempty"`
	MatchedTokens []string `json:"matched_tokens,omitempty"`
	Attempts      int      `json:"attempts,omitempty"`
	Override      bool     `json:"override_available,omitempty"`

	// Quiz.
	Index        *int   `json:"index,omitempty"`
	Total        int    `json:"total,omitempty"`
	Display      string `json:"display,omitempty"`
	Correct      bool   `json:"correct,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	CorrectCount int    `json:"correct_count,omitempty"`
	Passed       bool   `json:"passed,omitempty"`

	Error string `json:"error,omitempty"`
}

func intp(v int) *int { return &v }

// StartRequest selects the dialogue a learner practises.
type StartRequest struct {
	LearnerID      string `json:"learner_id"`
	CharacterID    string `json:"character_id"`
	DialogueID     string `json:"dialogue_id"`
	TargetLanguage string `json:"target_language"`
	MotherLanguage string `json:"mother_language"`

	// Generate asks the language model for a fresh dialogue around the
	// scripted one's vocabulary. The scripted dialogue is used when
	// generation is unavailable or fails.
	Generate    bool   `json:"generate,omitempty"`
	Preferences string `json:"preferences,omitempty"`
	Length      string `json:"length,omitempty"`
}

func (r StartRequest) validate() error {
	var errs []error
	if r.LearnerID == "" {
		errs = append(errs, errors.New("learner_id is required"))
	}
	if r.CharacterID == "" {
		errs = append(errs, errors.New("character_id is required"))
	}
	if r.DialogueID == "" && !r.Generate {
		errs = append(errs, errors.New("dialogue_id is required"))
	}
	if r.TargetLanguage == "" {
		errs = append(errs, errors.New("target_language is required"))
	}
	if r.MotherLanguage == "" {
		errs = append(errs, errors.New("mother_language is required"))
	}
	return errors.Join(errs...)
}

// sessionDeps are the collaborators a Session needs from its manager.
type sessionDeps struct {
	stt             stt.Provider
	speaker         *speech.Speaker
	recorder        progress.Recorder
	maxAlternatives int
	clock           clock.Clock
	log             *slog.Logger
	metrics         *observe.Metrics
}

// Session is one learner practising one dialogue: the conversation first,
// then the vocabulary quiz, then the recorded result. All exported methods
// are safe for concurrent use.
type Session struct {
	id       string
	req      StartRequest
	dialogue types.Dialogue
	turns    map[int]types.Turn
	out      Output
	deps     sessionDeps
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	mu     sync.Mutex
	phase  Phase
	seq    *sequencer.Sequencer
	quiz   *quiz.Session
	closed bool
}

func newSession(id string, req StartRequest, d types.Dialogue, out Output, deps sessionDeps) (*Session, error) {
	s := &Session{
		id:       id,
		req:      req,
		dialogue: d,
		turns:    make(map[int]types.Turn, len(d.Turns)),
		out:      out,
		deps:     deps,
		log:      deps.log.With("session", id, "learner", req.LearnerID, "dialogue", d.ID),
		phase:    PhaseConversation,
	}
	for _, t := range d.Turns {
		s.turns[t.StepIndex] = t
	}
	seq, err := sequencer.New(d.Turns, sequencer.Options{
		DialogueID:      d.ID,
		CharacterID:     d.CharacterID,
		TargetLanguage:  req.TargetLanguage,
		LastStep:        d.LastStep,
		STT:             deps.stt,
		Speaker:         deps.speaker,
		Listener:        sequencer.ListenerFunc(s.onConversation),
		MaxAlternatives: deps.maxAlternatives,
		Clock:           deps.clock,
		Logger:          deps.log,
		Metrics:         deps.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.seq = seq
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Dialogue returns the dialogue being practised.
func (s *Session) Dialogue() types.Dialogue { return s.dialogue }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) start(ctx context.Context) error {
	ctx = observe.WithSession(context.WithoutCancel(ctx), s.id, s.req.LearnerID)
	ctx, s.span = observe.StartSpan(ctx, "app.session",
		trace.WithNewRoot(),
		trace.WithAttributes(
			observe.AttrSession.String(s.id),
			observe.AttrLearner.String(s.req.LearnerID),
			observe.AttrDialogue.String(s.dialogue.ID),
			observe.AttrLanguage.String(s.req.TargetLanguage),
		),
	)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.send(Event{Type: EventStarted, DialogueID: s.dialogue.ID, Title: s.dialogue.Title, Total: len(s.dialogue.Turns)})
	return s.seq.Start(s.ctx)
}

// SendAudio forwards 16 kHz mono PCM to whichever phase is listening.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	phase, seq, q := s.phase, s.seq, s.quiz
	s.mu.Unlock()
	switch phase {
	case PhaseConversation:
		return seq.SendAudio(chunk)
	case PhaseQuiz:
		if q != nil {
			return q.SendAudio(chunk)
		}
	}
	return nil
}

// Accept completes the open learner turn without a match.
func (s *Session) Accept() error {
	seq, err := s.conversation()
	if err != nil {
		return err
	}
	return seq.ManualAccept()
}

// Rewind restarts the conversation from the history record at index.
func (s *Session) Rewind(index int) error {
	seq, err := s.conversation()
	if err != nil {
		return err
	}
	return seq.Rewind(index)
}

// Replay speaks the latest system phrase again.
func (s *Session) Replay() error {
	seq, err := s.conversation()
	if err != nil {
		return err
	}
	return seq.Replay()
}

// QuizSpeak plays the expected answer of the open quiz word.
func (s *Session) QuizSpeak() error {
	q, err := s.quizSession()
	if err != nil {
		return err
	}
	return q.Speak()
}

// QuizSkip marks the open quiz word wrong and moves on.
func (s *Session) QuizSkip() error {
	q, err := s.quizSession()
	if err != nil {
		return err
	}
	return q.Skip()
}

func (s *Session) conversation() (*sequencer.Sequencer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseConversation {
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, s.phase)
	}
	return s.seq, nil
}

func (s *Session) quizSession() (*quiz.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseQuiz || s.quiz == nil {
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, s.phase)
	}
	return s.quiz, nil
}

// Close stops the session. It blocks until the conversation and quiz
// goroutines have exited and is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.phase = PhaseDone
	seq, q := s.seq, s.quiz
	s.mu.Unlock()

	seq.Close()
	if q != nil {
		q.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.span != nil {
		s.span.End()
	}
	s.log.Debug("app: session closed")
}

func (s *Session) send(e Event) {
	e.SessionID = s.id
	if err := s.out.Send(e); err != nil {
		s.log.Debug("app: dropping event", "type", e.Type, "err", err)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.phase = PhaseDone
	s.mu.Unlock()
	s.send(Event{Type: EventError, DialogueID: s.dialogue.ID, Error: err.Error()})
}

// onConversation runs on the sequencer goroutine.
func (s *Session) onConversation(e sequencer.Event) {
	switch e.Kind {
	case sequencer.EventStep:
		t := s.turns[e.Step]
		lang := s.req.TargetLanguage
		s.send(Event{
			Type:            EventStep,
			DialogueID:      s.dialogue.ID,
			Step:            intp(e.Step),
			Record:          intp(e.Record),
			Speaker:         e.Speaker.String(),
			Phrase:          t.PhraseIn(lang),
			Transliteration: t.Transliteration[lang],
			Translation:     t.Translation[s.req.MotherLanguage],
		})
	case sequencer.EventTranscript:
		s.send(Event{
			Type:       EventTranscript,
			Step:       intp(e.Step),
			Transcript: e.Transcript,
			Confidence: e.Confidence,
			Final:      e.IsFinal,
		})
	case sequencer.EventMatch:
		s.send(Event{
			Type:          EventMatch,
			Step:          intp(e.Step),
			Transcript:    e.Transcript,
			Score:         intp(e.Score),
			MatchedTokens: e.MatchedTokens,
		})
	case sequencer.EventAttempts:
		s.send(Event{
			Type:     EventOverride,
			Step:     intp(e.Step),
			Attempts: e.Attempts,
			Override: e.OverrideAvailable,
		})
	case sequencer.EventComplete:
		s.send(Event{Type: EventComplete, DialogueID: e.DialogueID})
		// Closing the sequencer waits for this goroutine.
		go s.enterQuiz()
	case sequencer.EventFailure:
		s.fail(e.Err)
	}
}

// enterQuiz swaps the finished conversation for the vocabulary quiz.
func (s *Session) enterQuiz() {
	s.mu.Lock()
	if s.closed || s.phase != PhaseConversation {
		s.mu.Unlock()
		return
	}
	seq := s.seq
	s.mu.Unlock()
	seq.Close()

	words := types.QuizWords(s.dialogue.Words, s.req.MotherLanguage, s.req.TargetLanguage)
	if len(words) == 0 {
		// An empty quiz records no progress.
		s.log.Warn("app: dialogue has no quiz words", "dialogue", s.dialogue.ID,
			"mother", s.req.MotherLanguage, "target", s.req.TargetLanguage)
		s.fail(quiz.ErrNoWords)
		return
	}

	q, err := quiz.New(words, quiz.Options{
		DialogueID: s.dialogue.ID,
		STT:        s.deps.stt,
		Speaker:    s.deps.speaker,
		Listener:   quiz.ListenerFunc(s.onQuiz),
		Reporter:   progress.QuizReporter(s.deps.recorder, s.req.LearnerID, s.req.CharacterID, s.req.TargetLanguage),
		Clock:      s.deps.clock,
		Logger:     s.deps.log,
		Metrics:    s.deps.metrics,
	})
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.quiz = q
	s.phase = PhaseQuiz
	s.mu.Unlock()

	if err := q.Start(s.ctx); err != nil {
		if errors.Is(err, quiz.ErrClosed) {
			return
		}
		observe.CaptureError(s.ctx, err, map[string]string{"component": "app", "session": s.id})
		s.fail(err)
		return
	}
	s.log.Info("app: quiz started", "words", len(words))
}

// onQuiz runs on the quiz goroutine.
func (s *Session) onQuiz(e quiz.Event) {
	switch e.Kind {
	case quiz.EventQuestion:
		s.send(Event{
			Type:    EventQuizQuestion,
			Index:   intp(e.Index),
			Total:   e.Total,
			Display: e.Word.DisplayForm,
		})
	case quiz.EventTranscript:
		s.send(Event{
			Type:       EventTranscript,
			Index:      intp(e.Index),
			Transcript: e.Transcript,
			Final:      e.IsFinal,
		})
	case quiz.EventAnswer:
		s.send(Event{
			Type:       EventQuizAnswer,
			Index:      intp(e.Index),
			Total:      e.Total,
			Transcript: e.Transcript,
			Phrase:     e.Word.AnswerForm,
			Score:      intp(e.Score),
			Correct:    e.Correct,
			Skipped:    e.Skipped,
		})
	case quiz.EventResult:
		s.mu.Lock()
		s.phase = PhaseDone
		s.mu.Unlock()
		s.send(Event{
			Type:         EventQuizResult,
			DialogueID:   e.Result.DialogueID,
			CorrectCount: e.Result.CorrectCount,
			Total:        e.Result.Total,
			Score:        intp(e.Result.ScorePercent()),
			Passed:       e.Result.Passed,
		})
	case quiz.EventFailure:
		s.fail(e.Err)
	}
}
