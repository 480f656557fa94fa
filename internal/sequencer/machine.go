package sequencer

import (
	"errors"
	"strings"

	"github.com/MrWong99/glossa/internal/clock"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/recognition"
	"github.com/MrWong99/glossa/internal/scorer"
	"github.com/MrWong99/glossa/internal/speech"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// Everything in this file runs on the sequencer goroutine.

func (s *Sequencer) lang() string { return s.opts.TargetLanguage }

// expected is what a learner turn is judged against.
func (s *Sequencer) expected(t types.Turn) string {
	return t.ExpectedIn(s.lang(), s.scorer.Family(s.lang()) == scorer.FamilyLogographic)
}

func (s *Sequencer) finished() bool {
	return s.state == StateComplete || s.state == StateFailed
}

// enter makes the turn at pos current.
func (s *Sequencer) enter(pos int) {
	if s.finished() {
		return
	}
	if pos >= len(s.turns) {
		s.complete()
		return
	}
	s.epoch++
	s.pos = pos
	t := s.turns[pos]
	if t.Speaker == types.SpeakerSystem {
		s.enterSystem(t)
	} else {
		s.enterLearner(t)
	}
}

func (s *Sequencer) enterSystem(t types.Turn) {
	s.history = append(s.history, types.TurnRecord{Turn: t, Completed: true})
	s.stopListening()
	s.state = StateAwaitingSystemPlayback
	s.emit(Event{Kind: EventStep, Record: len(s.history) - 1})

	pos := s.pos
	s.speak(t, func() { s.advanceFrom(pos) })
}

func (s *Sequencer) enterLearner(t types.Turn) {
	s.history = append(s.history, types.TurnRecord{Turn: t})
	s.attempts = 0
	s.processing = false
	s.state = StateAwaitingLearnerSpeech
	s.emit(Event{Kind: EventStep, Record: len(s.history) - 1})
	s.listen(t)
}

// advanceFrom leaves the turn at pos, completing the conversation at the
// designated last step.
func (s *Sequencer) advanceFrom(pos int) {
	if s.opts.LastStep > 0 && s.turns[pos].StepIndex >= s.opts.LastStep {
		s.complete()
		return
	}
	s.enter(pos + 1)
}

// speak plays t and calls then once, at the earlier of the end of playback
// and the estimated speaking time.
func (s *Sequencer) speak(t types.Turn, then func()) {
	s.stopSpeaking()

	s.speakSeq++
	seq, epoch := s.speakSeq, s.epoch
	s.reveal = then
	fire := func() {
		s.post(epoch, func() {
			if seq != s.speakSeq || s.reveal == nil {
				return
			}
			f := s.reveal
			s.reveal = nil
			clock.Stop(s.revealTimer)
			s.revealTimer = nil
			f()
		})
	}

	text := t.PhraseIn(s.lang())
	s.revealTimer = s.clock.AfterFunc(PlaybackDelay(text), fire)
	s.playback = s.opts.Speaker.Speak(s.ctx, text, s.lang(), speech.Handlers{
		OnEnd: fire,
		OnError: func(err error) {
			if errors.Is(err, tts.ErrUnavailable) {
				s.post(epoch, func() { s.fail("tts", err) })
				return
			}
			s.log.Warn("sequencer: playback failed, continuing", "step", t.StepIndex, "err", err)
			fire()
		},
	})
}

func (s *Sequencer) stopSpeaking() {
	if s.playback != nil {
		s.playback.Cancel()
		s.playback = nil
	}
	clock.Stop(s.revealTimer)
	s.revealTimer = nil
	s.reveal = nil
}

// listen opens a fresh recognition session for the learner turn t, tearing
// down any previous one first.
func (s *Sequencer) listen(t types.Turn) {
	s.stopListening()

	s.listenSeq++
	seq, epoch := s.listenSeq, s.epoch
	guard := func(f func()) func() {
		return func() {
			if seq == s.listenSeq {
				f()
			}
		}
	}

	expected := s.expected(t)
	sess, err := recognition.Open(s.ctx, recognition.Config{
		Provider:        s.opts.STT,
		Language:        speech.Locale(s.lang()),
		MaxAlternatives: s.opts.MaxAlternatives,
		Keywords:        s.keywords(expected),
	}, recognition.Handlers{
		OnHypothesis: func(h recognition.Hypothesis) {
			s.post(epoch, guard(func() { s.onHypothesis(h) }))
		},
		OnTerminalFailure: func(err error) {
			s.post(epoch, guard(func() { s.fail("recognition", err) }))
		},
	},
		recognition.WithClock(s.clock),
		recognition.WithLogger(s.log),
		recognition.WithMetrics(s.metrics),
	)
	if err != nil {
		s.fail("recognition", err)
		return
	}
	s.liveMu.Lock()
	s.live = sess
	s.liveMu.Unlock()
}

// keywords boosts the words of expected for providers that support it.
// Non-spaced scripts have no word boundaries to boost.
func (s *Sequencer) keywords(expected string) []types.KeywordBoost {
	if s.scorer.Family(s.lang()) != scorer.FamilySpaced {
		return nil
	}
	words := strings.Fields(expected)
	out := make([]types.KeywordBoost, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,?!;:¿¡")
		if len([]rune(w)) >= 3 {
			out = append(out, types.KeywordBoost{Keyword: w, Boost: 1})
		}
	}
	return out
}

func (s *Sequencer) stopListening() {
	s.liveMu.Lock()
	sess := s.live
	s.live = nil
	s.liveMu.Unlock()
	s.listenSeq++
	if sess != nil {
		sess.Stop()
	}
}

func (s *Sequencer) current() *types.TurnRecord {
	if len(s.history) == 0 {
		return nil
	}
	return &s.history[len(s.history)-1]
}

func (s *Sequencer) onHypothesis(h recognition.Hypothesis) {
	if s.state != StateAwaitingLearnerSpeech {
		return
	}
	rec := s.current()
	rec.SpokenTranscript = h.Transcript()
	s.emit(Event{
		Kind:       EventTranscript,
		Record:     len(s.history) - 1,
		Transcript: h.Transcript(),
		Confidence: h.Confidence(),
		IsFinal:    h.IsFinal,
	})
	if !h.IsFinal || s.processing {
		return
	}

	s.processing = true
	s.state = StateEvaluating

	expected := s.expected(rec.Turn)
	idx, res := s.scorer.BestOf(h.Texts(), expected, s.lang())
	if idx >= 0 {
		rec.SpokenTranscript = h.Alternatives[idx].Text
	}
	outcome := "nomatch"
	if res.Passed() {
		outcome = "pass"
	}
	s.metrics.RecordMatch(s.ctx, s.lang(), "dialogue", res.ScorePercent, outcome)
	s.log.Debug("sequencer: judged", "step", rec.Turn.StepIndex, "score", res.ScorePercent, "heard", rec.SpokenTranscript)
	s.emit(Event{
		Kind:          EventMatch,
		Record:        len(s.history) - 1,
		Transcript:    rec.SpokenTranscript,
		Score:         res.ScorePercent,
		MatchedTokens: res.MatchedTokens,
	})

	if res.Passed() {
		s.accept()
		return
	}
	s.reject()
}

// accept completes the open learner turn and advances. It is the only path
// by which a learner record becomes completed.
func (s *Sequencer) accept() {
	rec := s.current()
	rec.Completed = true
	s.stopListening()
	s.processing = false
	s.advanceFrom(s.pos)
}

func (s *Sequencer) reject() {
	s.attempts++
	s.state = StateAwaitingLearnerSpeech
	s.processing = false
	s.emit(Event{
		Kind:              EventAttempts,
		Record:            len(s.history) - 1,
		Attempts:          s.attempts,
		OverrideAvailable: s.attempts >= OverrideAfter,
	})
}

func (s *Sequencer) manualAccept() error {
	if s.finished() {
		return ErrFinished
	}
	if s.state != StateAwaitingLearnerSpeech || s.processing {
		return ErrNotListening
	}
	s.processing = true
	rec := s.current()
	expected := s.expected(rec.Turn)
	rec.SpokenTranscript = expected
	s.metrics.RecordAttempt(s.ctx, s.lang(), "override")
	s.log.Info("sequencer: manual override", "step", rec.Turn.StepIndex, "attempts", s.attempts)
	s.emit(Event{
		Kind:          EventMatch,
		Record:        len(s.history) - 1,
		Transcript:    expected,
		Score:         100,
		MatchedTokens: s.scorer.Highlight(expected, expected, s.lang()),
	})
	s.accept()
	return nil
}

func (s *Sequencer) rewind(index int) error {
	if s.finished() {
		return ErrFinished
	}
	if index < 0 || index >= len(s.history) || !s.history[index].Completed {
		return ErrInvalidRecord
	}
	target := s.history[index].Turn

	// Tear everything down before the new turn can open a session.
	s.epoch++
	s.stopListening()
	s.stopSpeaking()
	s.processing = false

	pos := indexOfStep(s.turns, target.StepIndex)
	s.history = s.history[:index]
	s.log.Info("sequencer: rewind", "record", index, "step", target.StepIndex, "speaker", target.Speaker)
	s.enter(pos)
	return nil
}

func (s *Sequencer) replay() error {
	if s.finished() {
		return ErrFinished
	}
	if s.turns[s.pos].Speaker == types.SpeakerSystem {
		if s.state != StateAwaitingSystemPlayback {
			return ErrNotListening
		}
		pos := s.pos
		s.speak(s.turns[pos], func() { s.advanceFrom(pos) })
		return nil
	}

	// A learner turn may be replayed while listening or while an earlier
	// replay is still playing. Either way the same turn resumes afterwards.
	if s.state != StateAwaitingLearnerSpeech && s.state != StateAwaitingSystemPlayback {
		return ErrNotListening
	}
	sys := s.lastSystemRecord()
	if sys < 0 {
		return ErrNothingToReplay
	}
	s.stopListening()
	s.state = StateAwaitingSystemPlayback
	learner := s.turns[s.pos]
	s.speak(s.history[sys].Turn, func() {
		s.state = StateAwaitingLearnerSpeech
		s.listen(learner)
	})
	return nil
}

func (s *Sequencer) lastSystemRecord() int {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Turn.Speaker == types.SpeakerSystem {
			return i
		}
	}
	return -1
}

// complete ends the conversation. Both the end of the turn list and the
// designated last step arrive here, and only the first call has an effect.
func (s *Sequencer) complete() {
	if s.finished() {
		return
	}
	s.epoch++
	s.stopListening()
	s.stopSpeaking()
	s.state = StateComplete
	s.pos = len(s.turns)
	s.log.Info("sequencer: conversation complete", "records", len(s.history))
	s.emit(Event{Kind: EventComplete, Record: len(s.history) - 1, DialogueID: s.opts.DialogueID})
}

func (s *Sequencer) fail(component string, err error) {
	if s.finished() {
		return
	}
	s.epoch++
	s.stopListening()
	s.stopSpeaking()
	s.state = StateFailed
	kind := "other"
	switch {
	case errors.Is(err, stt.ErrUnavailable), errors.Is(err, tts.ErrUnavailable):
		kind = "unavailable"
	case errors.Is(err, recognition.ErrRestartsExhausted):
		kind = "restarts"
	}
	s.metrics.RecordTerminalFailure(s.ctx, component, kind)
	observe.CaptureError(s.ctx, err, map[string]string{"component": component, "dialogue": s.opts.DialogueID})
	s.log.Error("sequencer: terminal failure", "component", component, "err", err)
	s.emit(Event{Kind: EventFailure, Err: err})
}

func (s *Sequencer) shutdown() {
	s.epoch++
	s.stopListening()
	s.stopSpeaking()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Debug("sequencer: closed", "state", s.state)
}

func indexOfStep(turns []types.Turn, step int) int {
	for i, t := range turns {
		if t.StepIndex == step {
			return i
		}
	}
	return len(turns)
}
