package quiz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clockmock "github.com/MrWong99/glossa/internal/clock/mock"
	"github.com/MrWong99/glossa/internal/speech"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	sttmock "github.com/MrWong99/glossa/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/glossa/pkg/provider/tts/mock"
	"github.com/MrWong99/glossa/pkg/types"
)

var animals = []types.QuizWord{
	{DisplayForm: "кошка", AnswerForm: "cat", AnswerLanguage: "en"},
	{DisplayForm: "собака", AnswerForm: "dog", AnswerLanguage: "en"},
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnQuizEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type reportRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *reportRecorder) ReportQuiz(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *reportRecorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

type harness struct {
	quiz     *Session
	stt      *sttmock.Provider
	tts      *ttsmock.Provider
	clk      *clockmock.Clock
	events   *eventLog
	reporter *reportRecorder
}

func newHarness(t *testing.T, words []types.QuizWord) *harness {
	t.Helper()
	h := &harness{
		stt:      &sttmock.Provider{},
		tts:      &ttsmock.Provider{Chunks: [][]byte{{1}}},
		clk:      &clockmock.Clock{},
		events:   &eventLog{},
		reporter: &reportRecorder{},
	}
	q, err := New(words, Options{
		DialogueID: "pets",
		STT:        h.stt,
		Speaker:    speech.New(h.tts, nil),
		Listener:   h.events,
		Reporter:   h.reporter,
		Clock:      h.clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.quiz = q
	t.Cleanup(q.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, state State, index int) {
	t.Helper()
	waitFor(t, state.String(), func() bool {
		s := h.quiz.State()
		return s.State == state && s.Index == index
	})
}

func (h *harness) waitAsking(t *testing.T, index, sessions int) {
	t.Helper()
	h.waitState(t, StateAsking, index)
	waitFor(t, "recognition session", func() bool { return h.stt.SessionCount() == sessions })
}

func TestNew_NoWords(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Options{STT: &sttmock.Provider{}, Speaker: speech.New(&ttsmock.Provider{}, nil)})
	if !errors.Is(err, ErrNoWords) {
		t.Errorf("err = %v, want ErrNoWords", err)
	}
}

func TestNewResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		correct, total int
		passed         bool
		percent        int
	}{
		{3, 5, true, 60},
		{2, 5, false, 40},
		{5, 5, true, 100},
		{0, 3, false, 0},
		{2, 3, true, 66},
		{0, 0, false, 0},
	}
	for _, tc := range tests {
		r := NewResult(tc.correct, tc.total)
		if r.Passed != tc.passed || r.ScorePercent() != tc.percent {
			t.Errorf("NewResult(%d, %d) = %+v (%d%%), want passed=%v %d%%",
				tc.correct, tc.total, r, r.ScorePercent(), tc.passed, tc.percent)
		}
	}
}

func TestQuiz_CorrectIncorrectAndResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, animals)
	if err := h.quiz.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitAsking(t, 0, 1)

	cfg := h.stt.Configs()[0]
	if cfg.MaxAlternatives != MaxAlternatives || cfg.Language != "en-US" {
		t.Errorf("stream config = %+v", cfg)
	}
	if q := h.events.of(EventQuestion); len(q) != 1 || q[0].Word.DisplayForm != "кошка" || q[0].Total != 2 {
		t.Errorf("question events = %+v", q)
	}

	h.stt.Last().Emit(sttmock.Final("cat"))
	h.waitState(t, StateFeedback, 0)
	if a := h.events.of(EventAnswer); len(a) != 1 || !a[0].Correct || a[0].Score != 100 {
		t.Errorf("answer = %+v", a)
	}

	h.clk.Advance(CorrectPause - time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if h.quiz.State().Index != 0 {
		t.Fatal("advanced before the pause elapsed")
	}
	h.clk.Advance(time.Millisecond)
	h.waitAsking(t, 1, 2)

	// Wrong answer re-asks the same word.
	h.stt.Last().Emit(sttmock.Final("frog"))
	h.waitState(t, StateFeedback, 1)
	h.clk.Advance(IncorrectPause)
	h.waitAsking(t, 1, 3)

	h.stt.Last().Emit(sttmock.Final("bird", "dog"))
	h.waitState(t, StateFeedback, 1)
	h.clk.Advance(CorrectPause)
	h.waitState(t, StateDone, 2)

	res := h.events.of(EventResult)
	if len(res) != 1 {
		t.Fatalf("result events = %d, want 1", len(res))
	}
	want := Result{DialogueID: "pets", CorrectCount: 2, Total: 2, Passed: true}
	if res[0].Result != want {
		t.Errorf("result = %+v, want %+v", res[0].Result, want)
	}
	if got := h.reporter.all(); len(got) != 1 || got[0] != want {
		t.Errorf("reported = %+v", got)
	}
	if h.stt.LiveCount() != 0 {
		t.Errorf("live sessions = %d", h.stt.LiveCount())
	}
}

func TestQuiz_SkipCountsAsWrong(t *testing.T) {
	t.Parallel()

	h := newHarness(t, animals)
	_ = h.quiz.Start(context.Background())
	h.waitAsking(t, 0, 1)

	if err := h.quiz.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if err := h.quiz.Skip(); !errors.Is(err, ErrNotAsking) {
		t.Errorf("Skip during feedback = %v, want ErrNotAsking", err)
	}
	if !h.stt.Session(0).Closed() {
		t.Error("listening continues after skip")
	}

	h.clk.Advance(SkipPause)
	h.waitAsking(t, 1, 2)
	_ = h.quiz.Skip()
	h.clk.Advance(SkipPause)
	h.waitState(t, StateDone, 2)

	got := h.reporter.all()
	if len(got) != 1 || got[0].CorrectCount != 0 || got[0].Passed {
		t.Errorf("reported = %+v", got)
	}
	if a := h.events.of(EventAnswer); len(a) != 2 || !a[0].Skipped || a[0].Correct {
		t.Errorf("answers = %+v", a)
	}
}

func TestQuiz_SpeakPausesListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, animals)
	_ = h.quiz.Start(context.Background())
	h.waitAsking(t, 0, 1)

	if err := h.quiz.Speak(); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	h.waitAsking(t, 0, 2)

	if !h.stt.Session(0).Closed() {
		t.Error("listening not paused for playback")
	}
	if got := h.tts.SpokenTexts(); len(got) != 1 || got[0] != "cat" {
		t.Errorf("spoken = %v", got)
	}
	if v := h.tts.Utterances()[0].Voice; v.Language != "en-US" {
		t.Errorf("voice language = %q", v.Language)
	}
}

func TestQuiz_CloseCancelsPendingPause(t *testing.T) {
	t.Parallel()

	h := newHarness(t, animals)
	_ = h.quiz.Start(context.Background())
	h.waitAsking(t, 0, 1)
	h.stt.Last().Emit(sttmock.Final("cat"))
	h.waitState(t, StateFeedback, 0)

	h.quiz.Close()
	h.clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)

	if n := len(h.events.of(EventQuestion)); n != 1 {
		t.Errorf("questions = %d, want 1", n)
	}
	if err := h.quiz.Skip(); !errors.Is(err, ErrClosed) {
		t.Errorf("Skip after Close = %v, want ErrClosed", err)
	}
}

func TestQuiz_NotStarted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, animals)
	if err := h.quiz.Skip(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Skip = %v, want ErrNotStarted", err)
	}
}

func TestQuiz_ProviderUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, animals)
	h.stt.Err = stt.ErrUnavailable
	_ = h.quiz.Start(context.Background())
	h.waitState(t, StateFailed, 0)

	f := h.events.of(EventFailure)
	if len(f) != 1 || !errors.Is(f[0].Err, stt.ErrUnavailable) {
		t.Errorf("failures = %+v", f)
	}
	if len(h.reporter.all()) != 0 {
		t.Error("failed quiz reported a result")
	}
}
