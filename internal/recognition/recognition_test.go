package recognition

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clockmock "github.com/MrWong99/glossa/internal/clock/mock"
	"github.com/MrWong99/glossa/pkg/provider/stt"
	sttmock "github.com/MrWong99/glossa/pkg/provider/stt/mock"
)

type recorder struct {
	mu       sync.Mutex
	hyps     []Hypothesis
	failures []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnHypothesis: func(h Hypothesis) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.hyps = append(r.hyps, h)
		},
		OnTerminalFailure: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
	}
}

func (r *recorder) hypothesisCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hyps)
}

func (r *recorder) failureList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
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

func openTest(t *testing.T, p *sttmock.Provider, cfg Config) (*Session, *recorder, *clockmock.Clock) {
	t.Helper()
	rec := &recorder{}
	clk := &clockmock.Clock{}
	cfg.Provider = p
	if cfg.Language == "" {
		cfg.Language = "ru-RU"
	}
	s, err := Open(context.Background(), cfg, rec.handlers(), WithClock(clk))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, rec, clk
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}

func TestOpen_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "nil provider", cfg: Config{Language: "en-US"}},
		{name: "empty language", cfg: Config{Provider: &sttmock.Provider{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Open(context.Background(), tc.cfg, Handlers{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOpen_UnavailableIsImmediate(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{Err: stt.ErrUnavailable}
	_, err := Open(context.Background(), Config{Provider: p, Language: "ar-SA"}, Handlers{})
	if !errors.Is(err, stt.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1", p.CallCount())
	}
}

func TestOpen_StreamConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		maxAlts  int
		wantAlts int
	}{
		{name: "default alternatives", wantAlts: DefaultMaxAlternatives},
		{name: "quiz alternatives", maxAlts: 10, wantAlts: 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &sttmock.Provider{}
			s, _, _ := openTest(t, p, Config{Language: "ja-JP", MaxAlternatives: tc.maxAlts})

			cfg := p.Configs()[0]
			if cfg.MaxAlternatives != tc.wantAlts {
				t.Errorf("MaxAlternatives = %d, want %d", cfg.MaxAlternatives, tc.wantAlts)
			}
			if cfg.Language != "ja-JP" || cfg.SampleRate != 16000 || cfg.Channels != 1 {
				t.Errorf("unexpected stream config %+v", cfg)
			}
			if s.State() != StateListening {
				t.Errorf("state = %s, want listening", s.State())
			}
		})
	}
}

func TestHypothesesAreForwarded(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	_, rec, _ := openTest(t, p, Config{MaxAlternatives: 2})

	p.Last().Emit(sttmock.Partial("при"))
	p.Last().Emit(sttmock.Final("привет", "приведи", "приветик"))
	waitFor(t, "two hypotheses", func() bool { return rec.hypothesisCount() == 2 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.hyps[0].IsFinal {
		t.Error("first hypothesis should be partial")
	}
	final := rec.hyps[1]
	if !final.IsFinal || final.Transcript() != "привет" {
		t.Errorf("final = %+v", final)
	}
	if got := final.Texts(); len(got) != 2 {
		t.Errorf("alternatives = %v, want 2 (bounded)", got)
	}
	if final.Confidence() <= 0 {
		t.Errorf("confidence = %v, want > 0", final.Confidence())
	}
}

func TestEndReopensAfterRestartDelay(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		end  func(*sttmock.Session)
	}{
		{name: "provider end", end: func(s *sttmock.Session) { s.End() }},
		{name: "no speech", end: func(s *sttmock.Session) { s.Fail(stt.ErrorNoSpeech) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &sttmock.Provider{}
			s, rec, clk := openTest(t, p, Config{})

			first := p.Last()
			tc.end(first)
			waitState(t, s, StateIdle)
			if !first.Closed() && !first.Ended() {
				t.Error("first attempt should be torn down")
			}

			clk.Advance(RestartDelay - time.Millisecond)
			if p.SessionCount() != 1 {
				t.Fatalf("reopened before RestartDelay")
			}
			clk.Advance(time.Millisecond)
			if p.SessionCount() != 2 {
				t.Fatalf("sessions = %d, want 2", p.SessionCount())
			}
			if s.State() != StateListening {
				t.Errorf("state = %s, want listening", s.State())
			}
			if len(rec.failureList()) != 0 {
				t.Errorf("unexpected failures: %v", rec.failureList())
			}
		})
	}
}

func TestTransientErrorReopensAfterErrorDelay(t *testing.T) {
	t.Parallel()

	for _, kind := range []stt.ErrorKind{stt.ErrorNetwork, stt.ErrorAborted} {
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()
			p := &sttmock.Provider{}
			s, rec, clk := openTest(t, p, Config{})

			first := p.Last()
			first.Fail(kind)
			waitState(t, s, StateIdle)
			if !first.Closed() {
				t.Error("failed attempt should be closed")
			}

			clk.Advance(RestartDelay)
			if p.SessionCount() != 1 {
				t.Fatal("reopened after RestartDelay, want ErrorRetryDelay")
			}
			clk.Advance(ErrorRetryDelay - RestartDelay)
			if p.SessionCount() != 2 {
				t.Fatalf("sessions = %d, want 2", p.SessionCount())
			}
			if len(rec.failureList()) != 0 {
				t.Errorf("transient error surfaced: %v", rec.failureList())
			}
		})
	}
}

func TestFatalProviderErrorStops(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, rec, clk := openTest(t, p, Config{})

	p.Last().Fail(stt.ErrorNotAllowed)
	waitFor(t, "terminal failure", func() bool { return len(rec.failureList()) == 1 })

	if s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
	if got := stt.KindOf(rec.failureList()[0]); got != stt.ErrorNotAllowed {
		t.Errorf("failure kind = %s, want not-allowed", got)
	}
	clk.Advance(time.Minute)
	if p.SessionCount() != 1 {
		t.Errorf("sessions = %d, want no reopen", p.SessionCount())
	}
}

func TestRestartsExhausted(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, rec, clk := openTest(t, p, Config{})

	for i := 0; i < MaxRestarts; i++ {
		p.Last().End()
		waitState(t, s, StateIdle)
		clk.Advance(RestartDelay)
		waitState(t, s, StateListening)
	}
	p.Last().End()
	waitFor(t, "terminal failure", func() bool { return len(rec.failureList()) == 1 })

	if !errors.Is(rec.failureList()[0], ErrRestartsExhausted) {
		t.Errorf("err = %v, want ErrRestartsExhausted", rec.failureList()[0])
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
	if p.SessionCount() != MaxRestarts+1 {
		t.Errorf("sessions = %d, want %d", p.SessionCount(), MaxRestarts+1)
	}
}

func TestResultResetsRestartBudget(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, rec, clk := openTest(t, p, Config{})

	for i := 0; i < MaxRestarts; i++ {
		p.Last().End()
		waitState(t, s, StateIdle)
		clk.Advance(RestartDelay)
	}
	p.Last().Emit(sttmock.Final("hola"))
	waitFor(t, "hypothesis", func() bool { return rec.hypothesisCount() == 1 })

	p.Last().End()
	waitState(t, s, StateIdle)
	clk.Advance(RestartDelay)
	if s.State() != StateListening {
		t.Fatalf("state = %s, want listening", s.State())
	}
	if len(rec.failureList()) != 0 {
		t.Errorf("unexpected failure: %v", rec.failureList())
	}
}

func TestStartFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("mic busy")

	t.Run("retried once then terminal", func(t *testing.T) {
		t.Parallel()
		p := &sttmock.Provider{Errs: []error{boom, boom}}
		s, rec, clk := openTest(t, p, Config{})

		if s.State() != StateIdle {
			t.Fatalf("state = %s, want idle", s.State())
		}
		clk.Advance(StartRetryDelay)
		failures := rec.failureList()
		if len(failures) != 1 || !errors.Is(failures[0], boom) {
			t.Fatalf("failures = %v, want one wrapping %v", failures, boom)
		}
		if p.CallCount() != 2 {
			t.Errorf("StartStream calls = %d, want 2", p.CallCount())
		}
	})

	t.Run("retry succeeds", func(t *testing.T) {
		t.Parallel()
		p := &sttmock.Provider{Errs: []error{boom}}
		s, rec, clk := openTest(t, p, Config{})

		clk.Advance(StartRetryDelay)
		if s.State() != StateListening {
			t.Fatalf("state = %s, want listening", s.State())
		}
		if len(rec.failureList()) != 0 {
			t.Errorf("unexpected failure: %v", rec.failureList())
		}
	})

	t.Run("unavailable on reopen is terminal", func(t *testing.T) {
		t.Parallel()
		p := &sttmock.Provider{}
		s, rec, clk := openTest(t, p, Config{})

		p.Err = stt.ErrUnavailable
		p.Last().End()
		waitState(t, s, StateIdle)
		clk.Advance(RestartDelay)

		failures := rec.failureList()
		if len(failures) != 1 || !errors.Is(failures[0], stt.ErrUnavailable) {
			t.Fatalf("failures = %v, want ErrUnavailable", failures)
		}
	})
}

func TestAttemptTimeout(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, rec, clk := openTest(t, p, Config{})
	first := p.Last()

	clk.Advance(AttemptTimeout - time.Second)
	first.Emit(sttmock.Partial("buenos"))
	waitFor(t, "partial", func() bool { return rec.hypothesisCount() == 1 })

	// The partial re-armed the timeout.
	clk.Advance(AttemptTimeout - time.Second)
	if first.Closed() {
		t.Fatal("attempt timed out despite a recent result")
	}

	clk.Advance(time.Second)
	if !first.Closed() {
		t.Fatal("attempt should time out")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
	clk.Advance(RestartDelay)
	if p.SessionCount() != 2 {
		t.Errorf("sessions = %d, want 2", p.SessionCount())
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, rec, clk := openTest(t, p, Config{})
	first := p.Last()

	first.End()
	waitState(t, s, StateIdle)

	s.Stop()
	s.Stop()

	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	clk.Advance(time.Minute)
	if p.SessionCount() != 1 {
		t.Errorf("pending reopen fired after Stop")
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
	if err := s.SendAudio([]byte{1, 2}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Stop = %v, want ErrSessionClosed", err)
	}
	if n := len(rec.failureList()); n != 0 {
		t.Errorf("Stop reported %d failures", n)
	}
}

func TestStop_ClosesLiveAttempt(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, rec, _ := openTest(t, p, Config{})
	first := p.Last()

	s.Stop()
	if !first.Closed() {
		t.Fatal("live attempt not closed")
	}
	first.Emit(sttmock.Final("late"))
	time.Sleep(10 * time.Millisecond)
	if rec.hypothesisCount() != 0 {
		t.Error("hypothesis delivered after Stop")
	}
}

func TestStop_FromHandler(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	var (
		sess      *Session
		delivered atomic.Int32
		stopped   = make(chan struct{})
	)
	sess, err := Open(context.Background(), Config{Provider: p, Language: "en-US"}, Handlers{
		OnHypothesis: func(Hypothesis) {
			if delivered.Add(1) == 1 {
				sess.Stop()
				close(stopped)
			}
		},
	}, WithClock(&clockmock.Clock{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(sess.Stop)

	first := p.Last()
	first.Emit(sttmock.Final("one"))
	first.Emit(sttmock.Final("two"))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from inside OnHypothesis did not return")
	}
	time.Sleep(10 * time.Millisecond)
	if n := delivered.Load(); n != 1 {
		t.Errorf("hypotheses delivered = %d, want 1", n)
	}
	if sess.State() != StateStopped || !first.Closed() {
		t.Errorf("state = %s, closed = %v", sess.State(), first.Closed())
	}
	if p.SessionCount() != 1 {
		t.Errorf("provider sessions = %d, want no reopen", p.SessionCount())
	}
}

func TestStaleGenerationIgnored(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, rec, clk := openTest(t, p, Config{})

	p.Last().Fail(stt.ErrorNetwork)
	waitState(t, s, StateIdle)
	clk.Advance(ErrorRetryDelay)

	// An event tagged with the torn-down generation must not reach the caller.
	s.deliver(0, sttmock.Final("stale"))
	s.deliver(0, stt.Event{Err: stt.NewError(stt.ErrorNotAllowed, nil)})

	if rec.hypothesisCount() != 0 {
		t.Error("stale hypothesis delivered")
	}
	if len(rec.failureList()) != 0 {
		t.Error("stale error failed the session")
	}
	if s.State() != StateListening {
		t.Errorf("state = %s, want listening", s.State())
	}
}

func TestSendAudio(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	s, _, _ := openTest(t, p, Config{})

	if err := s.SendAudio([]byte{0, 1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if p.Last().AudioCount() != 1 {
		t.Errorf("chunk not forwarded")
	}

	p.Last().End()
	waitState(t, s, StateIdle)
	if err := s.SendAudio([]byte{2, 3}); err != nil {
		t.Errorf("SendAudio between attempts = %v, want nil", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for state, want := range map[State]string{
		StateIdle:      "idle",
		StateListening: "listening",
		StateStopped:   "stopped",
		State(9):       "State(9)",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}
