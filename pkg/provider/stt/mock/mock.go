// Package mock provides a scriptable stt.Provider for tests.
//
// Every StartStream hands out a fresh [Session]. The test drives its event
// stream with Emit, Fail and End, the way a provider delivers results:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	p.Last().Emit(mock.Final("hello", "yellow"))
//	p.Last().End()
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider is a mock stt.Provider.
type Provider struct {
	// Errs fail StartStream calls in order, one entry each; a nil entry lets
	// that call through. Once they are used up Err fails every call.
	Errs []error
	Err  error

	mu       sync.Mutex
	configs  []stt.StreamConfig
	sessions []*Session
}

// StartStream records cfg and opens a Session unless an error is queued.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)

	err := p.Err
	if len(p.Errs) > 0 {
		err, p.Errs = p.Errs[0], p.Errs[1:]
	}
	if err != nil {
		return nil, err
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Configs returns the config of every StartStream call, failed ones
// included.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.configs)
}

// CallCount returns the number of StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// SessionCount returns the number of sessions opened.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Session returns the i-th session opened, or nil.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

// Last returns the newest session, or nil.
func (p *Provider) Last() *Session {
	return p.Session(p.SessionCount() - 1)
}

// LiveCount returns how many sessions still have an open event stream.
func (p *Provider) LiveCount() int {
	p.mu.Lock()
	sessions := slices.Clone(p.sessions)
	p.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if !s.Ended() {
			n++
		}
	}
	return n
}

// Session is a mock stt.SessionHandle. Its event buffer is large enough that
// Emit does not block in tests.
type Session struct {
	// AudioErr fails every SendAudio call.
	AudioErr error

	mu     sync.Mutex
	events chan stt.Event
	ended  bool
	audio  [][]byte
	closes int
}

// NewSession returns an open Session.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// SendAudio stores a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionClosed
	}
	s.audio = append(s.audio, slices.Clone(chunk))
	return s.AudioErr
}

func (s *Session) Events() <-chan stt.Event { return s.events }

// Emit delivers ev. It does nothing once the stream ended, like a provider
// whose connection is gone.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.events <- ev
	}
}

// Fail emits a classified provider error.
func (s *Session) Fail(kind stt.ErrorKind) {
	s.Emit(stt.Event{Err: stt.NewError(kind, nil)})
}

// End closes the event stream, as a provider does when it stops listening
// on its own.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end()
}

func (s *Session) end() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// Close ends the event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.end()
	return nil
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Closed reports whether the caller closed the session, as opposed to End.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

// Audio returns the chunks sent so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audio)
}

func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Final builds a final result whose alternatives are texts in rank order
// with falling confidence.
func Final(texts ...string) stt.Event {
	return stt.Event{Transcript: transcript(true, texts)}
}

// Partial builds an interim result.
func Partial(texts ...string) stt.Event {
	return stt.Event{Transcript: transcript(false, texts)}
}

func transcript(final bool, texts []string) types.Transcript {
	alts := make([]types.Alternative, len(texts))
	for i, t := range texts {
		alts[i] = types.Alternative{Text: t, Confidence: 0.9 / float64(i+1)}
	}
	return types.Transcript{Alternatives: alts, IsFinal: final}
}
