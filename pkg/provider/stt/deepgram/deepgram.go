// Package deepgram provides an STT provider on Deepgram's streaming
// WebSocket API. It asks for ranked alternatives so every hypothesis can be
// scored against the expected phrase.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultEndpointMs = 300

	// Deepgram drops a stream after about ten seconds without data. A
	// learner stream is quiet while the character speaks.
	defaultKeepAlive = 5 * time.Second
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
	endpointMs int
	keepAlive  time.Duration
}

// Option is a functional option for [New].
type Option func(*Provider)

// WithModel selects the model, e.g. "nova-3" or "nova-2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a stream names none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the sample rate used when a stream names none.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpointing sets the silence in milliseconds that ends an utterance.
func WithEndpointing(ms int) Option {
	return func(p *Provider) { p.endpointMs = ms }
}

// WithEndpoint overrides the streaming URL, e.g. for a self-hosted
// Deepgram.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithKeepAlive sets how often an idle stream is kept open. Zero disables
// keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) { p.keepAlive = d }
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpointMs: defaultEndpointMs,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming session. A rejected API key is reported as
// stt.ErrUnavailable, any other dial failure as a network error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("deepgram: parse endpoint: %w", err)
	}
	u.RawQuery = p.query(cfg).Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: dial: %w: %w", stt.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", stt.NewError(stt.ErrorNetwork, err))
	}

	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		events:    make(chan stt.Event, 64),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

// query builds the listen parameters for one stream.
func (p *Provider) query(cfg stt.StreamConfig) url.Values {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}

	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("interim_results", "true")
	// Learners are scored on words, so punctuation only adds noise.
	q.Set("punctuate", "false")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.MaxAlternatives > 1 {
		q.Set("alternatives", strconv.Itoa(cfg.MaxAlternatives))
	}
	if p.endpointMs > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointMs))
	}

	// Nova-3 takes plain key terms; older models take word:boost pairs.
	keyterms := strings.HasPrefix(p.model, "nova-3")
	for _, kw := range cfg.Keywords {
		if kw.Keyword == "" {
			continue
		}
		if keyterms {
			q.Add("keyterm", kw.Keyword)
		} else {
			q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
		}
	}
	return q
}

// session implements stt.SessionHandle.
type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	events    chan stt.Event
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM chunk.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Events returns the session's event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close asks Deepgram to finish the stream and closes the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, msgCloseStream)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop forwards audio and keeps the stream alive while no audio flows.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	idle := true
	for {
		var err error
		select {
		case chunk := <-s.audio:
			idle = false
			err = s.conn.Write(ctx, websocket.MessageBinary, chunk)
		case <-tick:
			if idle {
				err = s.conn.Write(ctx, websocket.MessageText, msgKeepAlive)
			}
			idle = true
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// readLoop turns Deepgram messages into events and closes the event channel
// when the connection ends.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if ev, ok := s.readError(ctx, err); ok {
				select {
				case s.events <- ev:
				case <-s.done:
				}
			}
			return
		}
		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- stt.Event{Transcript: t}:
		case <-s.done:
			return
		}
	}
}

// readError classifies a read failure. A normal closure, or one this side
// started, ends the stream without an error event.
func (s *session) readError(ctx context.Context, err error) (stt.Event, bool) {
	select {
	case <-s.done:
		return stt.Event{}, false
	default:
	}
	if ctx.Err() != nil {
		return stt.Event{Err: stt.NewError(stt.ErrorAborted, ctx.Err())}, true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return stt.Event{}, false
	case websocket.StatusPolicyViolation:
		return stt.Event{Err: stt.NewError(stt.ErrorNotAllowed, err)}, true
	}
	return stt.Event{Err: stt.NewError(stt.ErrorNetwork, err)}, true
}

// result is a Deepgram "Results" message.
type result struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse returns the transcript of a Results message with
// blank alternatives dropped. Other messages report false.
func parseDeepgramResponse(data []byte) (types.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" {
		return types.Transcript{}, false
	}
	var alts []types.Alternative
	for _, a := range r.Channel.Alternatives {
		if a.Transcript != "" {
			alts = append(alts, types.Alternative{Text: a.Transcript, Confidence: a.Confidence})
		}
	}
	if len(alts) == 0 {
		return types.Transcript{}, false
	}
	return types.Transcript{
		Alternatives: alts,
		IsFinal:      r.IsFinal,
		Timestamp:    time.Duration(r.Start * float64(time.Second)),
	}, true
}
