// Package speech turns system turns into synthesized audio for one learner
// connection.
//
// A [Speaker] picks a voice for the requested language, streams the phrase
// through a [tts.Provider] and forwards the audio to a [Sink]. Each call to
// [Speaker.Speak] returns a [Playback] that reports start, end and error
// through [Handlers] and can be cancelled at any time.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/pkg/audio"
	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// DefaultRate is the speaking rate used for learners. Slightly slower than
// natural speech.
const DefaultRate = 0.8

// locales maps the language codes used by scripts onto BCP-47 locale tags.
var locales = map[string]string{
	"en": "en-US",
	"ru": "ru-RU",
	"ch": "zh-CN",
	"zh": "zh-CN",
	"ja": "ja-JP",
	"ar": "ar-SA",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
	"it": "it-IT",
	"pt": "pt-PT",
}

// Locale returns the locale tag for a script language code such as "ru" or
// "CH". Tags that already carry a region, and unknown codes, are returned
// unchanged.
func Locale(lang string) string {
	if l, ok := locales[strings.ToLower(lang)]; ok {
		return l
	}
	return lang
}

func primary(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// Sink receives synthesized PCM audio.
type Sink interface {
	WriteAudio(chunk []byte) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(chunk []byte) error

// WriteAudio calls f(chunk).
func (f SinkFunc) WriteAudio(chunk []byte) error { return f(chunk) }

// Discard is a Sink that drops all audio.
var Discard Sink = SinkFunc(func([]byte) error { return nil })

// Handlers receives playback notifications. Any field may be nil.
type Handlers struct {
	// OnStart is called once the provider accepted the text.
	OnStart func()

	// OnEnd is called after the last chunk was written to the sink.
	OnEnd func()

	// OnError is called instead of OnEnd when synthesis or delivery fails.
	OnError func(error)
}

// Option is a functional option for [New].
type Option func(*Speaker)

// WithVoices sets the voices to choose from, replacing any loaded ones.
func WithVoices(voices []types.VoiceProfile) Option {
	return func(s *Speaker) { s.voices = voices }
}

// WithDefaultVoice sets the voice used when no voice matches the language.
func WithDefaultVoice(v types.VoiceProfile) Option {
	return func(s *Speaker) { s.fallback = v }
}

// WithRate sets the speaking rate. Values outside 0.5–2.0 are ignored.
func WithRate(rate float64) Option {
	return func(s *Speaker) {
		if rate >= 0.5 && rate <= 2.0 {
			s.rate = rate
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// Speaker speaks phrases into a single sink. It is safe for concurrent use,
// though callers normally keep at most one playback alive.
type Speaker struct {
	provider tts.Provider
	sink     Sink
	rate     float64
	fallback types.VoiceProfile
	log      *slog.Logger
	metrics  *observe.Metrics

	mu     sync.RWMutex
	voices []types.VoiceProfile
}

// New returns a Speaker that synthesizes through p and writes audio to sink.
// A nil sink discards audio.
func New(p tts.Provider, sink Sink, opts ...Option) *Speaker {
	s := &Speaker{
		provider: p,
		sink:     sink,
		rate:     DefaultRate,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sink == nil {
		s.sink = Discard
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// LoadVoices fetches the provider's voice catalogue. A [tts.ErrUnavailable]
// failure is returned as is so callers can treat it as fatal.
func (s *Speaker) LoadVoices(ctx context.Context) error {
	voices, err := s.provider.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("speech: list voices: %w", err)
	}
	s.mu.Lock()
	s.voices = voices
	s.mu.Unlock()
	s.log.Debug("speech: voices loaded", "count", len(voices))
	return nil
}

// VoiceFor picks the voice for lang: a voice whose locale matches exactly,
// then one sharing the primary language subtag, then the default voice.
func (s *Speaker) VoiceFor(lang string) types.VoiceProfile {
	locale := Locale(lang)

	s.mu.RLock()
	voices := s.voices
	s.mu.RUnlock()

	v, ok := s.fallback, false
	for _, cand := range voices {
		if strings.EqualFold(cand.Language, locale) {
			v, ok = cand, true
			break
		}
	}
	if !ok {
		want := primary(locale)
		for _, cand := range voices {
			if cand.Language != "" && primary(cand.Language) == want {
				v = cand
				break
			}
		}
	}
	if v.SpeedFactor == 0 {
		v.SpeedFactor = s.rate
	}
	if v.Language == "" {
		v.Language = locale
	}
	return v
}

// Speak synthesizes text in lang and streams it to the sink in the
// background.
func (s *Speaker) Speak(ctx context.Context, text, lang string, h Handlers) *Playback {
	ctx, cancel := context.WithCancel(ctx)
	p := &Playback{cancel: cancel, done: make(chan struct{})}
	go s.play(ctx, p, strings.TrimSpace(text), lang, h)
	return p
}

func (s *Speaker) play(ctx context.Context, p *Playback, text, lang string, h Handlers) {
	defer close(p.done)
	defer p.cancel()

	if text == "" {
		p.finish(nil, h)
		return
	}

	voice := s.VoiceFor(lang)
	in := make(chan string, 1)
	in <- text
	close(in)

	begin := time.Now()
	out, err := s.provider.SynthesizeStream(ctx, in, voice)
	if err != nil {
		s.metrics.RecordProviderError(ctx, voice.Provider, "tts")
		p.finish(fmt.Errorf("speech: synthesize: %w", err), h)
		return
	}
	if p.live() && h.OnStart != nil {
		h.OnStart()
	}

	first := true
	for chunk := range out {
		if first {
			s.metrics.TTSDuration.Record(ctx, time.Since(begin).Seconds())
			first = false
		}
		if err := s.sink.WriteAudio(chunk); err != nil {
			p.cancel()
			audio.Drain(out)
			p.finish(fmt.Errorf("speech: write audio: %w", err), h)
			return
		}
	}
	if ctx.Err() != nil {
		p.finish(fmt.Errorf("speech: %w", ctx.Err()), h)
		return
	}
	s.log.Debug("speech: playback finished", "language", lang, "voice", voice.ID, "elapsed", time.Since(begin))
	p.finish(nil, h)
}

// Playback is one in-flight utterance.
type Playback struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	err       error
}

// Cancel stops the utterance. Handlers that have not started yet never run.
// It is safe to call more than once.
func (p *Playback) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.cancel()
}

// Done is closed once the playback goroutine has exited.
func (p *Playback) Done() <-chan struct{} { return p.done }

// Err returns the failure of a finished playback, if any.
func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Playback) live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.cancelled
}

func (p *Playback) finish(err error, h Handlers) {
	p.mu.Lock()
	p.err = err
	cancelled := p.cancelled
	p.mu.Unlock()
	if cancelled {
		return
	}
	switch {
	case err != nil && h.OnError != nil:
		h.OnError(err)
	case err == nil && h.OnEnd != nil:
		h.OnEnd()
	}
}
