// Package vosk provides an offline STT provider backed by the Vosk speech
// recognition toolkit (github.com/alphacep/vosk-api/go). Vosk models are
// language specific, so the provider holds one model per language tag and
// picks it by the primary subtag of StreamConfig.Language. Vosk natively
// returns ranked alternatives, which makes it a good fit for short phrase
// practice.
//
// The libvosk shared library must be available at link and run time.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	vosklib "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
)

const defaultSampleRate = 16000

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider with locally loaded Vosk models.
type Provider struct {
	mu     sync.Mutex
	models map[string]*vosklib.VoskModel
}

// New loads one Vosk model per language. modelPaths maps a language tag
// (e.g. "ru" or "ru-RU") to a model directory. Every model is loaded eagerly
// so a bad path fails at startup.
func New(modelPaths map[string]string) (*Provider, error) {
	if len(modelPaths) == 0 {
		return nil, errors.New("vosk: at least one model path is required")
	}
	vosklib.SetLogLevel(-1)

	p := &Provider{models: make(map[string]*vosklib.VoskModel, len(modelPaths))}
	for lang, path := range modelPaths {
		m, err := vosklib.NewModel(path)
		if err != nil || m == nil {
			p.Close()
			return nil, fmt.Errorf("vosk: load model %q for %q: %w", path, lang, errors.Join(stt.ErrUnavailable, err))
		}
		p.models[primary(lang)] = m
	}
	return p, nil
}

// Close frees every loaded model.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, m := range p.models {
		m.Free()
		delete(p.models, k)
	}
	return nil
}

// StartStream creates a recognizer for the requested language. A language
// without a loaded model is reported as stt.ErrUnavailable.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("vosk: %w", err)
	}
	p.mu.Lock()
	model, ok := p.models[primary(cfg.Language)]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vosk: no model for language %q: %w", cfg.Language, stt.ErrUnavailable)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	rec, err := vosklib.NewRecognizer(model, float64(sr))
	if err != nil {
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}
	if cfg.MaxAlternatives > 1 {
		rec.SetMaxAlternatives(cfg.MaxAlternatives)
	}

	s := &session{
		rec:    rec,
		audio:  make(chan []byte, 256),
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

// session is one live recognizer. All recognizer calls happen on the loop
// goroutine.
type session struct {
	rec    *vosklib.VoskRecognizer
	audio  chan []byte
	events chan stt.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

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

func (s *session) Events() <-chan stt.Event { return s.events }

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)
	defer s.rec.Free()

	emit := func(t types.Transcript) bool {
		select {
		case s.events <- stt.Event{Transcript: t}:
			return true
		case <-s.done:
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case chunk := <-s.audio:
			if s.rec.AcceptWaveform(chunk) > 0 {
				if t, ok := parseResult(s.rec.Result()); ok && !emit(t) {
					return
				}
				continue
			}
			if t, ok := parsePartial(s.rec.PartialResult()); ok && !emit(t) {
				return
			}
		}
	}
}

// result is the JSON shape of a Vosk final result. With alternatives enabled
// the top-level text is empty and Alternatives is populated instead.
type result struct {
	Text         string `json:"text"`
	Alternatives []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// parseResult converts a final result. Vosk alternative confidences are
// unnormalised scores, so they are rescaled relative to the best one.
func parseResult(raw string) (types.Transcript, bool) {
	var r result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return types.Transcript{}, false
	}
	var alts []types.Alternative
	if len(r.Alternatives) > 0 {
		top := r.Alternatives[0].Confidence
		for _, a := range r.Alternatives {
			text := strings.TrimSpace(a.Text)
			if text == "" {
				continue
			}
			conf := 1.0
			if top > 0 {
				conf = a.Confidence / top
			}
			alts = append(alts, types.Alternative{Text: text, Confidence: conf})
		}
	} else if text := strings.TrimSpace(r.Text); text != "" {
		alts = append(alts, types.Alternative{Text: text, Confidence: 1})
	}
	if len(alts) == 0 {
		return types.Transcript{}, false
	}
	return types.Transcript{Alternatives: alts, IsFinal: true}, true
}

func parsePartial(raw string) (types.Transcript, bool) {
	var r struct {
		Partial string `json:"partial"`
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return types.Transcript{}, false
	}
	text := strings.TrimSpace(r.Partial)
	if text == "" {
		return types.Transcript{}, false
	}
	return types.Transcript{Alternatives: []types.Alternative{{Text: text}}}, true
}

func primary(tag string) string {
	p, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(p)
}
