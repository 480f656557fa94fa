// Package coqui provides a TTS provider for a self-hosted Coqui TTS server.
//
// Two server flavours are supported: the stock server ([APIModeStandard])
// and the XTTS v2 API server ([APIModeXTTS]). XTTS is multilingual, so one
// speaker can voice every practice language.
//
// Both synthesise one utterance per HTTP call. SynthesizeStream therefore
// cuts the incoming text into sentences and keeps a few requests in flight
// while emitting audio in sentence order.
package coqui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/glossa/pkg/audio"
	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// inFlight bounds the sentences being synthesised at once.
	inFlight  = 4
	chunkSize = 4096
)

// Option is a functional option for [New].
type Option func(*Provider)

// WithLanguage sets the language used for voices that declare none.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each synthesis request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithOutputSampleRate resamples mono output to rate. Zero keeps the
// model's rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider implements tts.Provider. It is safe for concurrent use.
type Provider struct {
	baseURL    string
	language   string
	mode       APIMode
	api        api
	outputRate int
	client     *http.Client
}

// New creates a Provider for the server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		baseURL:  strings.TrimRight(serverURL, "/"),
		language: defaultLanguage,
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard:
		p.api = standardAPI{}
	case APIModeXTTS:
		p.api = xttsAPI{}
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

// SynthesizeStream speaks text sentence by sentence. The returned channel
// closes when text is drained, a request fails or ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" && p.mode == APIModeXTTS {
		return nil, fmt.Errorf("coqui: xtts needs a speaker voice: %w", tts.ErrUnavailable)
	}

	// Each queued channel yields one sentence's audio. Queue order is
	// sentence order, whichever request finishes first.
	queue := make(chan chan []byte, inFlight)
	go p.dispatch(ctx, text, voice, queue)

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		for res := range queue {
			var pcm []byte
			select {
			case pcm = <-res:
			case <-ctx.Done():
				return
			}
			if pcm == nil {
				return
			}
			for len(pcm) > 0 {
				n := min(chunkSize, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()
	return out, nil
}

// dispatch starts one request per complete sentence read from text.
func (p *Provider) dispatch(ctx context.Context, text <-chan string, voice types.VoiceProfile, queue chan<- chan []byte) {
	defer close(queue)

	start := func(sentence string) bool {
		res := make(chan []byte, 1)
		select {
		case queue <- res:
		case <-ctx.Done():
			return false
		}
		go func() {
			pcm, err := p.synthesize(ctx, sentence, voice)
			if err != nil {
				// nil ends the stream.
				pcm = nil
			}
			res <- pcm
		}()
		return true
	}

	var pending string
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				if rest := strings.TrimSpace(pending); rest != "" {
					start(rest)
				}
				return
			}
			var done []string
			done, pending = splitSentences(pending + fragment)
			for _, s := range done {
				if !start(s) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// synthesize returns the PCM for one sentence, never nil on success.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	req, err := p.api.synthRequest(ctx, p.baseURL, sentence, p.languageFor(voice), voice)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: synthesize: status %s", resp.Status)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	pcm := wav[info.dataOffset:]
	if p.outputRate > 0 && info.sampleRate != p.outputRate && info.channels == 1 {
		pcm = audio.ResampleMono16(pcm, info.sampleRate, p.outputRate)
	}
	if pcm == nil {
		pcm = []byte{}
	}
	return pcm, nil
}

// languageFor maps the voice's language tag to a Coqui language id. Coqui
// calls Mandarin "zh-cn".
func (p *Provider) languageFor(voice types.VoiceProfile) string {
	lang, _, _ := strings.Cut(voice.Language, "-")
	switch lang = strings.ToLower(lang); lang {
	case "":
		return p.language
	case "ch", "zh":
		return "zh-cn"
	default:
		return lang
	}
}

// ListVoices returns the server's speakers. A single-speaker standard model
// yields one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+p.api.voicesPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w: %w", tts.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: list voices: status %s", resp.Status)
	}
	voices, err := p.api.decodeVoices(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: decode voices: %w", err)
	}
	return voices, nil
}
