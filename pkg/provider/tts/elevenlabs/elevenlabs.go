// Package elevenlabs provides a TTS provider on the ElevenLabs input
// streaming API. Multilingual models are told the voice's language, so one
// voice can speak every practice language.
package elevenlabs

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/glossa/pkg/provider/tts"
)

const (
	streamEndpoint = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"

	defaultModel        = "eleven_flash_v2_5"
	defaultOutputFormat = "pcm_16000"

	defaultStability  = 0.5
	defaultSimilarity = 0.75
)

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	stability    float64
	similarity   float64

	streamURL string
	voicesURL string
	client    *http.Client
	log       *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Provider)

// WithModel sets the model ID, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio format, e.g. "pcm_24000". It must be a
// PCM format matching the configured playback rate.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithVoiceSettings sets stability and similarity boost, both in [0, 1].
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		p.stability = stability
		p.similarity = similarity
	}
}

// WithEndpoints overrides the streaming and voice catalogue URLs. The stream
// URL holds a single %s for the voice ID.
func WithEndpoints(stream, voices string) Option {
	return func(p *Provider) {
		p.streamURL = stream
		p.voicesURL = voices
	}
}

// WithHTTPClient sets the client used for the voice catalogue.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger for errors reported mid-stream.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		stability:    defaultStability,
		similarity:   defaultSimilarity,
		streamURL:    streamEndpoint,
		voicesURL:    voicesEndpoint,
		client:       http.DefaultClient,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}
