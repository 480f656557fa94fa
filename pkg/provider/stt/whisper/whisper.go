// Package whisper provides whisper.cpp-backed STT providers.
//
// Provider posts utterances to a running whisper-server (POST /inference).
// NativeProvider links whisper.cpp through its CGO bindings. Both segment
// the stream with an energy-based silence detector and transcribe each
// utterance as a batch. Whisper yields one hypothesis per utterance, so
// results never carry more than one alternative.
//
// The expected phrase's keywords become whisper's initial prompt, which
// nudges the decoder toward the words a learner is about to say.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithSilenceThresholdMs(500))
//	handle, err := p.StartStream(ctx, stt.StreamConfig{Language: "ru-RU"})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/glossa/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// settings are shared by both providers. Fields a provider does not use are
// ignored.
type settings struct {
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int

	// HTTP only.
	model      string
	httpClient *http.Client
}

func defaults() settings {
	return settings{
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
}

func (s settings) segment(cfg stt.StreamConfig, failKind stt.ErrorKind) segmentConfig {
	return segmentConfig{
		sampleRate:          positiveOr(cfg.SampleRate, s.sampleRate),
		channels:            positiveOr(cfg.Channels, 1),
		silenceThresholdMs:  s.silenceThresholdMs,
		maxBufferDurationMs: s.maxBufferDurationMs,
		failKind:            failKind,
	}
}

// Option configures either provider.
type Option func(*settings)

// WithLanguage sets the language used when a stream names none. Defaults
// to "en".
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithSampleRate sets the sample rate assumed when a stream names none.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(s *settings) { s.sampleRate = rate }
}

// WithSilenceThresholdMs sets the silence that closes an utterance.
// Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(s *settings) { s.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the utterance length that forces a flush.
// Defaults to 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(s *settings) { s.maxBufferDurationMs = ms }
}

// WithModel names the model the server should use, e.g. "small". The
// server's startup model is used when empty. HTTP only.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithHTTPClient replaces the inference HTTP client. HTTP only.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// Provider implements stt.Provider against a whisper.cpp HTTP server.
type Provider struct {
	serverURL string
	settings
}

// New creates a Provider for the server at serverURL, e.g.
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{serverURL: strings.TrimRight(serverURL, "/"), settings: defaults()}
	for _, o := range opts {
		o(&p.settings)
	}
	return p, nil
}

// StartStream opens a transcription session. Nothing is sent until the
// first utterance is flushed; server failures surface as transient network
// errors on the event stream.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	seg := p.segment(cfg, stt.ErrorNetwork)
	u := utterance{
		lang:       primaryLanguage(cfg.Language, p.language),
		prompt:     initialPrompt(cfg.Keywords),
		sampleRate: seg.sampleRate,
		channels:   seg.channels,
	}
	return newSegmentSession(ctx, seg, func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, u, pcm)
	}), nil
}

// utterance holds the per-stream inference parameters.
type utterance struct {
	lang       string
	prompt     string
	sampleRate int
	channels   int
}

func (p *Provider) infer(ctx context.Context, u utterance, pcm []byte) (string, error) {
	body, contentType, err := p.form(u, pcm)
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return result.Text, nil
}

// form encodes one utterance as the multipart body whisper-server expects.
func (p *Provider) form(u utterance, pcm []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(encodeWAV(pcm, u.sampleRate, u.channels)); err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"language", u.lang},
		{"model", p.model},
		{"prompt", u.prompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}

// encodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte RIFF/WAV
// header.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * bitsPerSample / 8
	buf := make([]byte, 44, 44+len(pcm))
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+len(pcm)))
	copy(buf[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:], bitsPerSample)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(pcm)))
	return append(buf, pcm...)
}

// primaryLanguage reduces a BCP-47 tag to the code whisper understands
// ("ru-RU" becomes "ru"). The legacy "ch" tag maps to "zh".
func primaryLanguage(tag, fallback string) string {
	if tag == "" {
		tag = fallback
	}
	primary, _, _ := strings.Cut(tag, "-")
	primary = strings.ToLower(primary)
	if primary == "ch" {
		return "zh"
	}
	return primary
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
