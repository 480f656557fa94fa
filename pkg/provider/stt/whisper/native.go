// NativeProvider needs the whisper.cpp static library (libwhisper.a) and
// header (whisper.h) at link time, found through LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/glossa/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in process. The model is loaded once and
// shared; every utterance gets its own inference context.
type NativeProvider struct {
	model whisperlib.Model
	settings
}

// NewNative loads the model at modelPath. A missing or unreadable model is
// reported as stt.ErrUnavailable. Call Close to free the model.
func NewNative(modelPath string, opts ...Option) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w: %w", modelPath, stt.ErrUnavailable, err)
	}
	p := &NativeProvider{model: model, settings: defaults()}
	for _, o := range opts {
		o(&p.settings)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// StartStream opens a transcription session.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	seg := p.segment(cfg, stt.ErrorOther)
	u := utterance{
		lang:     primaryLanguage(cfg.Language, p.language),
		prompt:   initialPrompt(cfg.Keywords),
		channels: seg.channels,
	}
	return newSegmentSession(ctx, seg, func(_ context.Context, pcm []byte) (string, error) {
		return p.infer(u, pcm)
	}), nil
}

func (p *NativeProvider) infer(u utterance, pcm []byte) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(u.lang); err != nil {
		slog.Warn("whisper: model does not know the language, using its default", "language", u.lang, "err", err)
	}
	if u.prompt != "" {
		wctx.SetInitialPrompt(u.prompt)
	}
	if err := wctx.Process(pcmToMonoFloat32(pcm, u.channels), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var text strings.Builder
	for {
		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return strings.TrimSpace(text.String()), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(t)
		}
	}
}
