package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// TTSFallback implements [tts.Provider] with failover across several
// synthesis backends.
//
// Phrases are short, so SynthesizeStream collects the whole text before
// calling a backend. That lets a backend that refuses the stream be replaced
// by the next one with the same phrase.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Health reports the breaker state of every backend.
func (f *TTSFallback) Health() []EntryHealth { return f.group.Health() }

// Available reports whether any backend would accept a call.
func (f *TTSFallback) Available() bool { return f.group.Available() }

// SynthesizeStream waits for text to close, then starts synthesis on the
// first healthy backend. Mid-stream errors are not retried.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	var sb strings.Builder
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				return f.synthesize(ctx, sb.String(), voice)
			}
			sb.WriteString(frag)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *TTSFallback) synthesize(ctx context.Context, phrase string, voice types.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		ch := make(chan string, 1)
		ch <- phrase
		close(ch)
		return p.SynthesizeStream(ctx, ch, voice)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
