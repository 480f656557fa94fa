// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui server) and presents a uniform streaming interface. SynthesizeStream
// accepts a channel of text fragments and returns a channel of raw PCM audio
// bytes as they become available. The practice engine usually sends a single
// phrase and closes the text channel right away.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/glossa/pkg/types"
)

// ErrUnavailable is returned when the backend cannot be used at all (missing
// credentials, unknown voice, server rejected the account). It is never
// retried.
var ErrUnavailable = errors.New("tts: provider unavailable")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns a
	// channel that emits raw 16-bit mono PCM audio as it is synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. The caller must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis close the audio channel early; callers
	// check ctx.Err() to distinguish cancellation from provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
