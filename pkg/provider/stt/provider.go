// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram, a
// local Whisper model, or Vosk) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw PCM
// audio frames and emits a single stream of Events. An event carries either a
// ranked recognition result (partial or final) or a classified provider
// error. When the provider ends the stream, the event channel is closed.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/glossa/pkg/types"
)

// ErrUnavailable is returned by StartStream when the backend cannot be used at
// all (missing credentials, model not found, service rejected the account).
// It is never retried.
var ErrUnavailable = errors.New("stt: provider unavailable")

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the common value for
	// speech recognition.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "ru-RU").
	Language string

	// MaxAlternatives bounds how many ranked hypotheses a result carries.
	// Zero means the provider default (usually one).
	MaxAlternatives int

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for the words of the expected phrase.
	Keywords []types.KeywordBoost
}

// Event is a single item on a session's event stream. Exactly one of
// Transcript or Err is meaningful: when Err is nil the event is a result.
type Event struct {
	Transcript types.Transcript
	Err        error
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. The
	// chunk should match the format agreed in StreamConfig. Calling SendAudio
	// after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Events returns the session's event stream. The channel is closed when the
	// provider ends the session or after Close.
	Events() <-chan Event

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Errors wrapping ErrUnavailable mean the provider cannot serve any
	// session. Other errors may be transient.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
