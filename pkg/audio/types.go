// Package audio holds the PCM plumbing between practice clients and speech
// providers: frames, format conversion and the Opus codec in audio/opus.
package audio

import "time"

// AudioFrame is a chunk of little-endian 16-bit PCM.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz, e.g. 48000 from browsers, 16000 for recognition.
	SampleRate int

	// Channels is 1 for mono and 2 for stereo.
	Channels int

	// Timestamp is the offset of the frame from the start of the stream.
	Timestamp time.Duration
}
