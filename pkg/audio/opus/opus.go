// Package opus encodes and decodes the Opus frames exchanged with practice
// clients. Browsers record Opus natively, so clients that negotiate it send
// a fraction of the PCM bandwidth.
package opus

import (
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/glossa/pkg/audio"
)

// FrameDuration is the Opus frame length in milliseconds used on the wire.
const FrameDuration = 20

// maxFrameSamples bounds a decoded frame: 120 ms at 48 kHz.
const maxFrameSamples = 5760

// ErrUnsupportedFormat is returned for rates or channel counts Opus cannot
// carry.
var ErrUnsupportedFormat = errors.New("opus: unsupported format")

// Supported reports whether Opus can encode f.
func Supported(f audio.Format) bool {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
		return f.Channels == 1 || f.Channels == 2
	}
	return false
}

// FrameSize returns the number of samples per channel in one wire frame.
func FrameSize(f audio.Format) int {
	return f.SampleRate * FrameDuration / 1000
}

// Decoder turns one client's Opus packets into PCM frames. Decoder state
// carries across packets, so use one per stream.
type Decoder struct {
	format audio.Format
	dec    *gopus.Decoder
}

// NewDecoder creates a decoder producing PCM in format f.
func NewDecoder(f audio.Format) (*Decoder, error) {
	if !Supported(f) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{format: f, dec: dec}, nil
}

// Decode decodes one packet.
func (d *Decoder) Decode(packet []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSamples, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.AudioFrame{
		Data:       audio.Bytes(pcm),
		SampleRate: d.format.SampleRate,
		Channels:   d.format.Channels,
	}, nil
}

// Encoder packs PCM into Opus packets. PCM is buffered until a whole frame
// is available; the remainder is kept for the next call.
type Encoder struct {
	format  audio.Format
	enc     *gopus.Encoder
	pending []int16
}

// NewEncoder creates an encoder for PCM in format f, tuned for speech.
func NewEncoder(f audio.Format) (*Encoder, error) {
	if !Supported(f) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{format: f, enc: enc}, nil
}

// Encode appends pcm to the pending samples and returns one packet per
// complete frame.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, audio.Samples(pcm)...)
	frame := FrameSize(e.format) * e.format.Channels

	var packets [][]byte
	for len(e.pending) >= frame {
		pkt, err := e.enc.Encode(e.pending[:frame], FrameSize(e.format), frame*2)
		if err != nil {
			return packets, fmt.Errorf("opus: encode: %w", err)
		}
		packets = append(packets, pkt)
		e.pending = e.pending[frame:]
	}
	return packets, nil
}

// Flush pads the pending samples with silence to a whole frame and encodes
// it. It returns nil when nothing is pending.
func (e *Encoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := FrameSize(e.format) * e.format.Channels
	padded := make([]int16, frame)
	copy(padded, e.pending)
	e.pending = e.pending[:0]
	pkt, err := e.enc.Encode(padded, FrameSize(e.format), frame*2)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return pkt, nil
}
