package opus

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/glossa/pkg/audio"
)

func tone(f audio.Format, ms int) []byte {
	n := f.SampleRate * ms / 1000
	samples := make([]int16, n*f.Channels)
	for i := range n {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(f.SampleRate)))
		for ch := range f.Channels {
			samples[i*f.Channels+ch] = v
		}
	}
	return audio.Bytes(samples)
}

func TestSupported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		f    audio.Format
		want bool
	}{
		{audio.Format{SampleRate: 48000, Channels: 2}, true},
		{audio.Format{SampleRate: 16000, Channels: 1}, true},
		{audio.Format{SampleRate: 44100, Channels: 1}, false},
		{audio.Format{SampleRate: 16000, Channels: 3}, false},
	}
	for _, tc := range tests {
		if got := Supported(tc.f); got != tc.want {
			t.Errorf("Supported(%s) = %v, want %v", tc.f, got, tc.want)
		}
	}
	if _, err := NewDecoder(audio.Format{SampleRate: 44100, Channels: 1}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("NewDecoder err = %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 48000, Channels: 1}
	enc, err := NewEncoder(f)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(f)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	// 50 ms is two whole frames plus 10 ms pending.
	packets, err := enc.Encode(tone(f, 50))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(packets))
	}
	last, err := enc.Flush()
	if err != nil || last == nil {
		t.Fatalf("Flush = %v, %v", last, err)
	}
	if again, _ := enc.Flush(); again != nil {
		t.Error("second Flush produced a packet")
	}

	for _, p := range append(packets, last) {
		frame, err := dec.Decode(p)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got := len(frame.Data) / 2; got != FrameSize(f) {
			t.Errorf("decoded %d samples, want %d", got, FrameSize(f))
		}
		if frame.SampleRate != 48000 || frame.Channels != 1 {
			t.Errorf("frame format = %d/%d", frame.SampleRate, frame.Channels)
		}
	}
}
