package audio

import (
	"slices"
	"testing"
	"time"
)

func pcm(samples ...int16) []byte { return Bytes(samples) }

func TestSamplesRoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768}
	if got := Samples(Bytes(in)); !slices.Equal(got, in) {
		t.Errorf("Samples(Bytes(x)) = %v, want %v", got, in)
	}
	if got := Samples([]byte{1, 0, 7}); len(got) != 1 || got[0] != 1 {
		t.Errorf("odd trailing byte not ignored: %v", got)
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := Samples(MonoToStereo(pcm(100, -200)))
	if want := []int16{100, 100, -200, -200}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := Samples(StereoToMono(pcm(100, 300, 32767, 32767, -32768, -32768)))
	if want := []int16{200, 32767, -32768}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []byte
		channels int
		src, dst int
		want     []int16
	}{
		{name: "same rate", in: pcm(1, 2, 3), channels: 1, src: 16000, dst: 16000, want: []int16{1, 2, 3}},
		{name: "zero rate", in: pcm(1, 2), channels: 1, src: 0, dst: 16000, want: []int16{1, 2}},
		{name: "mono upsample", in: pcm(0, 100), channels: 1, src: 8000, dst: 16000, want: []int16{0, 50, 100, 100}},
		{name: "mono downsample", in: pcm(0, 10, 20, 30), channels: 1, src: 32000, dst: 16000, want: []int16{0, 20}},
		{name: "stereo downsample", in: pcm(0, 1, 10, 11, 20, 21, 30, 31), channels: 2, src: 32000, dst: 16000, want: []int16{0, 1, 20, 21}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Samples(Resample(tc.in, tc.channels, tc.src, tc.dst))
			if !slices.Equal(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConverter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frame  AudioFrame
		target Format
		want   []int16
	}{
		{
			name:   "no-op",
			frame:  AudioFrame{Data: pcm(5, 6), SampleRate: 16000, Channels: 1},
			target: RecognitionFormat,
			want:   []int16{5, 6},
		},
		{
			name:   "browser stereo to recognition",
			frame:  AudioFrame{Data: pcm(0, 0, 10, 10, 20, 20), SampleRate: 48000, Channels: 2},
			target: RecognitionFormat,
			want:   []int16{0},
		},
		{
			name:   "recognition to client stereo",
			frame:  AudioFrame{Data: pcm(7), SampleRate: 16000, Channels: 1},
			target: Format{SampleRate: 16000, Channels: 2},
			want:   []int16{7, 7},
		},
		{
			name:   "torn stereo frame",
			frame:  AudioFrame{Data: pcm(1, 2, 3), SampleRate: 48000, Channels: 2},
			target: RecognitionFormat,
			want:   []int16{},
		},
		{
			name:   "unknown format",
			frame:  AudioFrame{Data: pcm(1, 2), SampleRate: 0, Channels: 1},
			target: RecognitionFormat,
			want:   []int16{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := NewConverter(tc.target, nil)
			out := c.Convert(tc.frame)
			if out.SampleRate != tc.target.SampleRate || out.Channels != tc.target.Channels {
				t.Errorf("format = %dHz/%d, want %s", out.SampleRate, out.Channels, tc.target)
			}
			if got := Samples(out.Data); !slices.Equal(got, tc.want) {
				t.Errorf("samples = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	if got := (Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("String() = %q", got)
	}
	if got := RecognitionFormat.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %s, want 1s", got)
	}
	if (Format{SampleRate: 16000, Channels: 6}).Valid() {
		t.Error("six channels reported valid")
	}
}
