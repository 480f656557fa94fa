package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of little-endian
// 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// RecognitionFormat is the format handed to speech-to-text providers.
var RecognitionFormat = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether f has a positive rate and one or two channels.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Duration returns how long n bytes of PCM in format f play.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Converter turns frames of any valid format into Target. Create one per
// stream.
type Converter struct {
	Target Format
	log    *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewConverter returns a Converter to target. A nil logger uses slog.Default().
func NewConverter(target Format, log *slog.Logger) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{Target: target, log: log}
}

// Convert resamples and remixes frame to the target format. Frames already
// in the target format are returned unchanged. Frames with a torn sample
// come back empty.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if len(frame.Data)%(2*max(src.Channels, 1)) != 0 || !src.Valid() {
		c.warnedCorrupt.Do(func() {
			c.log.Warn("audio: dropping malformed PCM frame", "bytes", len(frame.Data), "format", src.String())
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if src == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		c.log.Debug("audio: converting stream", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	// Mixing down before resampling halves the work for stereo input.
	if src.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		src.Channels = 1
	}
	pcm = Resample(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	if src.Channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Samples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// MonoToStereo duplicates each mono sample into a left/right pair.
func MonoToStereo(pcm []byte) []byte {
	in := Samples(pcm)
	out := make([]int16, 2*len(in))
	for i, s := range in {
		out[2*i], out[2*i+1] = s, s
	}
	return Bytes(out)
}

// StereoToMono averages each left/right pair.
func StereoToMono(pcm []byte) []byte {
	in := Samples(pcm)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return Bytes(out)
}

// Resample converts interleaved PCM with the given channel count from
// srcRate to dstRate by linear interpolation. Invalid rates and matching
// rates return pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	in := Samples(pcm)
	srcFrames := len(in) / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(in[idx*channels+ch])
			s1 := float64(in[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return Bytes(out)
}

// ResampleMono16 is Resample for mono PCM.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample(pcm, 1, srcRate, dstRate)
}
