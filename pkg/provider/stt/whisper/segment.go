package whisper

import (
	"cmp"
	"context"
	"encoding/binary"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// inferFunc transcribes one utterance of 16-bit PCM audio.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// segmentConfig holds the per-session parameters of the utterance segmenter.
type segmentConfig struct {
	sampleRate          int
	channels            int
	silenceThresholdMs  int
	maxBufferDurationMs int

	// failKind classifies inference errors on the event stream.
	failKind stt.ErrorKind
}

// segmentSession turns a continuous PCM stream into utterances using an
// energy-based silence detector and transcribes each one with infer. Whisper
// produces a single hypothesis, so every result carries one alternative. It
// implements stt.SessionHandle for both the HTTP and the native provider.
type segmentSession struct {
	cfg   segmentConfig
	infer inferFunc
	start time.Time

	audioCh chan []byte
	events  chan stt.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newSegmentSession(ctx context.Context, cfg segmentConfig, infer inferFunc) *segmentSession {
	s := &segmentSession{
		cfg:     cfg,
		infer:   infer,
		start:   time.Now(),
		audioCh: make(chan []byte, 256),
		events:  make(chan stt.Event, 64),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio.
func (s *segmentSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Events returns the session's event stream.
func (s *segmentSession) Events() <-chan stt.Event { return s.events }

// Close stops the session. Buffered speech is discarded; the event channel is
// closed once the processing goroutine has exited.
func (s *segmentSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop owns all buffer state. It exits when the session is closed or
// ctx is cancelled.
func (s *segmentSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	var (
		buffer     []byte
		hadSpeech  bool
		silenceMs  int
		speechFrom time.Duration
	)

	bytesPerMs := s.cfg.sampleRate * s.cfg.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.cfg.maxBufferDurationMs * bytesPerMs

	flush := func() {
		pcm := buffer
		buffer, hadSpeech, silenceMs = nil, false, 0
		if len(pcm) == 0 {
			return
		}

		text, err := s.infer(ctx, pcm)
		var ev stt.Event
		switch {
		case err != nil:
			ev = stt.Event{Err: stt.NewError(s.cfg.failKind, err)}
		case strings.TrimSpace(text) == "":
			ev = stt.Event{Err: stt.NewError(stt.ErrorNoSpeech, nil)}
		default:
			ev = stt.Event{Transcript: types.Transcript{
				Alternatives: []types.Alternative{{Text: strings.TrimSpace(text)}},
				IsFinal:      true,
				Timestamp:    speechFrom,
			}}
		}
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case chunk := <-s.audioCh:
			if computeRMS(chunk) < defaultRMSThreshold {
				if hadSpeech {
					silenceMs += chunkDurationMs(chunk, s.cfg.sampleRate, s.cfg.channels)
					buffer = append(buffer, chunk...)
					if silenceMs >= s.cfg.silenceThresholdMs {
						flush()
					}
				}
				continue
			}
			if !hadSpeech {
				speechFrom = time.Since(s.start)
			}
			hadSpeech = true
			silenceMs = 0
			buffer = append(buffer, chunk...)
			if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
				flush()
			}
		}
	}
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDurationMs returns the duration of a PCM chunk in milliseconds.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return len(chunk) * 1000 / (sampleRate * channels * (bitsPerSample / 8))
}

// pcmToMonoFloat32 down-mixes 16-bit PCM to mono float32 samples in [-1, 1].
func pcmToMonoFloat32(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			off := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// maxPromptRunes keeps the initial prompt well inside whisper's prompt
// window.
const maxPromptRunes = 200

// initialPrompt joins keyword hints, strongest boost first, into a decoder
// prompt. Duplicates are dropped.
func initialPrompt(keywords []types.KeywordBoost) string {
	kws := slices.Clone(keywords)
	slices.SortStableFunc(kws, func(a, b types.KeywordBoost) int { return cmp.Compare(b.Boost, a.Boost) })

	seen := make(map[string]bool, len(kws))
	var out []string
	n := 0
	for _, k := range kws {
		w := strings.TrimSpace(k.Keyword)
		key := strings.ToLower(w)
		if w == "" || seen[key] {
			continue
		}
		size := utf8.RuneCountInString(w)
		if n+size > maxPromptRunes {
			break
		}
		seen[key] = true
		out = append(out, w)
		n += size + 2
	}
	return strings.Join(out, ", ")
}
