// Package mock provides a test double for tts.Provider.
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{{1, 0}, {2, 0}},
//	    Voices: []types.VoiceProfile{{ID: "v1", Language: "ru-RU"}},
//	}
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// Utterance is one SynthesizeStream call.
type Utterance struct {
	Ctx   context.Context
	Voice types.VoiceProfile

	// Text is everything read from the text channel. Complete is set once
	// the channel was closed.
	Text     string
	Complete bool
}

// Provider is a scripted tts.Provider. Set the exported fields before use.
type Provider struct {
	// Chunks are emitted on every stream's audio channel.
	Chunks [][]byte

	// Err fails SynthesizeStream.
	Err error

	// Hold keeps each audio channel open after its chunks until Hold is
	// closed or the stream's context ends, like a long phrase being spoken.
	Hold chan struct{}

	// Voices and VoicesErr are returned by ListVoices.
	Voices    []types.VoiceProfile
	VoicesErr error

	mu         sync.Mutex
	utterances []Utterance
	voiceCalls int
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call, reads the whole text, then emits
// Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	idx := len(p.utterances)
	p.utterances = append(p.utterances, Utterance{Ctx: ctx, Voice: voice})
	err, chunks, hold := p.Err, p.Chunks, p.Hold
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	audio := make(chan []byte, len(chunks))
	go func() {
		defer close(audio)
		var sb strings.Builder
		for t := range text {
			sb.WriteString(t)
		}
		p.mu.Lock()
		p.utterances[idx].Text = sb.String()
		p.utterances[idx].Complete = true
		p.mu.Unlock()

		for _, c := range chunks {
			select {
			case audio <- c:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return audio, nil
}

// ListVoices returns Voices and VoicesErr.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voiceCalls++
	return p.Voices, p.VoicesErr
}

// Utterances returns a copy of every recorded call in order.
func (p *Provider) Utterances() []Utterance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Utterance(nil), p.utterances...)
}

// SpokenTexts returns the text of each completed utterance in call order.
func (p *Provider) SpokenTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, u := range p.utterances {
		if u.Complete {
			out = append(out, u.Text)
		}
	}
	return out
}

// CallCount returns the number of SynthesizeStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.utterances)
}

// VoiceListCount returns the number of ListVoices calls.
func (p *Provider) VoiceListCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voiceCalls
}
