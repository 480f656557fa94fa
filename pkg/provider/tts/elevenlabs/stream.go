package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// Speeds outside this range are rejected by the API.
const (
	minSpeed = 0.7
	maxSpeed = 1.2
)

// inbound is a text message sent to the stream.
type inbound struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// outbound is a message received from the stream.
type outbound struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// SynthesizeStream speaks the fragments read from text with voice. Each
// fragment is flushed so a practice phrase starts playing without waiting
// for the model's buffer to fill. The returned channel closes once the
// server has sent its final chunk or ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, fmt.Errorf("elevenlabs: voice has no ID: %w", tts.ErrUnavailable)
	}

	conn, resp, err := websocket.Dial(ctx, p.streamURLFor(voice), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": {p.apiKey}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("elevenlabs: dial: %w: %w", tts.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The stream opens with a single space carrying the voice settings.
	if err := writeJSON(ctx, conn, inbound{Text: " ", VoiceSettings: p.settingsFor(voice)}); err != nil {
		conn.Close(websocket.StatusInternalError, "open failed")
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	out := make(chan []byte, 256)
	go p.run(ctx, conn, text, voice, out)
	return out, nil
}

// run feeds text into conn and forwards audio to out until the server ends
// the stream.
func (p *Provider) run(ctx context.Context, conn *websocket.Conn, text <-chan string, voice types.VoiceProfile, out chan<- []byte) {
	defer close(out)
	defer conn.Close(websocket.StatusNormalClosure, "")

	received := make(chan struct{})
	go func() {
		defer close(received)
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			pcm, final, err := decodeAudio(msg)
			if err != nil {
				p.log.Warn("elevenlabs: stream failed", "voice", voice.ID, "err", err)
				return
			}
			if len(pcm) > 0 {
				select {
				case out <- pcm:
				case <-ctx.Done():
					return
				}
			}
			if final {
				return
			}
		}
	}()

	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				// Empty text closes the input.
				_ = writeJSON(ctx, conn, inbound{Text: ""})
				<-received
				return
			}
			fragment = strings.TrimSpace(fragment)
			if fragment == "" {
				continue
			}
			if err := writeJSON(ctx, conn, inbound{Text: fragment + " ", Flush: true}); err != nil {
				return
			}
		case <-received:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v inbound) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// streamURLFor returns the stream URL for voice. language_code is only sent
// when the voice declares a language.
func (p *Provider) streamURLFor(voice types.VoiceProfile) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if lang := primaryLanguage(voice.Language); lang != "" {
		q.Set("language_code", lang)
	}
	return fmt.Sprintf(p.streamURL, url.PathEscape(voice.ID)) + "?" + q.Encode()
}

func (p *Provider) settingsFor(voice types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: p.stability, SimilarityBoost: p.similarity}
	if voice.SpeedFactor > 0 {
		vs.Speed = min(max(voice.SpeedFactor, minSpeed), maxSpeed)
	}
	return vs
}

// decodeAudio returns the PCM carried by msg and whether it is the last
// message. A message the server marks as an error ends the stream with err.
func decodeAudio(msg []byte) (pcm []byte, final bool, err error) {
	var o outbound
	if err := json.Unmarshal(msg, &o); err != nil {
		return nil, false, nil
	}
	if o.Error != "" {
		if o.Message != "" {
			return nil, true, fmt.Errorf("%s: %s", o.Error, o.Message)
		}
		return nil, true, errors.New(o.Error)
	}
	if o.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(o.Audio)
		if err != nil {
			return nil, o.IsFinal, nil
		}
	}
	return pcm, o.IsFinal, nil
}

// primaryLanguage returns the lowercase primary subtag of a language tag.
// The app code "ch" means Chinese, which ElevenLabs calls "zh".
func primaryLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	lang = strings.ToLower(lang)
	if lang == "ch" {
		return "zh"
	}
	return lang
}
