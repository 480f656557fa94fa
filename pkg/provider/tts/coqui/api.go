package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"github.com/MrWong99/glossa/pkg/types"
)

// APIMode names a Coqui server flavour.
type APIMode string

const (
	// APIModeStandard is the stock server: GET /api/tts, voices from
	// GET /details.
	APIModeStandard APIMode = "standard"

	// APIModeXTTS is the XTTS v2 API server: POST /tts_to_audio/, voices
	// from GET /studio_speakers.
	APIModeXTTS APIMode = "xtts"
)

// api is what differs between the server flavours.
type api interface {
	synthRequest(ctx context.Context, base, sentence, lang string, voice types.VoiceProfile) (*http.Request, error)
	voicesPath() string
	decodeVoices(r io.Reader) ([]types.VoiceProfile, error)
}

type standardAPI struct{}

func (standardAPI) synthRequest(ctx context.Context, base, sentence, lang string, voice types.VoiceProfile) (*http.Request, error) {
	q := url.Values{"text": {sentence}, "language_id": {lang}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tts?"+q.Encode(), nil)
}

func (standardAPI) voicesPath() string { return "/details" }

func (standardAPI) decodeVoices(r io.Reader) ([]types.VoiceProfile, error) {
	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(r).Decode(&details); err != nil {
		return nil, err
	}
	if len(details.Speakers) > 0 {
		return profiles(details.Speakers, map[string]string{"type": "speaker", "model_name": details.ModelName}), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return profiles([]string{name}, map[string]string{"type": "single-speaker", "model_name": name}), nil
}

type xttsAPI struct{}

type xttsRequest struct {
	Text       string  `json:"text"`
	SpeakerWav string  `json:"speaker_wav"`
	Language   string  `json:"language"`
	Speed      float64 `json:"speed,omitempty"`
}

func (xttsAPI) synthRequest(ctx context.Context, base, sentence, lang string, voice types.VoiceProfile) (*http.Request, error) {
	body, err := json.Marshal(xttsRequest{Text: sentence, SpeakerWav: voice.ID, Language: lang, Speed: voice.SpeedFactor})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (xttsAPI) voicesPath() string { return "/studio_speakers" }

func (xttsAPI) decodeVoices(r io.Reader) ([]types.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&speakers); err != nil {
		return nil, err
	}
	return profiles(slices.Collect(maps.Keys(speakers)), map[string]string{"type": "studio"}), nil
}

// profiles builds sorted voice profiles that each own a copy of meta.
func profiles(names []string, meta map[string]string) []types.VoiceProfile {
	names = slices.Sorted(slices.Values(names))
	out := make([]types.VoiceProfile, 0, len(names))
	for _, n := range names {
		out = append(out, types.VoiceProfile{ID: n, Name: n, Provider: "coqui", Metadata: maps.Clone(meta)})
	}
	return out
}
