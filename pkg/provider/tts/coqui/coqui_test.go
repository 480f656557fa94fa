package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glossa/pkg/provider/tts"
	"github.com/MrWong99/glossa/pkg/types"
)

// buildTestWAV wraps pcm in a minimal 16 kHz mono RIFF/WAVE container.
func buildTestWAV(pcm []byte) []byte {
	le := binary.LittleEndian
	buf := []byte("RIFF")
	buf = le.AppendUint32(buf, uint32(4+24+8+len(pcm)))
	buf = append(buf, "WAVEfmt "...)
	buf = le.AppendUint32(buf, 16)
	buf = le.AppendUint16(buf, 1)
	buf = le.AppendUint16(buf, 1)
	buf = le.AppendUint32(buf, 16000)
	buf = le.AppendUint32(buf, 32000)
	buf = le.AppendUint16(buf, 2)
	buf = le.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = le.AppendUint32(buf, uint32(len(pcm)))
	return append(buf, pcm...)
}

func sendFragments(fragments ...string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

func drain(ch <-chan []byte) []byte {
	var out []byte
	for c := range ch {
		out = append(out, c...)
	}
	return out
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestSynthesizeStream_StandardPreservesSentenceOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotLangs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tts" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		gotLangs = append(gotLangs, r.URL.Query().Get("language_id"))
		mu.Unlock()
		text := r.URL.Query().Get("text")
		// Delay the first sentence so out-of-order completion is exercised.
		if text == "Alpha." {
			time.Sleep(50 * time.Millisecond)
		}
		_, _ = w.Write(buildTestWAV([]byte(text[:1])))
	}))
	t.Cleanup(srv.Close)

	p, _ := New(srv.URL)
	audioCh, err := p.SynthesizeStream(context.Background(),
		sendFragments("Alpha.", " Beta? Gamma"),
		types.VoiceProfile{Language: "ru-RU"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	got := string(drain(audioCh))
	want := "ABG"
	if got != want {
		t.Errorf("pcm = %q, want %q", got, want)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, l := range gotLangs {
		if l != "ru" {
			t.Errorf("language_id = %q, want ru", l)
		}
	}
}

func TestSynthesizeStream_XTTS(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req xttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Language != "zh-cn" || req.SpeakerWav != "lin" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(buildTestWAV([]byte{1, 2}))
	}))
	t.Cleanup(srv.Close)

	p, _ := New(srv.URL, WithAPIMode(APIModeXTTS))
	audioCh, err := p.SynthesizeStream(context.Background(), sendFragments("你好。"),
		types.VoiceProfile{ID: "lin", Language: "CH"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := drain(audioCh); len(got) != 2 {
		t.Errorf("pcm len = %d, want 2", len(got))
	}
}

func TestSynthesizeStream_XTTSRequiresVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("http://localhost", WithAPIMode(APIModeXTTS))
	if _, err := p.SynthesizeStream(context.Background(), nil, types.VoiceProfile{}); !errors.Is(err, tts.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestSynthesizeStream_ServerErrorClosesStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p, _ := New(srv.URL)
	audioCh, err := p.SynthesizeStream(context.Background(), sendFragments("Hola."), types.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := drain(audioCh); len(got) != 0 {
		t.Errorf("expected no audio, got %d bytes", len(got))
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mode    APIMode
		body    string
		wantIDs []string
	}{
		{"standard multi speaker", APIModeStandard, `{"model_name":"vits","speakers":["b","a"]}`, []string{"a", "b"}},
		{"standard single speaker", APIModeStandard, `{"model_name":"vits"}`, []string{"vits"}},
		{"xtts studio", APIModeXTTS, `{"Ana":{},"Bo":{}}`, []string{"Ana", "Bo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			p, _ := New(srv.URL, WithAPIMode(tt.mode))
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tt.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if voices[i].ID != id || voices[i].Provider != "coqui" {
					t.Errorf("voice[%d] = %+v, want id %q", i, voices[i], id)
				}
			}
		})
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		want     []string
		wantRest string
	}{
		{"Hello world", nil, "Hello world"},
		{"Hello.", []string{"Hello."}, ""},
		{"Dr.Smith", nil, "Dr.Smith"},
		{"Wait! more", []string{"Wait!"}, " more"},
		{"One. Two? Thr", []string{"One.", "Two?"}, " Thr"},
		{"你好。再见", []string{"你好。"}, "再见"},
	}
	for _, tt := range tests {
		got, rest := splitSentences(tt.in)
		if !slices.Equal(got, tt.want) || rest != tt.wantRest {
			t.Errorf("splitSentences(%q) = %q, %q; want %q, %q", tt.in, got, rest, tt.want, tt.wantRest)
		}
	}
}

func TestNew_UnknownMode(t *testing.T) {
	t.Parallel()
	if _, err := New("http://localhost:5002", WithAPIMode("bark")); err == nil {
		t.Fatal("expected error for unknown api mode")
	}
}

func TestParseWAV(t *testing.T) {
	t.Parallel()
	info, err := parseWAV(buildTestWAV([]byte{9, 9}))
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.dataOffset != 44 || info.sampleRate != 16000 || info.channels != 1 {
		t.Errorf("info = %+v", info)
	}
	if _, err := parseWAV([]byte("not a wav")); err == nil {
		t.Error("expected error for invalid WAV")
	}
}
