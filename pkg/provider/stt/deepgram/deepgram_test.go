package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/glossa/pkg/provider/stt"
	"github.com/MrWong99/glossa/pkg/types"
	"github.com/coder/websocket"
)

func TestQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
		cfg  stt.StreamConfig
		want map[string]string
		omit []string
	}{
		{
			name: "defaults",
			cfg:  stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "ru-RU"},
			want: map[string]string{
				"model": "nova-3", "language": "ru-RU", "interim_results": "true",
				"sample_rate": "16000", "channels": "1", "endpointing": "300", "punctuate": "false",
			},
			omit: []string{"alternatives"},
		},
		{
			name: "alternatives",
			cfg:  stt.StreamConfig{MaxAlternatives: 10},
			want: map[string]string{"alternatives": "10"},
		},
		{
			name: "provider defaults",
			opts: []Option{WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000), WithEndpointing(0)},
			want: map[string]string{"model": "base", "language": "de-DE", "sample_rate": "48000"},
			omit: []string{"endpointing", "channels"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			q := p.query(tt.cfg)
			for k, v := range tt.want {
				assertEqual(t, k, v, q.Get(k))
			}
			for _, k := range tt.omit {
				if q.Has(k) {
					t.Errorf("%s should be omitted, got %q", k, q.Get(k))
				}
			}
		})
	}
}

func TestQuery_Keywords(t *testing.T) {
	t.Parallel()
	cfg := stt.StreamConfig{Keywords: []types.KeywordBoost{
		{Keyword: "спасибо", Boost: 2},
		{Keyword: "такси", Boost: 1.5},
		{Keyword: ""},
	}}

	nova3, _ := New("key")
	q := nova3.query(cfg)
	if got := q["keyterm"]; len(got) != 2 || got[0] != "спасибо" || got[1] != "такси" {
		t.Errorf("nova-3 keyterms = %v", got)
	}
	if q.Has("keywords") {
		t.Error("nova-3 must not get keywords")
	}

	nova2, _ := New("key", WithModel("nova-2"))
	q = nova2.query(cfg)
	if got := q["keywords"]; len(got) != 2 || got[0] != "спасибо:2" || got[1] != "такси:1.5" {
		t.Errorf("nova-2 keywords = %v", got)
	}
	if q.Has("keyterm") {
		t.Error("nova-2 must not get keyterms")
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_FinalWithAlternatives(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"channel": {
			"alternatives": [
				{"transcript": "how are you", "confidence": 0.91},
				{"transcript": "how are ya", "confidence": 0.42},
				{"transcript": "", "confidence": 0.1}
			]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	if len(tr.Alternatives) != 2 {
		t.Fatalf("alternatives = %d, want 2 (empty dropped)", len(tr.Alternatives))
	}
	assertEqual(t, "text", "how are you", tr.Text())
	if tr.Confidence() != 0.91 {
		t.Errorf("confidence = %f, want 0.91", tr.Confidence())
	}
	if tr.Timestamp != 1500*time.Millisecond {
		t.Errorf("timestamp = %v, want 1.5s", tr.Timestamp)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{"metadata", `{"type":"Metadata","request_id":"abc"}`},
		{"empty alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{"only blank transcripts", `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`},
		{"invalid json", `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := parseDeepgramResponse([]byte(tt.raw)); ok {
				t.Errorf("expected ok=false for %s", tt.raw)
			}
		})
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- Live session against a local WebSocket server ----

func TestStartStream_EventsAndEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"how"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"how are you","confidence":0.9}]}}`))
		c.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{Language: "en-US"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio([]byte{0, 0, 1, 1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var got []stt.Event
	for ev := range h.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2: %+v", len(got), got)
	}
	if got[0].Transcript.IsFinal || !got[1].Transcript.IsFinal {
		t.Errorf("unexpected finality: %+v", got)
	}
	if got[1].Err != nil {
		t.Errorf("normal closure should not produce an error event: %v", got[1].Err)
	}
}

func TestStartStream_UnauthorizedIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("bad", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio([]byte{1, 2}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	for range h.Events() {
	}
}

func TestSession_KeepAliveWhileIdle(t *testing.T) {
	t.Parallel()

	got := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			typ, msg, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				select {
				case got <- string(msg):
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")), WithKeepAlive(20*time.Millisecond))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	select {
	case msg := <-got:
		if msg != `{"type":"KeepAlive"}` {
			t.Errorf("first text message = %s, want a keep-alive", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive sent on an idle stream")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
