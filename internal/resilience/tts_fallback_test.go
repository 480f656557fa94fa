package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/glossa/pkg/provider/tts"
	ttsmock "github.com/MrWong99/glossa/pkg/provider/tts/mock"
	"github.com/MrWong99/glossa/pkg/types"
)

func drain(ch <-chan []byte) [][]byte {
	var out [][]byte
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestTTSFallback_SynthesizeStream_Failover(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{Err: errors.New("429 too many requests")}
	secondary := &ttsmock.Provider{Chunks: [][]byte{{1, 2}, {3}}}
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	text := make(chan string, 2)
	text <- "Добрый "
	text <- "день"
	close(text)

	audio, err := fb.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "v1", Language: "ru-RU"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := drain(audio); len(got) != 2 {
		t.Errorf("chunks = %v", got)
	}
	if got := secondary.SpokenTexts(); len(got) != 1 || got[0] != "Добрый день" {
		t.Errorf("secondary heard %q", got)
	}
	if v := secondary.Utterances()[0].Voice; v.ID != "v1" {
		t.Errorf("voice = %+v", v)
	}
}

func TestTTSFallback_CancelledWhileCollecting(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{}
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fb.SynthesizeStream(ctx, make(chan string), types.VoiceProfile{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if primary.CallCount() != 0 {
		t.Error("backend called after cancellation")
	}
}

func TestTTSFallback_AllUnavailable(t *testing.T) {
	t.Parallel()

	fb := NewTTSFallback(&ttsmock.Provider{Err: tts.ErrUnavailable}, "elevenlabs", FallbackConfig{})
	text := make(chan string)
	close(text)
	if _, err := fb.SynthesizeStream(context.Background(), text, types.VoiceProfile{}); !errors.Is(err, tts.ErrUnavailable) {
		t.Errorf("err = %v, want tts.ErrUnavailable", err)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{VoicesErr: errors.New("unauthorized")}
	secondary := &ttsmock.Provider{Voices: []types.VoiceProfile{{ID: "ru-1", Language: "ru-RU"}}}
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil || len(voices) != 1 || voices[0].ID != "ru-1" {
		t.Errorf("ListVoices = %+v, %v", voices, err)
	}
}
