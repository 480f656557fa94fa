package anyllm

import (
	"context"
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/glossa/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		backend string
		model   string
	}{
		{"empty backend", "", "gpt-4o"},
		{"empty model", "openai", ""},
		{"unsupported backend", "fakecloud", "some-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.backend, tt.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_BackendNameIgnoresCase(t *testing.T) {
	t.Parallel()
	p, err := New("Anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Limits().ContextWindow; got != 200_000 {
		t.Errorf("context window = %d", got)
	}
}

func TestNewOllama_NoAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := NewOllama("llama3.2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()
	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("not sorted: %v", got)
	}
	for _, want := range []string{"anthropic", "gemini", "ollama", "openai"} {
		if !slices.Contains(got, want) {
			t.Errorf("missing %s in %v", want, got)
		}
	}
}

func TestParams(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "llama3"}
	params := p.params(llm.Request{
		System:      "Write dialogues.",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "A taxi ride in Beijing."}},
		Temperature: 0.7,
		MaxTokens:   800,
	})
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 800 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
	if params.Model != "llama3" {
		t.Errorf("model = %q", params.Model)
	}
}

func TestComplete_RejectsEmptyRequest(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "llama3"}
	if _, err := p.Complete(context.Background(), llm.Request{System: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
