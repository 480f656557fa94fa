// Package llm defines the Provider interface for language model backends.
//
// Glossa only asks a model for single-shot answers: a practice dialogue or a
// vocabulary list drafted from a prompt. There is no tool calling and no
// streaming.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"strings"
)

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the prompt.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion request. Messages must not be empty.
type Request struct {
	// System is sent ahead of Messages when set.
	System string

	Messages []Message

	// Temperature in [0, 2]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the answer length. Zero leaves the backend default.
	MaxTokens int
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the model's answer.
type Response struct {
	Text  string
	Usage Usage
}

// Limits are the token limits of a model.
type Limits struct {
	ContextWindow int
	MaxOutput     int
}

// Fit caps req.MaxTokens at the model's output limit. A zero MaxTokens asks
// for the full limit.
func (l Limits) Fit(req Request) Request {
	if l.MaxOutput > 0 && (req.MaxTokens == 0 || req.MaxTokens > l.MaxOutput) {
		req.MaxTokens = l.MaxOutput
	}
	return req
}

// Provider is a language model backend.
type Provider interface {
	// Complete sends req and waits for the whole answer.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Limits reports the model's token limits.
	Limits() Limits
}

// knownLimits maps model name prefixes to their limits. More specific
// prefixes come first.
var knownLimits = []struct {
	prefix string
	limits Limits
}{
	{"gpt-4o", Limits{ContextWindow: 128_000, MaxOutput: 16_384}},
	{"gpt-4.1", Limits{ContextWindow: 1_047_576, MaxOutput: 32_768}},
	{"gpt-4", Limits{ContextWindow: 8_192, MaxOutput: 4_096}},
	{"gpt-3.5-turbo", Limits{ContextWindow: 16_385, MaxOutput: 4_096}},
	{"claude", Limits{ContextWindow: 200_000, MaxOutput: 8_192}},
	{"gemini", Limits{ContextWindow: 1_048_576, MaxOutput: 8_192}},
	{"mistral", Limits{ContextWindow: 32_000, MaxOutput: 8_192}},
	{"deepseek", Limits{ContextWindow: 64_000, MaxOutput: 8_192}},
	{"llama3", Limits{ContextWindow: 8_192, MaxOutput: 2_048}},
}

// DefaultLimits apply to models missing from the table.
var DefaultLimits = Limits{ContextWindow: 32_000, MaxOutput: 4_096}

// LimitsFor looks up the limits of a model by name, ignoring case.
func LimitsFor(model string) Limits {
	lower := strings.ToLower(model)
	for _, k := range knownLimits {
		if strings.HasPrefix(lower, k.prefix) {
			return k.limits
		}
	}
	return DefaultLimits
}
