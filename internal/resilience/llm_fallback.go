package resilience

import (
	"context"

	"github.com/MrWong99/glossa/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several models,
// e.g. a large hosted model backed by a small local one for dialogue drafts.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred model.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional model.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Health reports the breaker state of every model.
func (f *LLMFallback) Health() []EntryHealth { return f.group.Health() }

// Available reports whether any backend would accept a call.
func (f *LLMFallback) Available() bool { return f.group.Available() }

// Complete sends req to the first healthy model.
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.Response, error) {
		return p.Complete(ctx, req)
	})
}

// Limits returns the smallest output limit across all models, so a request
// fitted to it is accepted by whichever model answers.
func (f *LLMFallback) Limits() llm.Limits {
	var out llm.Limits
	for _, p := range f.group.Members() {
		l := p.Limits()
		if l.MaxOutput > 0 && (out.MaxOutput == 0 || l.MaxOutput < out.MaxOutput) {
			out.MaxOutput = l.MaxOutput
		}
		if l.ContextWindow > 0 && (out.ContextWindow == 0 || l.ContextWindow < out.ContextWindow) {
			out.ContextWindow = l.ContextWindow
		}
	}
	return out
}
