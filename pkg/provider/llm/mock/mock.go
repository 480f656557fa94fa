// Package mock provides a test double for llm.Provider.
//
//	p := &mock.Provider{Response: &llm.Response{Text: `[...]`}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/glossa/pkg/provider/llm"
)

// Call is one recorded Complete invocation.
type Call struct {
	Ctx context.Context
	Req llm.Request
}

// Provider is a scripted llm.Provider. Set the exported fields before use.
type Provider struct {
	// Response and Err are returned by Complete unless Func is set.
	Response *llm.Response
	Err      error
	Func     func(ctx context.Context, req llm.Request) (*llm.Response, error)

	// ModelLimits is returned by Limits.
	ModelLimits llm.Limits

	mu    sync.Mutex
	calls []Call
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and answers from Func or Response/Err.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	p.mu.Unlock()
	if p.Func != nil {
		return p.Func(ctx, req)
	}
	return p.Response, p.Err
}

// Limits returns ModelLimits.
func (p *Provider) Limits() llm.Limits { return p.ModelLimits }

// Calls returns a copy of the recorded calls in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Complete calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// LastPrompt returns the content of the last message of the latest call,
// or "" before the first call.
func (p *Provider) LastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return ""
	}
	msgs := p.calls[len(p.calls)-1].Req.Messages
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}
