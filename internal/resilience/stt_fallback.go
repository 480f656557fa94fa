package resilience

import (
	"context"

	"github.com/MrWong99/glossa/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// recognition backends. Failover covers opening a session only; once a
// session is live its errors reach the recognition manager, which reopens
// through this fallback again.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Health reports the breaker state of every backend.
func (f *STTFallback) Health() []EntryHealth { return f.group.Health() }

// Available reports whether any backend would accept a call.
func (f *STTFallback) Available() bool { return f.group.Available() }

// StartStream opens a session on the first healthy backend. When every
// backend fails, the returned error wraps the last backend's error, so an
// [stt.ErrUnavailable] from the final backend stays detectable.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
