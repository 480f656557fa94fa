package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Glossa tracer.
const tracerName = "github.com/MrWong99/glossa"

// Span attribute keys shared by session, generator and server spans.
const (
	AttrSession  = attribute.Key("glossa.session.id")
	AttrLearner  = attribute.Key("glossa.learner.id")
	AttrDialogue = attribute.Key("glossa.dialogue.id")
	AttrLanguage = attribute.Key("glossa.language")
)

// Tracer returns the Glossa tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span as a child of any span in ctx. The caller must
// call span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type sessionKey struct{}

type sessionTag struct {
	id      string
	learner string
}

// WithSession tags ctx with a practice session. [Logger] and [CaptureError]
// attribute their output to it.
func WithSession(ctx context.Context, sessionID, learnerID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionTag{id: sessionID, learner: learnerID})
}

// SessionID returns the session stored by [WithSession], or "".
func SessionID(ctx context.Context) string {
	tag, _ := ctx.Value(sessionKey{}).(sessionTag)
	return tag.id
}

// TraceID returns the trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with the trace and session of ctx
// attached.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if tag, ok := ctx.Value(sessionKey{}).(sessionTag); ok {
		l = l.With(slog.String("session", tag.id), slog.String("learner", tag.learner))
	}
	return l
}
