// Package observe holds the service's observability: OpenTelemetry metrics
// and tracing, trace-aware logging, optional Sentry reporting and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry API and exported to
// Prometheus by [InitProvider]. Code that is not handed a [Metrics] uses
// [DefaultMetrics]; tests build their own with [NewMetrics] over a private
// meter provider.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every instrument below.
const meterName = "github.com/MrWong99/glossa"

// Metrics holds the service's instruments. Instrument names are given in
// OpenTelemetry form; the Prometheus exporter turns dots into underscores.
type Metrics struct {
	// Provider latency in seconds: first final transcript, first audio
	// chunk and a full generated dialogue.
	STTDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram

	// MatchScore is the score of every final hypothesis, by lang and mode
	// ("dialogue" or "quiz").
	MatchScore metric.Int64Histogram

	// LearnerAttempts counts judged attempts by lang and outcome ("pass",
	// "nomatch", "override" or "skip").
	LearnerAttempts metric.Int64Counter

	// RecognitionRestarts counts listening sessions reopened by the
	// recognition manager, by lang and reason.
	RecognitionRestarts metric.Int64Counter

	// TerminalFailures counts failures shown to the learner, by component
	// and kind.
	TerminalFailures metric.Int64Counter

	QuizResults metric.Int64Counter

	// ProviderRequests and ProviderErrors count calls made through the
	// fallback groups.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with the route pattern, not the raw
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

var (
	// latencyBuckets are in seconds. Generation sits in the upper buckets.
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// scoreBuckets put the default pass threshold of 60 on a boundary.
	scoreBuckets = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
)

// instruments creates instruments on one meter and remembers the first
// failure of each.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration: b.latency("glossa.stt.duration", "Time from stream start to the first final transcript."),
		TTSDuration: b.latency("glossa.tts.duration", "Time from speak request to the first audio chunk."),
		LLMDuration: b.latency("glossa.llm.duration", "Time to generate a dialogue."),

		LearnerAttempts:     b.counter("glossa.learner.attempts", "Judged learner attempts by language and outcome."),
		RecognitionRestarts: b.counter("glossa.recognition.restarts", "Listening sessions reopened by reason."),
		TerminalFailures:    b.counter("glossa.terminal_failures", "Failures shown to the learner by component and kind."),
		QuizResults:         b.counter("glossa.quiz.results", "Finished quizzes by outcome."),
		ProviderRequests:    b.counter("glossa.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:      b.counter("glossa.provider.errors", "Provider errors by provider and kind."),
	}

	var err error
	m.MatchScore, err = b.meter.Int64Histogram("glossa.match.score",
		metric.WithDescription("Match score of final hypotheses."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	)
	b.errs = append(b.errs, err)

	m.ActiveSessions, err = b.meter.Int64UpDownCounter("glossa.active_sessions",
		metric.WithDescription("Running practice sessions."),
	)
	b.errs = append(b.errs, err)

	m.HTTPRequestDuration, err = b.meter.Float64Histogram("glossa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	)
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic("observe: create default metrics: " + err.Error())
	}
	return m
})

// DefaultMetrics returns the process-wide Metrics on the global meter
// provider. Call [InitProvider] first for the instruments to be exported.
func DefaultMetrics() *Metrics { return defaultMetrics() }

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMatch records a scored hypothesis and the outcome it led to.
func (m *Metrics) RecordMatch(ctx context.Context, lang, mode string, score int, outcome string) {
	m.MatchScore.Record(ctx, int64(score), metric.WithAttributes(Attr("lang", lang), Attr("mode", mode)))
	m.RecordAttempt(ctx, lang, outcome)
}

// RecordAttempt records an attempt judged without a score, such as an
// override or a skipped quiz word.
func (m *Metrics) RecordAttempt(ctx context.Context, lang, outcome string) {
	m.LearnerAttempts.Add(ctx, 1, metric.WithAttributes(Attr("lang", lang), Attr("outcome", outcome)))
}

func (m *Metrics) RecordRestart(ctx context.Context, lang, reason string) {
	m.RecognitionRestarts.Add(ctx, 1, metric.WithAttributes(Attr("lang", lang), Attr("reason", reason)))
}

func (m *Metrics) RecordTerminalFailure(ctx context.Context, component, kind string) {
	m.TerminalFailures.Add(ctx, 1, metric.WithAttributes(Attr("component", component), Attr("kind", kind)))
}

func (m *Metrics) RecordQuizResult(ctx context.Context, passed bool) {
	m.QuizResults.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", passed)))
}

// RecordProviderRequest counts one call; status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}
