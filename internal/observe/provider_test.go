package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitProvider(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
		TraceExporter:  exp,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.ActiveSessions.Add(context.Background(), 1)
	_, span := StartSpan(context.Background(), "app.session")
	span.End()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "glossa_active_sessions") {
			found = true
		}
	}
	if !found {
		t.Errorf("active sessions not exported; families: %d", len(families))
	}

	// Shutdown flushes the batcher into the exporter.
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "app.session" {
		t.Fatalf("exported spans = %+v", spans)
	}
	res := spans[0].Resource
	if got := res.SchemaURL(); got != resource.Default().SchemaURL() {
		t.Errorf("resource schema = %q, want the SDK default %q", got, resource.Default().SchemaURL())
	}
	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["service.name"] != "glossa" || attrs["service.version"] != "test" {
		t.Errorf("resource attributes = %v", attrs)
	}
	if attrs["telemetry.sdk.language"] != "go" {
		t.Errorf("default resource not merged: %v", attrs)
	}
}
