package tracing_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/torosent/barrage/internal/config"
	"github.com/torosent/barrage/internal/sample"
	"github.com/torosent/barrage/internal/tracing"
)

func setupTestTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter, tp.Tracer("test")
}

func TestInitDisabledByDefault(t *testing.T) {
	p, err := tracing.Init(context.Background(), config.TracingConfig{}, "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if p.ShouldPropagate() {
		t.Error("ShouldPropagate() = true, want false when tracing disabled")
	}

	if p.Enabled() {
		t.Error("Enabled() = true without an endpoint")
	}
	_, span := p.Tracer().Start(context.Background(), "test")
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("disabled provider should hand out a no-op tracer")
	}
}

func TestInitWithEndpointEnablesTracing(t *testing.T) {
	// We can't actually connect to an endpoint in unit tests,
	// but we verify the provider is configured correctly.
	p, err := tracing.Init(context.Background(), config.TracingConfig{
		Endpoint:    "localhost:4317",
		Protocol:    "grpc",
		ServiceName: "test-service",
		SampleRate:  1.0,
		Insecure:    true,
	}, "01HRUN")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if !p.ShouldPropagate() {
		t.Error("ShouldPropagate() = false, want true when tracing enabled")
	}
}

func TestInitHTTPProtocol(t *testing.T) {
	p, err := tracing.Init(context.Background(), config.TracingConfig{
		Endpoint: "localhost:4318",
		Protocol: "http",
		Insecure: true,
	}, "")
	if err != nil {
		t.Fatalf("Init() with http protocol error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if !p.ShouldPropagate() {
		t.Error("ShouldPropagate() = false, want true")
	}
}

func TestInitUnsupportedProtocol(t *testing.T) {
	_, err := tracing.Init(context.Background(), config.TracingConfig{
		Endpoint: "localhost:4317",
		Protocol: "thrift",
		Insecure: true,
	}, "")
	if err == nil {
		t.Fatal("Init() with unsupported protocol should return error")
	}
}

func TestInitInvalidSampleRate(t *testing.T) {
	tests := []struct {
		name string
		rate float64
	}{
		{"negative", -0.5},
		{"above one", 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tracing.Init(context.Background(), config.TracingConfig{
				Endpoint:   "localhost:4317",
				Protocol:   "grpc",
				Insecure:   true,
				SampleRate: tt.rate,
			}, "")
			if err == nil {
				t.Fatalf("Init() with sample_rate=%g should return error", tt.rate)
			}
		})
	}
}

func TestShouldPropagateOverride(t *testing.T) {
	falseVal := false
	p, err := tracing.Init(context.Background(), config.TracingConfig{
		Endpoint:  "localhost:4317",
		Protocol:  "grpc",
		Insecure:  true,
		Propagate: &falseVal,
	}, "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if p.ShouldPropagate() {
		t.Error("ShouldPropagate() = true, want false when explicitly disabled")
	}
}

func TestNilProviderSafety(t *testing.T) {
	var p *tracing.Provider
	if p.ShouldPropagate() {
		t.Error("nil provider ShouldPropagate() = true, want false")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil provider Shutdown() error = %v", err)
	}
	// Tracer() on nil should return no-op, not panic
	tracer := p.Tracer()
	_, span := tracer.Start(context.Background(), "test")
	span.End()
}

type stubGun struct {
	shots int
	err   error
	ctx   context.Context
}

func (g *stubGun) Setup(context.Context) error    { return nil }
func (g *stubGun) Teardown(context.Context) error { return nil }
func (g *stubGun) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	g.shots++
	g.ctx = ctx
	return g.err
}

func TestWrapGunStartsSpanPerShot(t *testing.T) {
	exporter, tracer := setupTestTracer(t)
	inner := &stubGun{}
	g := tracing.WrapGun(inner, tracer, "h2")

	task := sample.Task{Group: "main", Marker: "/index", ScheduledAt: 1500 * time.Millisecond}
	if err := g.Shoot(context.Background(), task, sample.SinkFunc(func(sample.Sample) {})); err != nil {
		t.Fatalf("Shoot() error = %v", err)
	}
	inner.err = errors.New("boom")
	if err := g.Shoot(context.Background(), sample.Task{Group: "main"}, sample.SinkFunc(func(sample.Sample) {})); err == nil {
		t.Fatal("shot error must pass through")
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "h2 /index" || spans[1].Name != "h2 shoot" {
		t.Fatalf("unexpected span names %q %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].SpanKind != trace.SpanKindClient || spans[0].Status.Code != codes.Ok {
		t.Fatalf("unexpected first span %+v", spans[0])
	}
	if spans[1].Status.Code != codes.Error {
		t.Fatalf("failed shot should end in error status, got %v", spans[1].Status)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["barrage.group"] != "main" || attrs["barrage.marker"] != "/index" || attrs["barrage.scheduled_at_ms"] != "1500" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if !trace.SpanContextFromContext(inner.ctx).IsValid() {
		t.Fatal("wrapped gun should receive the span context")
	}
}

func TestWrapGunNilTracer(t *testing.T) {
	inner := &stubGun{}
	if g := tracing.WrapGun(inner, nil, "x"); g != tracing.Gun(inner) {
		t.Fatal("nil tracer should return the gun unchanged")
	}
}

func TestHeadersWithContext(t *testing.T) {
	_, tracer := setupTestTracer(t)
	base := http.Header{"X-Test": {"1"}}

	if got := tracing.HeadersWithContext(context.Background(), base); got.Get("Traceparent") != "" || got.Get("X-Test") != "1" {
		t.Fatalf("no span should leave headers untouched: %v", got)
	}

	ctx, span := tracer.Start(context.Background(), "h2")
	defer span.End()
	got := tracing.HeadersWithContext(ctx, base)
	if got.Get("Traceparent") == "" || got.Get("X-Test") != "1" {
		t.Fatalf("trace context not added: %v", got)
	}
	if base.Get("Traceparent") != "" {
		t.Fatal("base headers must not be modified")
	}
	if nilBase := tracing.HeadersWithContext(ctx, nil); nilBase.Get("Traceparent") == "" {
		t.Fatal("nil base should still receive trace context")
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	_, span := tracer.Start(context.Background(), "test-error")
	tracing.EndSpan(span, context.DeadlineExceeded)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status code = %d, want %d (Error)", spans[0].Status.Code, codes.Error)
	}
}

func TestEndSpanOk(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	_, span := tracer.Start(context.Background(), "test-ok")
	tracing.EndSpan(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("span status code = %d, want %d (Ok)", spans[0].Status.Code, codes.Ok)
	}
}

func TestInjectHTTPHeaders(t *testing.T) {
	_, tracer := setupTestTracer(t)

	ctx, span := tracer.Start(context.Background(), "test-inject")
	defer span.End()

	headers := make(http.Header)
	tracing.InjectHTTPHeaders(ctx, headers)

	got := headers.Get("Traceparent")
	if got == "" {
		t.Error("traceparent header not injected")
	}
	// traceparent format: version-traceid-spanid-flags (e.g., 00-abc123...-def456...-01)
	if len(got) < 55 {
		t.Errorf("traceparent header too short: %q", got)
	}
}

func TestInjectGRPCMetadata(t *testing.T) {
	_, tracer := setupTestTracer(t)

	ctx, span := tracer.Start(context.Background(), "test-grpc-inject")
	defer span.End()

	md := metadata.New(nil)
	tracing.InjectGRPCMetadata(ctx, md)

	vals := md.Get("traceparent")
	if len(vals) == 0 {
		t.Error("traceparent not injected into gRPC metadata")
	}
	if len(vals[0]) < 55 {
		t.Errorf("traceparent metadata too short: %q", vals[0])
	}
}

func TestInjectHTTPHeadersNoSpan(t *testing.T) {
	// Without a span in context, injection should not panic and not set traceparent
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
	))
	headers := make(http.Header)
	tracing.InjectHTTPHeaders(context.Background(), headers)

	got := headers.Get("Traceparent")
	if got != "" {
		t.Errorf("traceparent header should be empty without span, got %q", got)
	}
}
