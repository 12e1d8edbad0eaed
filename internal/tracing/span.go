package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/torosent/barrage/internal/sample"
)

// Gun mirrors gun.Gun so that this package stays importable by guns.
type Gun interface {
	Setup(ctx context.Context) error
	Shoot(ctx context.Context, task sample.Task, out sample.Sink) error
	Teardown(ctx context.Context) error
}

type tracedGun struct {
	Gun
	tracer trace.Tracer
	name   string
}

// WrapGun starts one client span around every shot of g. The span carries
// the runner, marker and gun name and ends with the shot error, if any.
func WrapGun(g Gun, tracer trace.Tracer, name string) Gun {
	if tracer == nil {
		return g
	}
	return &tracedGun{Gun: g, tracer: tracer, name: name}
}

func (g *tracedGun) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	ctx, span := StartShotSpan(ctx, g.tracer, g.name, task)
	err := g.Gun.Shoot(ctx, task, out)
	EndSpan(span, err)
	return err
}

// Unwrap returns the traced gun.
func (g *tracedGun) Unwrap() Gun { return g.Gun }

// StartShotSpan starts a client span for one task.
func StartShotSpan(ctx context.Context, tracer trace.Tracer, gunName string, task sample.Task) (context.Context, trace.Span) {
	name := gunName + " shoot"
	if task.Marker != "" {
		name = gunName + " " + task.Marker
	}
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("barrage.gun", gunName),
		attribute.String("barrage.group", task.Group),
		attribute.String("barrage.marker", task.Marker),
		attribute.Int64("barrage.scheduled_at_ms", task.ScheduledAt.Milliseconds()),
	)
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// HeadersWithContext returns base with the trace context of ctx added. base
// is returned unchanged when there is nothing to inject, and is never
// modified.
func HeadersWithContext(ctx context.Context, base http.Header) http.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return base
	}
	h := base.Clone()
	if h == nil {
		h = make(http.Header, len(carrier))
	}
	for k, v := range carrier {
		h.Set(k, v)
	}
	return h
}

type grpcMetadataCarrier metadata.MD

func (c grpcMetadataCarrier) Get(key string) string {
	vals := metadata.MD(c).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (c grpcMetadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c grpcMetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectGRPCMetadata injects W3C trace context into gRPC metadata.
func InjectGRPCMetadata(ctx context.Context, md metadata.MD) {
	otel.GetTextMapPropagator().Inject(ctx, grpcMetadataCarrier(md))
}
