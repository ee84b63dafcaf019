package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("mesevents")

// propagator carries trace context through event metadata (W3C traceparent).
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a producer span for one publish.
	StartPublishSpan(ctx context.Context, eventID, eventType, aggregateID string) (context.Context, trace.Span)

	// StartHandlerSpan starts a consumer span for one handler invocation.
	// The span should be a child of the publish span.
	StartHandlerSpan(ctx context.Context, eventID, eventType, handler string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)

	// Inject writes the trace context of ctx into metadata.
	Inject(ctx context.Context, metadata map[string]string)

	// Extract returns ctx carrying the remote trace context found in metadata.
	Extract(ctx context.Context, metadata map[string]string) context.Context
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, eventID, eventType, aggregateID string) (context.Context, trace.Span) {
	return StartPublishSpan(ctx, eventID, eventType, aggregateID)
}

func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, eventID, eventType, handler string) (context.Context, trace.Span) {
	return StartHandlerSpan(ctx, eventID, eventType, handler)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

func (m *otelSpanManager) Inject(ctx context.Context, metadata map[string]string) {
	InjectMetadata(ctx, metadata)
}

func (m *otelSpanManager) Extract(ctx context.Context, metadata map[string]string) context.Context {
	return ExtractMetadata(ctx, metadata)
}

// StartPublishSpan starts a producer span named "mesevents.publish <type>".
func StartPublishSpan(ctx context.Context, eventID, eventType, aggregateID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mesevents.publish "+eventType,
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.type", eventType),
			attribute.String("event.aggregate_id", aggregateID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartHandlerSpan starts a consumer span named "mesevents.handle <handler>".
func StartHandlerSpan(ctx context.Context, eventID, eventType, handler string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mesevents.handle "+handler,
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.type", eventType),
			attribute.String("handler.name", handler),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// InjectMetadata writes the trace context of ctx into metadata.
// A nil map or a context without a valid span is left untouched.
func InjectMetadata(ctx context.Context, metadata map[string]string) {
	if metadata == nil || !trace.SpanContextFromContext(ctx).IsValid() {
		return
	}
	propagator.Inject(ctx, propagation.MapCarrier(metadata))
}

// ExtractMetadata returns ctx with the remote span context stored in metadata.
func ExtractMetadata(ctx context.Context, metadata map[string]string) context.Context {
	if len(metadata) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(metadata))
}
