package telemetry

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type HeaderCarrier struct {
	Header nats.Header
}

func (c HeaderCarrier) Get(key string) string { return c.Header.Get(key) }

func (c HeaderCarrier) Set(key, value string) { c.Header.Set(key, value) }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func tracer() trace.Tracer { return otel.Tracer("github.com/wchat/relay") }

// Inject returns a header carrying the trace context of ctx.
func Inject(ctx context.Context) nats.Header {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier{Header: h})
	return h
}

// Extract returns ctx enriched with any trace context found in header.
func Extract(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier{Header: header})
}

// StartProducerSpan starts a PRODUCER span for a publish to subject.
func StartProducerSpan(ctx context.Context, subject string, size int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.payload_size_bytes", size),
	)
	return tracer().Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

// StartConsumerSpan extracts trace context from msg and starts a CONSUMER
// span. The caller must End the span.
func StartConsumerSpan(ctx context.Context, msg *nats.Msg, operation string) (context.Context, trace.Span) {
	ctx = Extract(ctx, msg.Header)
	return tracer().Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.Int("messaging.message.payload_size_bytes", len(msg.Data)),
		),
	)
}
