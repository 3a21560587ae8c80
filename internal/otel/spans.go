package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for maxsats spans.
var (
	AttrRunID      = attribute.Key("maxsats.run.id")
	AttrPhase      = attribute.Key("maxsats.cycle.phase")
	AttrActionKind = attribute.Key("maxsats.action.kind")
	AttrResult     = attribute.Key("maxsats.action.result")
	AttrProvider   = attribute.Key("maxsats.reasoning.provider")
	AttrModel      = attribute.Key("maxsats.reasoning.model")
	AttrWalletOp   = attribute.Key("maxsats.wallet.op")
)

// NoopTracer is used by components constructed without telemetry.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (wallet, reasoning engine, relays).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
