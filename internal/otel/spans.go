package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrTaskID      = attribute.Key("taskd.task.id")
	AttrExecutionID = attribute.Key("taskd.execution.id")
	AttrSubflowPath = attribute.Key("taskd.execution.subflow")
	AttrIteration   = attribute.Key("taskd.execution.iteration")
	AttrReason      = attribute.Key("taskd.execution.termination_reason")
	AttrToolName    = attribute.Key("taskd.tool.name")
	AttrProfileID   = attribute.Key("taskd.profile.id")
	AttrProvider    = attribute.Key("taskd.provider")
	AttrModel       = attribute.Key("taskd.llm.model")
	AttrErrorClass  = attribute.Key("taskd.error.class")
	AttrStatus      = attribute.Key("taskd.status")
	AttrTrigger     = attribute.Key("taskd.trigger")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound provider call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
