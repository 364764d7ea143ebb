package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type executionIDKey struct{}
type subflowPathKey struct{}

// RootSubflow is the subflow path of a top-level execution.
const RootSubflow = "root"

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// NewID generates an opaque entity identifier.
func NewID() string {
	return uuid.NewString()
}

// WithTaskID attaches a background task id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the background task id. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithExecutionID attaches an execution id to the context.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, executionID)
}

// ExecutionID extracts the execution id. Returns "" if absent.
func ExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSubflowPath attaches the sub-execution ancestry path to the context.
func WithSubflowPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, subflowPathKey{}, path)
}

// SubflowPath extracts the sub-execution path. Returns RootSubflow if absent.
func SubflowPath(ctx context.Context) string {
	if v, ok := ctx.Value(subflowPathKey{}).(string); ok && v != "" {
		return v
	}
	return RootSubflow
}
