package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the push-side instruments. Scrape-side gauges live in the
// metrics package.
type Metrics struct {
	ExecutionDuration metric.Float64Histogram
	ExecutionsTotal   metric.Int64Counter
	ActiveExecutions  metric.Int64UpDownCounter
	IterationsTotal   metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	ToolOutputSpills  metric.Int64Counter
	ProviderAttempts  metric.Int64Counter
	ProviderCooldowns metric.Int64Counter
	TokensUsed        metric.Int64Counter
	ApprovalsResolved metric.Int64Counter
	TriggersSkipped   metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	hist := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
	}

	hist(&m.ExecutionDuration, "taskd.execution.duration", "Execution wall time in seconds")
	counter(&m.ExecutionsTotal, "taskd.execution.count", "Executions finished, by termination reason")
	counter(&m.IterationsTotal, "taskd.execution.iterations", "Think-act-observe iterations run")
	hist(&m.ToolCallDuration, "taskd.tool.duration", "Tool call duration in seconds")
	counter(&m.ToolCallErrors, "taskd.tool.errors", "Tool calls that returned an error")
	counter(&m.ToolOutputSpills, "taskd.tool.spills", "Tool outputs spilled to file")
	counter(&m.ProviderAttempts, "taskd.router.attempts", "Provider attempts, by outcome class")
	counter(&m.ProviderCooldowns, "taskd.router.cooldowns", "Profiles placed in cooldown")
	counter(&m.TokensUsed, "taskd.llm.tokens", "Tokens consumed")
	counter(&m.ApprovalsResolved, "taskd.approval.resolved", "Approval requests resolved, by status")
	counter(&m.TriggersSkipped, "taskd.scheduler.skipped", "Triggers skipped because the task was running")
	counter(&m.RateLimitRejects, "taskd.gateway.ratelimit.rejects", "Requests rejected by the gateway rate limiter")
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("taskd.execution.active",
		metric.WithDescription("Executions currently running"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments bound to a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Noop().Meter)
	return m
}

// Add increments c with a single string attribute. Nil instruments are ignored.
func Add(ctx context.Context, c metric.Int64Counter, n int64, key attribute.Key, value string) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(key.String(value)))
}
