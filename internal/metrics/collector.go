// Package metrics exposes Prometheus counters and gauges for /metrics.
// Counters are fed from bus events so producers stay unaware of Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/taskd/internal/bus"
)

type Collector struct {
	reg *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionCost     prometheus.Counter

	triggersSkipped   prometheus.Counter
	approvalsResolved *prometheus.CounterVec
	profileHealth     *prometheus.CounterVec
}

// New builds a collector on its own registry so that tests and multiple
// daemons in one process never collide on registration.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of gateway HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Gateway HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		executionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions finished, by termination reason",
		}, []string{"reason"}),
		executionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution wall time in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"reason"}),
		executionCost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_cost_usd_total",
			Help:      "Accumulated estimated provider cost in USD",
		}),
		triggersSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_skipped_total",
			Help:      "Triggers dropped because the task was already running",
		}),
		approvalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval requests resolved, by final status",
		}, []string{"status"}),
		profileHealth: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_health_transitions_total",
			Help:      "Profile health transitions, by target state",
		}, []string{"provider", "to"}),
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// GaugeFunc registers a gauge whose value is sampled at scrape time.
func (c *Collector) GaugeFunc(namespace, name, help string, fn func() float64) {
	promauto.With(c.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Watch consumes bus notifications until ctx is done.
func (c *Collector) Watch(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			c.apply(ev)
		}
	}
}

func (c *Collector) apply(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.ExecutionFinished:
		c.executionsTotal.WithLabelValues(p.TerminationReason).Inc()
		c.executionDuration.WithLabelValues(p.TerminationReason).Observe(float64(p.DurationMillis) / 1000)
		if p.CostUSD > 0 {
			c.executionCost.Add(p.CostUSD)
		}
	case bus.TaskSkipped:
		c.triggersSkipped.Inc()
	case bus.ApprovalResolved:
		c.approvalsResolved.WithLabelValues(p.Status).Inc()
	case bus.ProfileHealthChanged:
		c.profileHealth.WithLabelValues(p.Provider, p.To).Inc()
	}
}
