package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline records invocation outcomes of the middleware chain.
type Pipeline interface {
	ObserveInvocation(tool, outcome string, durationSeconds float64)
	IncDenied(stage string)
}

// Swarm records orchestrator activity.
type Swarm interface {
	IncTaskTransition(status string)
	IncRunFinished(status string)
}

// HTTP captures request metrics for the ops router.
type HTTP interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) ObserveInvocation(string, string, float64)      {}
func (Noop) IncDenied(string)                               {}
func (Noop) IncTaskTransition(string)                       {}
func (Noop) IncRunFinished(string)                          {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements every metrics interface backed by Prometheus collectors.
type Prom struct {
	invocations     *prometheus.CounterVec
	invocationTime  *prometheus.HistogramVec
	denied          *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestTime     *prometheus.HistogramVec
}

// NewProm builds the collectors and registers them on reg. A nil reg uses
// the default registerer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		invocationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_invocation_duration_seconds",
			Help:      "Gateway round-trip latency by tool",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_denied_total",
			Help:      "Pre-dispatch denials by pipeline stage",
		}, []string{"stage"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_task_transitions_total",
			Help:      "Swarm task transitions by target status",
		}, []string{"status"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_runs_finished_total",
			Help:      "Swarm runs reaching a terminal status",
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(p.invocations, p.invocationTime, p.denied, p.taskTransitions, p.runsFinished, p.requests, p.requestTime)
	return p
}

func (p *Prom) ObserveInvocation(tool, outcome string, durationSeconds float64) {
	p.invocations.WithLabelValues(tool, outcome).Inc()
	if durationSeconds > 0 {
		p.invocationTime.WithLabelValues(tool).Observe(durationSeconds)
	}
}

func (p *Prom) IncDenied(stage string) {
	p.denied.WithLabelValues(stage).Inc()
}

func (p *Prom) IncTaskTransition(status string) {
	p.taskTransitions.WithLabelValues(status).Inc()
}

func (p *Prom) IncRunFinished(status string) {
	p.runsFinished.WithLabelValues(status).Inc()
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestTime.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics. A nil gatherer serves the
// default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
