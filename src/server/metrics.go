package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	agent "github.com/Protocol-Lattice/go-agent-server"
)

const namespace = "agentd"

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	requests        *prometheus.HistogramVec
	agentsCreated   prometheus.Counter
	createFailures  *prometheus.CounterVec
	messages        *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	factoryOutcomes *prometheus.CounterVec
	orchestrations  *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. live reports the number of live agents.
func NewMetrics(reg prometheus.Registerer, live func() int) *Metrics {
	m := &Metrics{
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		agentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_created_total",
			Help:      "Agents created and initialized.",
		}),
		createFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_create_failures_total",
			Help:      "Agent creations that failed, by reason.",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handled, by stop reason.",
		}, []string{"stop_reason"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to answer one message.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		factoryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_factory_results_total",
			Help:      "Tool factory resolutions, by factory and result.",
		}, []string{"factory", "result"}),
		orchestrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Tool selection passes, by result.",
		}, []string{"result"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and result.",
		}, []string{"tool", "result"}),
	}
	reg.MustRegister(
		m.requests,
		m.agentsCreated,
		m.createFailures,
		m.messages,
		m.turnDuration,
		m.factoryOutcomes,
		m.orchestrations,
		m.toolCalls,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_agents",
			Help:      "Agents currently held in memory.",
		}, func() float64 { return float64(live()) }),
	)
	return m
}

func (m *Metrics) observeLoad(report agent.LoadReport) {
	for _, o := range report.Outcomes {
		result := "ok"
		if o.Err != nil {
			result = "error"
		}
		m.factoryOutcomes.WithLabelValues(o.Name, result).Inc()
	}
}

func (m *Metrics) observeReply(reply agent.Reply, elapsed time.Duration) {
	m.turnDuration.Observe(elapsed.Seconds())
	m.messages.WithLabelValues(string(reply.StopReason)).Inc()
	if o := reply.Orchestration; o != nil {
		result := "selected"
		if o.Degraded {
			result = "degraded"
		}
		m.orchestrations.WithLabelValues(result).Inc()
	}
	for _, call := range reply.ToolCalls {
		result := "ok"
		if call.Error != "" {
			result = "error"
		}
		m.toolCalls.WithLabelValues(call.Name, result).Inc()
	}
}
