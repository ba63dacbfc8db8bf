package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the server's Prometheus metrics.
//
// Tracked concerns:
//   - event fan-out volume by kind group
//   - tool dispatch outcomes and latencies
//   - validation pipeline cache behavior and fallbacks
//   - heartbeat timeouts and dropped outbound events
//   - memory utility learning activity
type Metrics struct {
	// EventsEmitted counts bus emissions. Labels: kind.
	EventsEmitted *prometheus.CounterVec

	// ToolCalls counts dispatched calls. Labels: tool, status (success|error).
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures end-to-end dispatch latency in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// ValidationVerdicts counts verdicts. Labels: level, valid (true|false), cached (true|false).
	ValidationVerdicts *prometheus.CounterVec

	// ValidationDuration measures pipeline latency in seconds. Labels: cached.
	ValidationDuration *prometheus.HistogramVec

	// InferenceFallbacks counts heuristic fallbacks of the ML collaborator.
	InferenceFallbacks prometheus.Counter

	// HeartbeatTimeouts counts sessions reaped by the liveness sweeper.
	HeartbeatTimeouts prometheus.Counter

	// DroppedEvents counts non-essential events dropped under backpressure.
	// Labels: kind.
	DroppedEvents *prometheus.CounterVec

	// ActiveSessions gauges currently connected sessions.
	ActiveSessions prometheus.Gauge

	// QUpdates counts Q-value reward attributions. Labels: phase.
	QUpdates *prometheus.CounterVec

	// MissingAttributions counts reward attributions on missing memories.
	MissingAttributions prometheus.Counter

	// ReindexQueueDepth gauges the deferred search reindex queue.
	ReindexQueueDepth prometheus.Gauge

	// ExternalServerRestarts counts tool-server restarts. Labels: server.
	ExternalServerRestarts *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registry. A nil
// registry uses a fresh one, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto(reg)

	return &Metrics{
		EventsEmitted: factory.counterVec("mxf_events_emitted_total",
			"Total events emitted on the bus", "kind"),
		ToolCalls: factory.counterVec("mxf_tool_calls_total",
			"Total tool calls dispatched", "tool", "status"),
		ToolCallDuration: factory.histogramVec("mxf_tool_call_duration_seconds",
			"Tool call latency in seconds",
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}, "tool"),
		ValidationVerdicts: factory.counterVec("mxf_validation_verdicts_total",
			"Validation verdicts produced", "level", "valid", "cached"),
		ValidationDuration: factory.histogramVec("mxf_validation_duration_seconds",
			"Validation pipeline latency in seconds",
			[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1}, "cached"),
		InferenceFallbacks: factory.counter("mxf_inference_fallbacks_total",
			"Heuristic fallbacks of the ML collaborator"),
		HeartbeatTimeouts: factory.counter("mxf_heartbeat_timeouts_total",
			"Sessions removed by the liveness sweeper"),
		DroppedEvents: factory.counterVec("mxf_dropped_events_total",
			"Outbound events dropped under backpressure", "kind"),
		ActiveSessions: factory.gauge("mxf_active_sessions",
			"Currently connected sessions"),
		QUpdates: factory.counterVec("mxf_q_updates_total",
			"Q-value reward attributions", "phase"),
		MissingAttributions: factory.counter("mxf_missing_attributions_total",
			"Reward attributions skipped for missing memories"),
		ReindexQueueDepth: factory.gauge("mxf_reindex_queue_depth",
			"Deferred search reindex queue depth"),
		ExternalServerRestarts: factory.counterVec("mxf_external_server_restarts_total",
			"External tool-server restarts", "server"),
	}
}

// metricFactory mirrors promauto but against an explicit registry.
type metricFactory struct {
	reg prometheus.Registerer
}

func promauto(reg prometheus.Registerer) metricFactory {
	return metricFactory{reg: reg}
}

func (f metricFactory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f metricFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f metricFactory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f metricFactory) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	f.reg.MustRegister(h)
	return h
}
