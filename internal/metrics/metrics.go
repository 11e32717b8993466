// Package metrics owns the Prometheus collectors for sessions, tool calls and
// stream replay. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotify_mcp"

// Tool call outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeTimeout = "timeout"
	OutcomeCancel  = "cancelled"
)

// Recorder holds the collectors and the registry they are registered with.
type Recorder struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsCreated  prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	eventsReplayed   prometheus.Counter
}

// New creates a Recorder with its own registry, including the Go runtime and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live MCP sessions.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions that completed initialize.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		eventsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_replayed_events_total",
			Help:      "Events replayed to resuming streams.",
		}),
	}
	r.registry.MustRegister(
		r.sessionsActive,
		r.sessionsCreated,
		r.sessionsClosed,
		r.toolCalls,
		r.toolCallDuration,
		r.eventsReplayed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessionsCreated.Inc()
	r.sessionsActive.Inc()
}

// SessionClosed records a close. wasActive is false for sessions that failed
// before they were published.
func (r *Recorder) SessionClosed(reason string, wasActive bool) {
	if r == nil {
		return
	}
	r.sessionsClosed.WithLabelValues(reason).Inc()
	if wasActive {
		r.sessionsActive.Dec()
	}
}

func (r *Recorder) ToolCall(tool, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
	r.toolCallDuration.WithLabelValues(tool).Observe(dur.Seconds())
}

func (r *Recorder) EventsReplayed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.eventsReplayed.Add(float64(n))
}
