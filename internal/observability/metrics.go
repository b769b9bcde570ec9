package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	Turns              *prometheus.CounterVec
	ModerationVerdicts *prometheus.CounterVec
	SecurityEvents     *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	CircuitState       prometheus.Gauge
	ContextStrategy    *prometheus.CounterVec
	SummaryLatency     prometheus.Histogram
	FirstDeltaLatency  prometheus.Histogram
	WSMessages         *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of chat sessions with live runtime state.",
		}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		ModerationVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_verdicts_total",
			Help:      "Moderation verdicts by verdict and deciding layer.",
		}, []string{"verdict", "layer"}),
		SecurityEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Auditable safety events by kind.",
		}, []string{"kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by kind.",
		}, []string{"kind"}),
		CircuitState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_state",
			Help:      "Provider circuit state: 0 closed, 1 half-open, 2 open.",
		}),
		ContextStrategy: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_strategy_total",
			Help:      "Context assembly strategy picked per turn.",
		}, []string{"strategy"}),
		SummaryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summary_latency_ms",
			Help:      "Latency of history summarization calls in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		FirstDeltaLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency to first streamed reply chunk in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		stages: newStageWindow(0),
	}
}

func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSummaryLatency(d time.Duration) {
	m.SummaryLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage records a per-turn stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// StageSnapshot returns rolling percentile stats for the debug endpoint.
func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
