package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client and the dev
// backend. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	TurnOutcomes   *prometheus.CounterVec
	BackendErrors  *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	RenderFrames   *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	QuotaRemaining prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active coaching sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Finished turns by mode and outcome.",
		}, []string{"mode", "outcome"}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Backend call failures by stage and kind.",
		}, []string{"stage", "kind"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Latency of voice pipeline stages in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1000, 1500, 2500, 4000, 8000, 15000},
		}, []string{"stage"}),
		RenderFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_frames_total",
			Help:      "Frames sent to renderers by type and result.",
		}, []string{"type", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Dev backend requests by route and status.",
		}, []string{"route", "status"}),
		QuotaRemaining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining_sessions",
			Help:      "Remaining coaching sessions for the signed-in user.",
		}),
	}
}

// ObserveStage records a pipeline stage duration in both the histogram and the
// rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.observe(stage, ms)
}

// ObserveIndicator counts a named turn event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	m.stages.count(name)
}

// StageSnapshot summarizes recent stage latencies.
func (m *Metrics) StageSnapshot() TurnStageSnapshot {
	return m.stages.snapshot(time.Now())
}

func (m *Metrics) ResetStages() {
	m.stages.reset()
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
