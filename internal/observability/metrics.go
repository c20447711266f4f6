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
	Turns         *prometheus.CounterVec
	StageLatency  *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec
	Recall        *prometheus.CounterVec
	RecallScore   prometheus.Histogram
	ActiveLive    prometheus.Gauge
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	JobsProcessed *prometheus.CounterVec
	registry      prometheus.Gatherer
}

// NewMetrics registers every instrument on reg. A nil reg means a fresh
// private registry, which keeps tests independent of each other.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed turns by outcome.",
		}, []string{"outcome"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn pipeline stage latency in milliseconds.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"stage"}),
		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_stage_errors_total",
			Help:      "Turn pipeline failures by stage.",
		}, []string{"stage"}),
		Recall: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_total",
			Help:      "Semantic recall lookups by result (hit, miss, degraded).",
		}, []string{"result"}),
		RecallScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_best_score",
			Help:      "Best cosine similarity found per recall lookup.",
			Buckets:   []float64{0, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		ActiveLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Open websocket conversations.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 5000, 30000},
		}, []string{"route"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Queued turn jobs by final status.",
		}, []string{"status"}),
		registry: reg,
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) StageFailed(stage string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) TurnDone(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecallResult(result string, score float64) {
	if m == nil {
		return
	}
	m.Recall.WithLabelValues(result).Inc()
	if result != "degraded" {
		m.RecallScore.Observe(score)
	}
}

func (m *Metrics) JobDone(status string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(status).Inc()
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
