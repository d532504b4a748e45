package advisor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports advisor streaming metrics in Prometheus format.
// All record methods are nil-safe so the engine can run without it.
type Metrics struct {
	registry *prometheus.Registry

	activeStreams  prometheus.Gauge
	chunksTotal    *prometheus.CounterVec
	messagesTotal  *prometheus.CounterVec
	streamDuration prometheus.Histogram
}

// NewMetrics creates a Metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heartwise",
			Subsystem: "advisor",
			Name:      "active_streams",
			Help:      "Number of advisor responses currently streaming.",
		}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heartwise",
			Subsystem: "advisor",
			Name:      "chunks_total",
			Help:      "Streaming chunks processed, by chunk type.",
		}, []string{"type"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heartwise",
			Subsystem: "advisor",
			Name:      "messages_total",
			Help:      "Conversation records reaching a terminal state, by role and status.",
		}, []string{"role", "status"}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "heartwise",
			Subsystem: "advisor",
			Name:      "stream_duration_seconds",
			Help:      "Wall-clock duration of one streamed response.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}

	registry.MustRegister(m.activeStreams, m.chunksTotal, m.messagesTotal, m.streamDuration)
	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) streamFinished(seconds float64) {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
	m.streamDuration.Observe(seconds)
}

func (m *Metrics) chunkProcessed(chunkType string) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(chunkType).Inc()
}

func (m *Metrics) messageFinal(role, status string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(role, status).Inc()
}
