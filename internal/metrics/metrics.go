// Package metrics exposes Prometheus collectors for stream decoding and
// chat cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/user/morgan/pkg/stream"
)

// Metrics holds the collectors registered for one process. Collectors are
// registered on a caller supplied registry so tests can use a fresh one.
type Metrics struct {
	FramesTotal      *prometheus.CounterVec
	FramesDropped    prometheus.Counter
	CyclesTotal      *prometheus.CounterVec
	FallbacksTotal   prometheus.Counter
	CycleDuration    prometheus.Histogram
	CyclesInFlight   prometheus.Gauge
	TranscriptLength prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "morgan_stream_frames_total",
			Help: "Stream events decoded, by kind",
		}, []string{"kind"}),

		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "morgan_stream_frames_dropped_total",
			Help: "Stream frames dropped as malformed",
		}),

		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "morgan_cycles_total",
			Help: "Chat request cycles, by final status",
		}, []string{"status"}),

		FallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "morgan_fallbacks_total",
			Help: "Cycles that ended with the fallback answer",
		}),

		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "morgan_cycle_duration_seconds",
			Help:    "Chat request cycle duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		CyclesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "morgan_cycles_in_flight",
			Help: "Chat request cycles currently streaming",
		}),

		TranscriptLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "morgan_transcript_messages",
			Help: "Records in the transcript",
		}),
	}
}

// ObserveEvent counts a decoded event. It fits reconciler.WithEventHook.
func (m *Metrics) ObserveEvent(ev stream.Event) {
	m.FramesTotal.WithLabelValues(ev.Kind.String()).Inc()
}

// ObserveDrop counts a malformed frame. It fits stream.WithDropHandler.
func (m *Metrics) ObserveDrop(string, error) {
	m.FramesDropped.Inc()
}

// CycleStarted marks a cycle as in flight.
func (m *Metrics) CycleStarted() {
	m.CyclesInFlight.Inc()
}

// CycleFinished records the end of a cycle.
func (m *Metrics) CycleFinished(status string, fallback bool, elapsed time.Duration) {
	m.CyclesInFlight.Dec()
	m.CyclesTotal.WithLabelValues(status).Inc()
	if fallback {
		m.FallbacksTotal.Inc()
	}
	m.CycleDuration.Observe(elapsed.Seconds())
}
