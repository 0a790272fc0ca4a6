// Package metrics exposes stream activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the datastream collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Producer side
	FramesSubmitted *prometheus.CounterVec
	ProducerCursor  *prometheus.GaugeVec
	SourceErrors    *prometheus.CounterVec

	// Consumer side
	FramesDelivered *prometheus.CounterVec
	FramesSkipped   *prometheus.CounterVec
	FrameLatency    *prometheus.HistogramVec

	// Watchdog
	StreamStale *prometheus.GaugeVec
}

// New registers the collectors with reg. Use prometheus.NewRegistry() in
// tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datastream_frames_submitted_total",
				Help: "Total number of frames submitted by producers",
			},
			[]string{"stream"},
		),
		ProducerCursor: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datastream_producer_cursor",
				Help: "Id of the next frame a producer will allocate",
			},
			[]string{"stream"},
		),
		SourceErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datastream_source_errors_total",
				Help: "Total number of failed frame fills",
			},
			[]string{"stream"},
		),
		FramesDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datastream_frames_delivered_total",
				Help: "Total number of frames delivered to consumers",
			},
			[]string{"stream", "mode"},
		),
		FramesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datastream_frames_skipped_total",
				Help: "Total number of frames consumers never saw",
			},
			[]string{"stream", "mode"},
		),
		FrameLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datastream_frame_latency_seconds",
				Help:    "Time from frame submit to delivery",
				Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, .001, .005, .01, .05, .1},
			},
			[]string{"stream"},
		),
		StreamStale: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datastream_stream_stale",
				Help: "1 while a watched stream has stopped advancing",
			},
			[]string{"stream"},
		),
	}
}

// Submitted records a submit that moved the producer cursor to cursor.
func (m *Metrics) Submitted(stream string, cursor uint64) {
	if m == nil {
		return
	}
	m.FramesSubmitted.WithLabelValues(stream).Inc()
	m.ProducerCursor.WithLabelValues(stream).Set(float64(cursor))
}

func (m *Metrics) SourceError(stream string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(stream).Inc()
}

// Delivered records one delivered frame, the frames skipped before it and its
// age in seconds.
func (m *Metrics) Delivered(stream, mode string, skipped uint64, latency float64) {
	if m == nil {
		return
	}
	m.FramesDelivered.WithLabelValues(stream, mode).Inc()
	if skipped > 0 {
		m.FramesSkipped.WithLabelValues(stream, mode).Add(float64(skipped))
	}
	m.FrameLatency.WithLabelValues(stream).Observe(latency)
}

func (m *Metrics) SetStale(stream string, stale bool) {
	if m == nil {
		return
	}
	v := 0.0
	if stale {
		v = 1
	}
	m.StreamStale.WithLabelValues(stream).Set(v)
}
