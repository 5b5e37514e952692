package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver turns bridge events into Prometheus series on its own registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	audioBytes      prometheus.Counter
	connectDuration prometheus.Histogram
	activeStreams   prometheus.Gauge
}

func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "tolk"
	}
	registry := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bridge events by name",
		},
		[]string{"event"},
	)
	framesSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the interpretation service by upload state",
		},
		[]string{"state"},
	)
	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_state_transitions_total",
			Help:      "Upload state machine transitions",
		},
		[]string{"from", "to"},
	)
	audioBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes received from the media provider",
		},
	)
	connectDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_duration_seconds",
			Help:      "Time to open the upstream WebSocket",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	activeStreams := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Media streams currently bridged",
		},
	)

	registry.MustRegister(events, framesSent, transitions, audioBytes, connectDuration, activeStreams)

	return &PrometheusObserver{
		registry:        registry,
		events:          events,
		framesSent:      framesSent,
		transitions:     transitions,
		audioBytes:      audioBytes,
		connectDuration: connectDuration,
		activeStreams:   activeStreams,
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	p.events.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case EventAudioChunkIn:
		if ev.Value > 0 {
			p.audioBytes.Add(ev.Value)
		}
	case EventFrameSent:
		p.framesSent.WithLabelValues(ev.Tags["state"]).Inc()
	case EventStateTransition:
		p.transitions.WithLabelValues(ev.Tags["from"], ev.Tags["to"]).Inc()
	case EventUpstreamConnect:
		p.connectDuration.Observe(ev.Value / 1000)
	case EventStreamStarted:
		p.activeStreams.Inc()
	case EventStreamEnded:
		p.activeStreams.Dec()
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (p *PrometheusObserver) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
