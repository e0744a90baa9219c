// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	SessionsFailed  *prometheus.CounterVec

	// Inbound audio metrics
	FramesReceived  prometheus.Counter
	FramesForwarded prometheus.Counter
	FramesDropped   prometheus.Counter
	FramesMalformed prometheus.Counter
	AudioBytesIn    prometheus.Counter

	// Response metrics
	ResponsesStarted   prometheus.Counter
	ResponsesCompleted prometheus.Counter
	ResponsesCancelled prometheus.Counter
	BargeIns           prometheus.Counter
	StaleChunksDropped prometheus.Counter

	// Playback metrics
	PlaybackChunksSent    prometheus.Counter
	PlaybackChunksDropped prometheus.Counter
	AudioBytesOut         prometheus.Counter

	// Upstream metrics
	UpstreamEvents     *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	UpstreamDialFailed *prometheus.CounterVec

	// Error throttle metrics
	ErrorsThrottled prometheus.Counter
	ErrorsSurfaced  prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of client sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active client sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of client sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions torn down by a fatal error",
		}, []string{"reason"}),

		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total audio frames received from clients",
		}),
		FramesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Total audio frames forwarded upstream",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total audio frames dropped instead of forwarded",
		}),
		FramesMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Total malformed audio frames rejected",
		}),
		AudioBytesIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_in_total",
			Help:      "Total audio bytes received from clients",
		}),

		ResponsesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_started_total",
			Help:      "Total model responses opened",
		}),
		ResponsesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_completed_total",
			Help:      "Total model responses completed normally",
		}),
		ResponsesCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_cancelled_total",
			Help:      "Total model responses closed by cancellation",
		}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total barge-in interruptions detected",
		}),
		StaleChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_chunks_dropped_total",
			Help:      "Total superseded response audio chunks discarded",
		}),

		PlaybackChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_sent_total",
			Help:      "Total audio chunks delivered to the playback sink",
		}),
		PlaybackChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_dropped_total",
			Help:      "Total audio chunks dropped by playback backpressure",
		}),
		AudioBytesOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_out_total",
			Help:      "Total audio bytes delivered to clients",
		}),

		UpstreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Total upstream events received by type",
		}, []string{"type"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by class",
		}, []string{"class"}),
		UpstreamDialFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_failed_total",
			Help:      "Total failed upstream connection attempts",
		}, []string{"reason"}),

		ErrorsThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_throttled_total",
			Help:      "Total transient errors coalesced by throttling",
		}),
		ErrorsSurfaced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_surfaced_total",
			Help:      "Total error notifications surfaced to clients",
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new client session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a client session ending.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed records a session torn down by a fatal error.
func (m *Metrics) RecordSessionFailed(reason string) {
	m.SessionsFailed.WithLabelValues(reason).Inc()
}

// RecordFrameReceived records an inbound client audio frame.
func (m *Metrics) RecordFrameReceived(bytes int) {
	m.FramesReceived.Inc()
	m.AudioBytesIn.Add(float64(bytes))
}

// RecordFrameForwarded records a frame forwarded upstream.
func (m *Metrics) RecordFrameForwarded() {
	m.FramesForwarded.Inc()
}

// RecordFrameDropped records a frame dropped instead of forwarded.
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// RecordMalformedFrame records a rejected malformed frame.
func (m *Metrics) RecordMalformedFrame() {
	m.FramesMalformed.Inc()
}

// RecordResponseOpened records a model response stream opening.
func (m *Metrics) RecordResponseOpened() {
	m.ResponsesStarted.Inc()
}

// RecordResponseClosed records a model response stream closing.
func (m *Metrics) RecordResponseClosed(cancelled bool) {
	if cancelled {
		m.ResponsesCancelled.Inc()
	} else {
		m.ResponsesCompleted.Inc()
	}
}

// RecordBargeIn records a barge-in interruption.
func (m *Metrics) RecordBargeIn() {
	m.BargeIns.Inc()
}

// RecordStaleChunk records a superseded audio chunk being discarded.
func (m *Metrics) RecordStaleChunk() {
	m.StaleChunksDropped.Inc()
}

// RecordPlaybackChunk records a chunk pushed to the playback sink.
func (m *Metrics) RecordPlaybackChunk(bytes int, dropped bool) {
	if dropped {
		m.PlaybackChunksDropped.Inc()
		return
	}
	m.PlaybackChunksSent.Inc()
	m.AudioBytesOut.Add(float64(bytes))
}

// RecordUpstreamEvent records one upstream event by type.
func (m *Metrics) RecordUpstreamEvent(eventType string) {
	m.UpstreamEvents.WithLabelValues(eventType).Inc()
}

// RecordUpstreamError records an upstream error by class.
func (m *Metrics) RecordUpstreamError(class string) {
	m.UpstreamErrors.WithLabelValues(class).Inc()
}

// RecordUpstreamDialFailed records a failed upstream connection attempt.
func (m *Metrics) RecordUpstreamDialFailed(reason string) {
	m.UpstreamDialFailed.WithLabelValues(reason).Inc()
}

// RecordThrottledError records a transient error absorbed by the throttle.
func (m *Metrics) RecordThrottledError(surfaced bool) {
	if surfaced {
		m.ErrorsSurfaced.Inc()
	} else {
		m.ErrorsThrottled.Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
