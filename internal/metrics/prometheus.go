package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio chunk service.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// Ingestion metrics
	ChunksReceived *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	ChunkBytes     prometheus.Histogram
	QueueSize      prometheus.Gauge

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram
	BufferEvictions  prometheus.Counter

	// Subscriber metrics
	Subscribers     prometheus.Gauge
	SubscriberDrops prometheus.Counter

	// Forwarding metrics
	ForwardWrites   *prometheus.CounterVec
	ForwardDuration *prometheus.HistogramVec
	ForwardRetries  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiochunk_chunks_received_total",
			Help: "Total number of chunks received, by transport and protocol",
		}, []string{"transport", "protocol"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiochunk_decode_errors_total",
			Help: "Total number of payloads that failed to decode",
		}, []string{"transport", "protocol"}),
		ChunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiochunk_chunk_payload_elements",
			Help:    "Payload length of received chunks (samples or bytes)",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audiochunk_datagram_queue_size",
			Help: "Current number of datagrams waiting for a worker",
		}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audiochunk_active_streams",
			Help: "Current number of active streams",
		}),
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiochunk_streams_created_total",
			Help: "Total number of streams created",
		}),
		StreamsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiochunk_streams_destroyed_total",
			Help: "Total number of streams destroyed",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiochunk_stream_duration_seconds",
			Help:    "Lifetime of streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		BufferEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiochunk_buffer_evictions_total",
			Help: "Total number of chunks aged out of stream buffers",
		}),

		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audiochunk_subscribers",
			Help: "Current number of live subscribers",
		}),
		SubscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiochunk_subscriber_drops_total",
			Help: "Total number of chunks dropped by full subscriber queues",
		}),

		ForwardWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiochunk_forward_writes_total",
			Help: "Total number of chunks written to forwarding sinks",
		}, []string{"sink", "result"}),
		ForwardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiochunk_forward_duration_seconds",
			Help:    "Duration of forwarding writes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"sink"}),
		ForwardRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiochunk_forward_retries_total",
			Help: "Total number of forwarding retries",
		}, []string{"sink"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiochunk_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiochunk_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiochunk_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordChunkReceived counts one decoded chunk
func (m *Metrics) RecordChunkReceived(transport, protocol string, payloadLen int) {
	if m == nil {
		return
	}
	m.ChunksReceived.WithLabelValues(transport, protocol).Inc()
	m.ChunkBytes.Observe(float64(payloadLen))
}

// RecordDecodeError counts one undecodable payload
func (m *Metrics) RecordDecodeError(transport, protocol string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(transport, protocol).Inc()
}

// SetQueueSize sets the current datagram queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveStreams sets the current number of active streams
func (m *Metrics) SetActiveStreams(count int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(count))
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	if m == nil {
		return
	}
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and records duration
func (m *Metrics) RecordStreamDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.StreamsDestroyed.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordEvictions adds n aged-out chunks
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BufferEvictions.Add(float64(n))
}

// AddSubscribers adjusts the live subscriber gauge by delta
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}

// RecordSubscriberDrop counts one chunk dropped by a subscriber queue
func (m *Metrics) RecordSubscriberDrop() {
	if m == nil {
		return
	}
	m.SubscriberDrops.Inc()
}

// RecordForward records one sink write and its outcome
func (m *Metrics) RecordForward(sink string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ForwardWrites.WithLabelValues(sink, result).Inc()
	m.ForwardDuration.WithLabelValues(sink).Observe(durationSeconds)
}

// RecordForwardRetry increments the retry counter for sink
func (m *Metrics) RecordForwardRetry(sink string) {
	if m == nil {
		return
	}
	m.ForwardRetries.WithLabelValues(sink).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
