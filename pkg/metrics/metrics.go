package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     atomic.Bool

	// Call metrics
	ActiveCalls      prometheus.Gauge
	CallDuration     prometheus.Histogram
	CallsEndedTotal  *prometheus.CounterVec
	CallSetupLatency *prometheus.HistogramVec

	// Media metrics
	FramesRelayed   *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	MarksSent       prometheus.Counter
	MarksAcked      prometheus.Counter
	MarkMismatches  prometheus.Counter
	Truncations     prometheus.Counter
	PlaybackClipped prometheus.Histogram

	// Tool metrics
	FunctionCalls       *prometheus.CounterVec
	FunctionCallLatency *prometheus.HistogramVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

func init() {
	metricsEnabled.Store(true)
}

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_relay_active_calls",
			Help: "Number of calls currently bridged to the realtime backend",
		})

		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_relay_call_duration_seconds",
			Help:    "Duration of bridged calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		})

		CallsEndedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_relay_calls_ended_total",
				Help: "Calls ended, by terminal reason",
			},
			[]string{"reason"},
		)

		CallSetupLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voice_relay_session_setup_seconds",
				Help:    "Time from stream start to a configured realtime session",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"status"},
		)

		FramesRelayed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_relay_frames_relayed_total",
				Help: "Audio frames relayed between legs",
			},
			[]string{"direction"},
		)

		FramesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_relay_frames_dropped_total",
				Help: "Audio frames dropped before relay",
			},
			[]string{"direction", "reason"},
		)

		MarksSent = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_relay_marks_sent_total",
			Help: "Playback marks sent to the telephony platform",
		})

		MarksAcked = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_relay_marks_acked_total",
			Help: "Playback marks acknowledged in order",
		})

		MarkMismatches = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_relay_mark_mismatches_total",
			Help: "Mark acknowledgements that did not match the head of the queue",
		})

		Truncations = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_relay_truncations_total",
			Help: "Assistant responses truncated by caller barge-in",
		})

		PlaybackClipped = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_relay_truncation_offset_seconds",
			Help:    "Playback offset at which assistant audio was truncated",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		})

		FunctionCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_relay_function_calls_total",
				Help: "Tool invocations requested by the model",
			},
			[]string{"name", "status"},
		)

		FunctionCallLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voice_relay_function_call_seconds",
				Help:    "Tool invocation latency",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"name"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_relay_amqp_published_messages_total",
				Help: "Call events published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_relay_amqp_connection_status",
			Help: "AMQP connection status (1 = connected, 0 = disconnected)",
		})

		registry.MustRegister(
			ActiveCalls,
			CallDuration,
			CallsEndedTotal,
			CallSetupLatency,
			FramesRelayed,
			FramesDropped,
			MarksSent,
			MarksAcked,
			MarkMismatches,
			Truncations,
			PlaybackClipped,
			FunctionCalls,
			FunctionCallLatency,
			AMQPPublishedMessages,
			AMQPConnectionStatus,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

func active() bool {
	return registry != nil && metricsEnabled.Load()
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if active() {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// StartCallTimer counts a call as active and returns a function that records
// its duration and terminal reason.
func StartCallTimer() func(reason string) {
	if !active() {
		return func(string) {}
	}

	ActiveCalls.Inc()
	start := time.Now()
	return func(reason string) {
		ActiveCalls.Dec()
		CallDuration.Observe(time.Since(start).Seconds())
		CallsEndedTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveSessionSetup records how long a realtime session took to configure
func ObserveSessionSetup(d time.Duration, status string) {
	if active() {
		CallSetupLatency.WithLabelValues(status).Observe(d.Seconds())
	}
}

// RecordFrameRelayed counts one relayed frame. direction is "inbound" for
// caller audio and "outbound" for assistant audio.
func RecordFrameRelayed(direction string) {
	if active() {
		FramesRelayed.WithLabelValues(direction).Inc()
	}
}

// RecordFrameDropped counts a frame that could not be relayed
func RecordFrameDropped(direction, reason string) {
	if active() {
		FramesDropped.WithLabelValues(direction, reason).Inc()
	}
}

// RecordMarkSent counts an outbound playback mark
func RecordMarkSent() {
	if active() {
		MarksSent.Inc()
	}
}

// RecordMarkAck counts an acknowledged mark; mismatched acks are counted separately
func RecordMarkAck(matched bool) {
	if !active() {
		return
	}
	if matched {
		MarksAcked.Inc()
	} else {
		MarkMismatches.Inc()
	}
}

// RecordTruncation records a barge-in truncation at the given playback offset
func RecordTruncation(audioEnd time.Duration) {
	if active() {
		Truncations.Inc()
		PlaybackClipped.Observe(audioEnd.Seconds())
	}
}

// UnknownToolLabel is the tool label for calls to unregistered tools.
const UnknownToolLabel = "unknown"

// ObserveFunctionCall returns a function that records the tool call outcome
func ObserveFunctionCall(name string) func(status string) {
	if !active() {
		return func(string) {}
	}
	start := time.Now()
	return func(status string) {
		FunctionCalls.WithLabelValues(name, status).Inc()
		FunctionCallLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// RecordAMQPPublish records an AMQP publish attempt
func RecordAMQPPublish(queue, status string) {
	if active() {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status gauge
func SetAMQPConnectionStatus(connected bool) {
	if active() {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}
