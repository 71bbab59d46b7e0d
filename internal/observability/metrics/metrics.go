package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HandshakeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshake_events_total",
			Help: "Handshake transitions by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	MessagesEncryptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_encrypted_total",
			Help: "Total number of messages encrypted for sending.",
		},
	)

	MessagesDecryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_decrypt_failures_total",
			Help: "Total number of inbound records that failed authentication.",
		},
	)

	RelayEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Signaling events handled by the relay.",
		},
		[]string{"type", "outcome"},
	)

	RelayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open websocket connections.",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MustRegister registers every collector on the default registry with a
// constant service label. Call it once per process.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HandshakeEventsTotal,
		MessagesEncryptedTotal,
		MessagesDecryptFailuresTotal,
		RelayEventsTotal,
		RelayConnections,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
	)
}
