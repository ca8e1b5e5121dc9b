package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrbus"

// Drop reasons used with DropsTotal.
const (
	DropSendQueueFull = "send_queue_full"
	DropNoPermit      = "no_permit"
	DropUnknownType   = "unknown_type"
	DropReserved      = "reserved_channel"
	DropDecode        = "decode_error"
	DropTypeMismatch  = "type_mismatch"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Bus ----
	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets sent and received, by direction and packet type.",
		},
		[]string{"direction", "type"},
	)

	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes written to and read from peer sockets.",
		},
		[]string{"direction"},
	)

	DropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Packets or deliveries dropped, by reason.",
		},
		[]string{"reason"},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "TCP connections established, by direction.",
		},
		[]string{"direction"},
	)

	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections aborted during the handshake, by reason.",
		},
		[]string{"reason"},
	)

	Peers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peers with a completed handshake.",
		},
	)

	KeepAliveTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_timeouts_total",
			Help:      "Peers disconnected for failing to answer a keep-alive probe.",
		},
	)

	Deliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Messages handed to local subscriber callbacks.",
		},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent inside subscriber callbacks.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	// ---- HTTP introspection ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and node name).",
		},
		[]string{"version", "node"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PacketsTotal, BytesTotal, DropsTotal,
		ConnectionsTotal, ConnectionsRejected, Peers, KeepAliveTimeouts,
		Deliveries, DeliveryDuration,
		RequestsTotal, RequestDuration,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func SetBuildInfo(version, node string) {
	buildInfo.WithLabelValues(version, node).Set(1)
}

// PacketIn and PacketOut count one packet of the given type and wire size.
func PacketIn(typ string, size int) {
	PacketsTotal.WithLabelValues("in", typ).Inc()
	BytesTotal.WithLabelValues("in").Add(float64(size))
}

func PacketOut(typ string, size int) {
	PacketsTotal.WithLabelValues("out", typ).Inc()
	BytesTotal.WithLabelValues("out").Add(float64(size))
}

func Drop(reason string) {
	DropsTotal.WithLabelValues(reason).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an introspection handler, recording it under op.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
