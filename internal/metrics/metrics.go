package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coplay_relay"

// Forwarding directions.
const (
	DirectionLocalToRelay = "local_to_relay"
	DirectionRelayToLocal = "relay_to_local"
)

// Close reasons.
const (
	CloseReasonIdleTimeout  = "idle_timeout"
	CloseReasonInvalid      = "invalid"
	CloseReasonRequested    = "requested"
	CloseReasonRemoteClosed = "remote_closed"
)

// Transient I/O failure sites.
const (
	ErrorLocalReceive = "local_receive"
	ErrorLocalSend    = "local_send"
	ErrorRelaySend    = "relay_send"
)

// Signaling rejection reasons.
const (
	RejectUnauthorized = "unauthorized"
	RejectRateLimited  = "rate_limited"
)

// Metrics groups the bridge's Prometheus collectors on a private registry so
// tests can create independent instances.
//
// All methods are safe on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	connectionsActive  prometheus.Gauge
	connectionsOpened  prometheus.Counter
	connectionsClosed  *prometheus.CounterVec
	portExhaustion     prometheus.Counter
	datagrams          *prometheus.CounterVec
	bytes              *prometheus.CounterVec
	ioErrors           *prometheus.CounterVec
	relayInboxDropped  prometheus.Counter
	connectionLifetime prometheus.Histogram
	signalsRejected    *prometheus.CounterVec
	localOversized     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Relay connections currently pumping.",
		}),
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_opened_total",
			Help: "Relay connections constructed.",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_closed_total",
			Help: "Relay connections torn down, by reason.",
		}, []string{"reason"}),
		portExhaustion: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "port_exhaustion_total",
			Help: "Connections that could not open a local socket within the retry budget.",
		}),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_total",
			Help: "Datagrams forwarded, by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total",
			Help: "Payload bytes forwarded, by direction.",
		}, []string{"direction"}),
		ioErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "io_errors_total",
			Help: "Transient send/receive failures, by operation.",
		}, []string{"op"}),
		relayInboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_inbox_dropped_total",
			Help: "Relay messages dropped because the session inbox was full.",
		}),
		connectionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "connection_lifetime_seconds",
			Help:    "Relay connection lifetime.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		signalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_rejected_total",
			Help: "Signaling requests refused before the WebSocket upgrade, by reason.",
		}, []string{"reason"}),
		localOversized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "local_oversize_dropped_total",
			Help: "Local datagrams dropped for exceeding the forwarding size limit.",
		}),
	}
	m.reg.MustRegister(
		m.connectionsActive,
		m.connectionsOpened,
		m.connectionsClosed,
		m.portExhaustion,
		m.datagrams,
		m.bytes,
		m.ioErrors,
		m.relayInboxDropped,
		m.connectionLifetime,
		m.signalsRejected,
		m.localOversized,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpened.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(reason string, lifetimeSeconds float64) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	m.connectionsClosed.WithLabelValues(reason).Inc()
	m.connectionLifetime.Observe(lifetimeSeconds)
}

func (m *Metrics) PortExhausted() {
	if m == nil {
		return
	}
	m.portExhaustion.Inc()
}

func (m *Metrics) Forwarded(direction string, payloadBytes int) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(payloadBytes))
}

func (m *Metrics) IOError(op string) {
	if m == nil {
		return
	}
	m.ioErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RelayInboxDropped() {
	if m == nil {
		return
	}
	m.relayInboxDropped.Inc()
}

func (m *Metrics) SignalRejected(reason string) {
	if m == nil {
		return
	}
	m.signalsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) LocalOversizeDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.localOversized.Add(float64(n))
}
