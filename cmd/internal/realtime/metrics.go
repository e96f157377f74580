package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chatd"

// Metrics holds the realtime Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections   prometheus.Gauge
	authTotal     *prometheus.CounterVec
	createTotal   *prometheus.CounterVec
	messagesTotal prometheus.Counter
	deliveries    *prometheus.CounterVec
	persistFails  prometheus.Counter
	unknownOps    *prometheus.CounterVec
	wsRejects     *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors on reg.
// When r is non-nil, registry sizes are exported as gauges read at scrape time.
func NewMetrics(reg prometheus.Registerer, r *Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections, authenticated or not.",
		}),
		authTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_total",
			Help:      "Authentication attempts by method and result.",
		}, []string{"method", "result"}),
		createTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
		messagesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_routed_total",
			Help:      "Direct messages accepted by the router.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Per-connection pushes of newMessage by outcome.",
		}, []string{"outcome"}),
		persistFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persist_failures_total",
			Help:      "Messages that could not be stored (delivery still attempted).",
		}),
		unknownOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_dropped_total",
			Help:      "Envelopes dropped because the type is not legal in the current phase.",
		}, []string{"phase"}),
		wsRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_rejected_total",
			Help:      "Websocket handshakes or connections rejected by reason.",
		}, []string{"reason"}),
	}

	if r != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_users",
			Help:      "Users with at least one authenticated connection.",
		}, func() float64 { return float64(r.Stats().Users) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tracked_connections",
			Help:      "Authenticated connections tracked by the session registry.",
		}, func() float64 { return float64(r.Stats().Connections) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_tokens",
			Help:      "Session tokens issued since start.",
		}, func() float64 { return float64(r.Stats().Tokens) })
	}

	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) authResult(method, result string) {
	if m != nil {
		m.authTotal.WithLabelValues(method, result).Inc()
	}
}

func (m *Metrics) creationResult(result string) {
	if m != nil {
		m.createTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) routed(d Delivery) {
	if m == nil {
		return
	}
	m.messagesTotal.Inc()
	if !d.Persisted {
		m.persistFails.Inc()
	}
	m.deliveries.WithLabelValues("delivered").Add(float64(d.Delivered))
	m.deliveries.WithLabelValues("dropped").Add(float64(d.Dropped))
}

func (m *Metrics) droppedOp(phase Phase) {
	if m != nil {
		m.unknownOps.WithLabelValues(phase.String()).Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.wsRejects.WithLabelValues(reason).Inc()
	}
}
