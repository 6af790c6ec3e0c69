// Package metrics exposes the engine's Prometheus collectors and the admin HTTP
// server that serves them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection outcomes recorded by the acceptor.
const (
	ConnEnqueued    = "enqueued"
	ConnHello       = "hello"
	ConnDecodeError = "decode_error"
	ConnEmpty       = "empty"
	ConnRejected    = "rejected"
	ConnPanic       = "panic"
)

// Message statuses recorded by the worker pool.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusUnknown = "unknown_event"
)

// Fixed event labels for names that come from clients.
const (
	EventUnknown = "<unknown>"
	EventResend  = "<resend>"
)

// Delivery outcomes recorded by the notifier.
const (
	DeliverySent        = "sent"
	DeliveryRequeued    = "requeued"
	DeliveryDropped     = "dropped"
	DeliveryRefused     = "refused"
	DeliveryFailed      = "failed"
	DeliveryBreakerOpen = "breaker_open"
)

// Metrics holds the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry          prometheus.Registerer
	connectionsTotal  *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	deliveriesTotal   *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	workersBusy       prometheus.Gauge
	peerUp            *prometheus.GaugeVec
	breakerState      *prometheus.GaugeVec
	heartbeatDuration prometheus.Histogram
}

// InitPrometheusMetrics creates and registers the collectors under namespace.
func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Accepted connections by outcome",
			},
			[]string{"outcome"},
		),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_processed_total",
				Help:      "Messages taken off the work queue by event and status",
			},
			[]string{"event", "status"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Duration of handler invocations",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"event"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Outbound notifier deliveries by outcome",
			},
			[]string{"outcome"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Messages waiting in the work queue",
			},
		),
		workersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_busy",
				Help:      "Workers currently processing a message",
			},
		),
		peerUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_up",
				Help:      "Last heartbeat result per peer: 1=answered HI, 0=down",
			},
			[]string{"peer"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_circuit_breaker_state",
				Help:      "Circuit breaker state per peer: 0=closed, 1=half-open, 2=open",
			},
			[]string{"peer"},
		),
		heartbeatDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "heartbeat_duration_seconds",
				Help:      "Duration of one heartbeat round over all peers",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.messagesTotal,
		m.handlerDuration,
		m.deliveriesTotal,
		m.queueDepth,
		m.workersBusy,
		m.peerUp,
		m.breakerState,
		m.heartbeatDuration,
	)

	return m
}

func (m *Metrics) RecordConnection(outcome string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordMessage(event, status string, duration time.Duration) {
	if m == nil {
		return
	}
	// имя неизвестного события приходит от клиента - не плодим метки
	if status == StatusUnknown {
		event = EventUnknown
	}
	m.messagesTotal.WithLabelValues(event, status).Inc()
	if status != StatusUnknown {
		m.handlerDuration.WithLabelValues(event).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	m.workersBusy.Add(float64(delta))
}

func (m *Metrics) SetPeerUp(peer string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.peerUp.WithLabelValues(peer).Set(v)
}

func (m *Metrics) SetBreakerState(peer string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(peer).Set(float64(state))
}

func (m *Metrics) ObserveHeartbeat(d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatDuration.Observe(d.Seconds())
}
