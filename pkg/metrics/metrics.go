package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Realtime channel metrics
	RealtimeEvents        *prometheus.CounterVec
	RealtimeParseFailures prometheus.Counter
	ReconnectAttempts     prometheus.Counter
	ConnectionStatus      *prometheus.GaugeVec

	// Backend call metrics
	RemoteCalls   *prometheus.CounterVec
	RemoteLatency *prometheus.HistogramVec

	// Cache metrics
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	CachedNotifications prometheus.Gauge
	BroadcastDropped    *prometheus.CounterVec
}

// NewMetrics creates all pipeline metrics and registers them on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RealtimeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Total number of change events received from the realtime channel",
		}, []string{"event"}),
		RealtimeParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "parse_failures_total",
			Help:      "Total number of change events whose row could not be parsed",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		ConnectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),

		RemoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Total number of backend calls",
		}, []string{"operation", "status"}),
		RemoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Duration of backend calls",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Fetches served from the notification cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Fetches that went to the backend",
		}),
		CachedNotifications: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "notifications",
			Help:      "Current number of cached notifications",
		}),
		BroadcastDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast values dropped because a subscriber was not keeping up",
		}, []string{"stream"}),
	}
}

// New creates metrics on a private registry, handy for tests and tools.
func New(namespace string) *Metrics {
	return NewMetrics(namespace, prometheus.NewRegistry())
}

// ObserveRemote records the outcome and latency of one backend call.
func (m *Metrics) ObserveRemote(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RemoteCalls.WithLabelValues(operation, status).Inc()
	m.RemoteLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// SetConnectionStatus flips the status gauge so exactly one label is 1.
func (m *Metrics) SetConnectionStatus(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}
