package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one client instance. Collectors are
// registered on the registry passed to New, never on the global default.
type Metrics struct {
	FramesReceived   prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	EventsDispatched *prometheus.CounterVec
	EntriesSkipped   prometheus.Counter
	CallbackFailures *prometheus.CounterVec
	Reconnects       prometheus.Counter
	SubscribeFrames  prometheus.Counter
	Subscribed       prometheus.Gauge
	ConnectionState  prometheus.Gauge
	ApplyLatency     prometheus.Histogram
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookstream",
			Name:      "frames_received_total",
			Help:      "Inbound frames read from the upstream feed.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookstream",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped before classification.",
		}, []string{"reason"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookstream",
			Name:      "events_total",
			Help:      "Classified events by kind.",
		}, []string{"kind"}),
		EntriesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookstream",
			Name:      "entries_skipped_total",
			Help:      "Malformed book entries skipped.",
		}),
		CallbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookstream",
			Name:      "callback_failures_total",
			Help:      "Strategy callbacks that returned an error or panicked.",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookstream",
			Name:      "reconnects_total",
			Help:      "Upstream reconnect attempts after a transport failure.",
		}),
		SubscribeFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookstream",
			Name:      "subscribe_frames_total",
			Help:      "Subscription frames written upstream.",
		}),
		Subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bookstream",
			Name:      "subscribed_assets",
			Help:      "Size of the subscription set.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bookstream",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 closing.",
		}),
		ApplyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bookstream",
			Name:      "frame_apply_seconds",
			Help:      "Time to normalize, apply and dispatch one frame.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}

	reg.MustRegister(
		m.FramesReceived,
		m.FramesDropped,
		m.EventsDispatched,
		m.EntriesSkipped,
		m.CallbackFailures,
		m.Reconnects,
		m.SubscribeFrames,
		m.Subscribed,
		m.ConnectionState,
		m.ApplyLatency,
	)
	return m
}

// NewNop returns collectors attached to a throwaway registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
