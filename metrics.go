package voltstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of an engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	EventsPublished     *prometheus.CounterVec
	EventsRejected      *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	EventsProcessed     *prometheus.CounterVec
	LateEvents          *prometheus.CounterVec
	Aggregations        *prometheus.CounterVec
	AggregationFailures *prometheus.CounterVec
	SinkFailures        *prometheus.CounterVec
	SubscriptionErrors  *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	ActiveWindows       prometheus.Gauge
	TickDuration        prometheus.Histogram
}

// NewMetrics constructs the engine collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_events_published_total",
				Help: "Events accepted by Publish by stream",
			},
			[]string{"stream"},
		),
		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_events_rejected_total",
				Help: "Events refused by Publish by stream and reason",
			},
			[]string{"stream", "reason"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_events_dropped_total",
				Help: "Queued events shed under the drop_oldest overflow policy",
			},
			[]string{"stream"},
		),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_events_processed_total",
				Help: "Events drained from the queue by the tick loop",
			},
			[]string{"stream"},
		),
		LateEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_late_events_total",
				Help: "Events refused by a rule because their window already emitted",
			},
			[]string{"rule"},
		),
		Aggregations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_aggregations_total",
				Help: "Aggregated results produced by rule",
			},
			[]string{"rule"},
		),
		AggregationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_aggregation_failures_total",
				Help: "Failed window aggregations by rule",
			},
			[]string{"rule"},
		),
		SinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_sink_failures_total",
				Help: "Failed result dispatches by sink kind",
			},
			[]string{"kind"},
		),
		SubscriptionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltstream_subscription_errors_total",
				Help: "Failed subscription deliveries by subscription",
			},
			[]string{"subscription"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voltstream_queue_depth",
			Help: "Events waiting in the processing queue",
		}),
		ActiveWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voltstream_active_windows",
			Help: "Windows currently tracked across all rules",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voltstream_tick_duration_seconds",
			Help:    "Duration of one tick of the processing loop",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsPublished,
			m.EventsRejected,
			m.EventsDropped,
			m.EventsProcessed,
			m.LateEvents,
			m.Aggregations,
			m.AggregationFailures,
			m.SinkFailures,
			m.SubscriptionErrors,
			m.QueueDepth,
			m.ActiveWindows,
			m.TickDuration,
		)
	}
	return m
}

func (m *Metrics) eventPublished(stream string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(stream).Inc()
}

func (m *Metrics) eventRejected(stream, reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(stream, reason).Inc()
}

func (m *Metrics) eventDropped(stream string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(stream).Inc()
}

func (m *Metrics) eventProcessed(stream string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(stream).Inc()
}

func (m *Metrics) lateEvent(rule string) {
	if m == nil {
		return
	}
	m.LateEvents.WithLabelValues(rule).Inc()
}

func (m *Metrics) aggregationCompleted(rule string) {
	if m == nil {
		return
	}
	m.Aggregations.WithLabelValues(rule).Inc()
}

func (m *Metrics) aggregationFailed(rule string) {
	if m == nil {
		return
	}
	m.AggregationFailures.WithLabelValues(rule).Inc()
}

func (m *Metrics) sinkFailed(kind SinkKind) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) subscriptionFailed(id string) {
	if m == nil {
		return
	}
	m.SubscriptionErrors.WithLabelValues(id).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) setActiveWindows(n int) {
	if m == nil {
		return
	}
	m.ActiveWindows.Set(float64(n))
}

func (m *Metrics) observeTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}
