package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics holds the Prometheus collectors updated by the bus runtime.
// Pass a Registerer to expose them; collectors also work unregistered, which
// keeps tests free of global-registry collisions.
type BusMetrics struct {
	Produced        *prometheus.CounterVec
	Consumed        *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	Commits         *prometheus.CounterVec
	PendingRequests prometheus.Gauge
	RequestTimeouts prometheus.Counter
}

// NewBusMetrics builds the collector set and registers it when reg is not
// nil.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		Produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "messages_produced_total",
			Help:      "Messages produced to the transport, by path.",
		}, []string{"path"}),
		Consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "messages_consumed_total",
			Help:      "Messages dispatched from the transport, by path and outcome.",
		}, []string{"path", "outcome"}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "busflow",
			Name:      "message_process_duration_seconds",
			Help:      "Wall time of one inbound message dispatch, by path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "checkpoint_commits_total",
			Help:      "Offset commits recorded per topic.",
		}, []string{"topic"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "busflow",
			Name:      "pending_requests",
			Help:      "Requests awaiting a correlated reply.",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "request_timeouts_total",
			Help:      "Requests faulted by the expiry reaper.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Produced,
			m.Consumed,
			m.ProcessDuration,
			m.Commits,
			m.PendingRequests,
			m.RequestTimeouts,
		)
	}
	return m
}
