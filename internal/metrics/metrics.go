// Package metrics holds the Prometheus collectors for the relay, the projector,
// the broker session and the HTTP surfaces.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay
	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_published_total",
		Help: "Outbox records published and marked",
	})
	RelayPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_publish_failures_total",
		Help: "Publish attempts that aborted a poll cycle",
	})
	RelayMarkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_mark_failures_total",
		Help: "Records published but not marked (will be republished)",
	})
	RelayCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_relay_cycle_duration_seconds",
		Help:    "Duration of a relay poll cycle",
		Buckets: prometheus.DefBuckets,
	})

	// Projector
	ProjectorApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projector_events_applied_total",
		Help: "Events folded into the materialized views",
	}, []string{"event_type"})
	ProjectorDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projector_events_duplicate_total",
		Help: "Events skipped by the idempotency ledger",
	})
	ProjectorDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projector_events_dropped_total",
		Help: "Messages acknowledged without effect",
	}, []string{"reason"})
	ProjectorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projector_apply_failures_total",
		Help: "Apply transactions rolled back and requeued",
	})
	ProjectorApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "projector_apply_duration_seconds",
		Help:    "Duration of one projector transaction",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
	ProjectorWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "projector_last_event_timestamp_seconds",
		Help: "Event time of the last applied event (unix seconds)",
	})

	// Broker session
	BrokerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_session_state",
		Help: "1 for the current connection state of the broker session",
	}, []string{"state"})
	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_session_reconnects_total",
		Help: "Connection losses followed by a reconnect attempt",
	})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served",
	}, []string{"method", "route", "status"})
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})
)

// RecordWatermark exports the projector high-water mark.
func RecordWatermark(at time.Time) {
	ProjectorWatermark.Set(float64(at.UnixNano()) / 1e9)
}

// RecordBrokerState flips the state gauge to the given state.
func RecordBrokerState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		BrokerState.WithLabelValues(s).Set(v)
	}
}
