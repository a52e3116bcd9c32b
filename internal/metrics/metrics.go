// Package metrics holds the Prometheus instrumentation shared by the agent
// components. Everything is registered on the default registry and exposed
// by the control surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detector
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_detector_events_total",
			Help: "Security events consumed by the anomaly detector",
		},
		[]string{"kind"},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_detector_alerts_total",
			Help: "Alerts emitted by the anomaly detector",
		},
		[]string{"kind"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_detector_suppressed_total",
			Help: "Alert decisions suppressed by cooldown (one per logged suppression line)",
		},
		[]string{"kind"},
	)

	// Spool / delivery
	SpoolAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentry_spool_appended_total",
			Help: "Records appended to the offline spool",
		},
	)

	SpoolRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentry_spool_recovered_total",
			Help: "Orphaned sending records restored to ready at startup",
		},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_delivery_attempts_total",
			Help: "Delivery attempts made by the retry worker",
		},
		[]string{"result"}, // success, failure
	)

	RetryDelaySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_retry_delay_seconds",
			Help: "Currently scheduled delay before the next retry cycle",
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentry_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_dispatch_outcomes_total",
			Help: "File dispatch outcomes",
		},
		[]string{"outcome"},
	)

	// Forensic / verification
	ForensicSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_forensic_sent_total",
			Help: "Forensic events sent to the verifier",
		},
		[]string{"result"},
	)

	VerifyResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_verify_results_total",
			Help: "Verification results on the /event endpoint",
		},
		[]string{"result"}, // accepted, mismatch, malformed, error
	)
)
