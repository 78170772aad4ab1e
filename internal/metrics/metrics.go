package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Source refresh
	SourceRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_source_refresh_total",
			Help: "Source refresh attempts by source and outcome",
		},
		[]string{"source", "outcome"}, // "ok", "error"
	)

	SourceRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calendar_source_refresh_duration_seconds",
			Help:    "Duration of a full source refresh cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SourceLastRefresh = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calendar_source_last_refresh_timestamp_seconds",
			Help: "Unix time of the last completed refresh",
		},
	)

	SourcesVisible = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calendar_sources_visible",
			Help: "Sources present in the current snapshot",
		},
	)

	// Dispatch
	DispatchCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendar_dispatch_cycles_total",
			Help: "Completed dispatch cycles",
		},
	)

	DispatchCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calendar_dispatch_cycle_duration_seconds",
			Help:    "Duration of a dispatch cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_notifications_total",
			Help: "Notification attempts by stage, destination kind and outcome",
		},
		[]string{"stage", "kind", "outcome"}, // outcome: "delivered", "failed", "skipped"
	)

	FlagWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendar_notification_flag_write_errors_total",
			Help: "Failed writes of notified flags; the subscription is retried next cycle",
		},
	)

	// Transport circuit breakers: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calendar_transport_breaker_state",
			Help: "Circuit breaker state per transport (0 closed, 1 half-open, 2 open)",
		},
		[]string{"transport"},
	)

	// API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_api_requests_total",
			Help: "API requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calendar_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	DescriptionFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendar_description_fallbacks_total",
			Help: "Descriptions returned raw because rendering failed",
		},
	)

	Subscriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_subscriptions_total",
			Help: "Subscribe calls by destination kind and result",
		},
		[]string{"kind", "result"}, // "created", "existing"
	)
)

// RecordSourceRefresh records one source's refresh outcome.
func RecordSourceRefresh(sourceID string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SourceRefreshTotal.WithLabelValues(sourceID, outcome).Inc()
}

// RecordRefreshCycle records a completed refresh cycle.
func RecordRefreshCycle(duration time.Duration, visible int, at time.Time) {
	SourceRefreshDuration.Observe(duration.Seconds())
	SourcesVisible.Set(float64(visible))
	SourceLastRefresh.Set(float64(at.Unix()))
}

func RecordNotification(stage, kind, outcome string) {
	NotificationsTotal.WithLabelValues(stage, kind, outcome).Inc()
}

func RecordDispatchCycle(duration time.Duration) {
	DispatchCycles.Inc()
	DispatchCycleDuration.Observe(duration.Seconds())
}

func RecordAPIRequest(route, method string, status int, duration time.Duration) {
	APIRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
