package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Client-side buffer metrics.
var (
	EventsTrackedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_events_tracked_total",
			Help: "Total number of telemetry events appended to a buffer, by event type.",
		},
		[]string{"event_type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_events_dropped_total",
			Help: "Total number of telemetry events dropped, by reason.",
		},
		[]string{"reason"}, // no_session, invalid, closed, overflow, unload
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_flushes_total",
			Help: "Total number of flush attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, requeued, beacon
	)

	FlushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storybook_flush_batch_size",
			Help:    "Number of events per flushed batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500},
		},
	)

	FlushLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storybook_flush_latency_seconds",
			Help:    "Time spent in the reporting call of a flush.",
			Buckets: prometheus.DefBuckets,
		},
	)

	BufferedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storybook_buffered_events",
			Help: "Events currently held in memory by telemetry buffers, including in-flight batches.",
		},
	)

	BeaconEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_beacon_events_total",
			Help: "Events handed to a best-effort beacon transport, by transport.",
		},
		[]string{"transport"},
	)
)

// Reporting service metrics.
var (
	ReportEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_report_events_total",
			Help: "Events received by the reporting endpoint, by result.",
		},
		[]string{"result"}, // accepted, deduped, rejected
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storybook_http_request_duration_seconds",
			Help:    "Reporting service request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status_code"},
	)

	SessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_sessions_started_total",
			Help: "Session start calls by outcome.",
		},
		[]string{"status"}, // created, existed
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_feedback_total",
			Help: "Feedback submissions by session status.",
		},
		[]string{"status"},
	)
)

// Aggregation worker metrics.
var (
	StatsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_stats_applied_total",
			Help: "Telemetry envelopes folded into session stats, by status.",
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_retries_total",
			Help: "Total number of envelope retries by reason.",
		},
		[]string{"reason"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_dlq_total",
			Help: "Total number of envelopes moved to the DLQ by reason.",
		},
		[]string{"reason"},
	)

	DLQReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_dlq_replays_total",
			Help: "Dead letters replayed to the worker by outcome.",
		},
		[]string{"outcome"},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storybook_worker_backlog",
			Help: "Messages waiting in the telemetry worker channel.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsTrackedTotal, EventsDroppedTotal, FlushesTotal, FlushBatchSize,
		FlushLatencySeconds, BufferedEvents, BeaconEventsTotal,
		ReportEventsTotal, HTTPRequestDuration, SessionsStartedTotal, FeedbackTotal,
		StatsAppliedTotal, RetriesTotal, DLQTotal, DLQReplaysTotal, WorkerBacklog,
	)
}

// RecordTracked counts one buffered event.
func RecordTracked(eventType string) {
	EventsTrackedTotal.WithLabelValues(eventType).Inc()
	BufferedEvents.Inc()
}

// RecordDropped counts events dropped before or after buffering.
// buffered is true when the events had already been counted as buffered.
func RecordDropped(reason string, n int, buffered bool) {
	EventsDroppedTotal.WithLabelValues(reason).Add(float64(n))
	if buffered {
		BufferedEvents.Sub(float64(n))
	}
}

// RecordFlush records one reporting attempt.
func RecordFlush(outcome string, batchSize int, latency time.Duration) {
	FlushesTotal.WithLabelValues(outcome).Inc()
	FlushBatchSize.Observe(float64(batchSize))
	FlushLatencySeconds.Observe(latency.Seconds())
	if outcome == "delivered" {
		BufferedEvents.Sub(float64(batchSize))
	}
}

// RecordBeacon records events released to a best-effort transport.
func RecordBeacon(transport string, n int) {
	BeaconEventsTotal.WithLabelValues(transport).Add(float64(n))
	BufferedEvents.Sub(float64(n))
}

// RecordReport records the outcome counts of one report request.
func RecordReport(accepted, deduped, rejected int) {
	ReportEventsTotal.WithLabelValues("accepted").Add(float64(accepted))
	ReportEventsTotal.WithLabelValues("deduped").Add(float64(deduped))
	ReportEventsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

func RecordHTTPRequest(route, statusCode string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, statusCode).Observe(d.Seconds())
}

func RecordSessionStart(status string) {
	SessionsStartedTotal.WithLabelValues(status).Inc()
}

func RecordFeedback(status string) {
	FeedbackTotal.WithLabelValues(status).Inc()
}

func RecordStatsApplied(status string) {
	StatsAppliedTotal.WithLabelValues(status).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordDLQReplay(outcome string) {
	DLQReplaysTotal.WithLabelValues(outcome).Inc()
}

func UpdateWorkerBacklog(count float64) {
	WorkerBacklog.Set(count)
}
