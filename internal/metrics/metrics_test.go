package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(registry)

	// Record some values so vector metrics appear in Gather()
	RecordTracked("page_view")
	RecordDropped("no_session", 1, false)
	RecordFlush("delivered", 1, 10*time.Millisecond)
	RecordBeacon("http", 0)
	RecordReport(1, 0, 0)
	RecordHTTPRequest("/api/v1/telemetry/report", "200", time.Millisecond)
	RecordSessionStart("created")
	RecordFeedback("COMPLETED")
	RecordStatsApplied("applied")
	RecordRetry("store")
	RecordDLQ("max_attempts")
	UpdateWorkerBacklog(3)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"storybook_events_tracked_total",
		"storybook_events_dropped_total",
		"storybook_flushes_total",
		"storybook_flush_batch_size",
		"storybook_flush_latency_seconds",
		"storybook_buffered_events",
		"storybook_beacon_events_total",
		"storybook_report_events_total",
		"storybook_http_request_duration_seconds",
		"storybook_sessions_started_total",
		"storybook_feedback_total",
		"storybook_stats_applied_total",
		"storybook_retries_total",
		"storybook_dlq_total",
		"storybook_worker_backlog",
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
	}
	for _, expected := range expectedMetrics {
		if !registered[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordTracked(t *testing.T) {
	EventsTrackedTotal.Reset()

	tests := []struct {
		name      string
		eventType string
		calls     int
	}{
		{name: "single page view", eventType: "page_view", calls: 1},
		{name: "many interactions", eventType: "interaction", calls: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordTracked(tt.eventType)
			}
			value := testutil.ToFloat64(EventsTrackedTotal.WithLabelValues(tt.eventType))
			if value != float64(tt.calls) {
				t.Errorf("RecordTracked() counter = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestBufferedEventsGauge(t *testing.T) {
	BufferedEvents.Set(0)

	RecordTracked("page_view")
	RecordTracked("page_dwell")
	RecordTracked("interaction")
	if got := testutil.ToFloat64(BufferedEvents); got != 3 {
		t.Fatalf("after 3 tracked, gauge = %f, want 3", got)
	}

	RecordFlush("requeued", 2, time.Millisecond)
	if got := testutil.ToFloat64(BufferedEvents); got != 3 {
		t.Errorf("requeued flush should not change gauge, got %f", got)
	}

	RecordFlush("delivered", 2, time.Millisecond)
	if got := testutil.ToFloat64(BufferedEvents); got != 1 {
		t.Errorf("after delivered flush, gauge = %f, want 1", got)
	}

	RecordBeacon("http", 1)
	if got := testutil.ToFloat64(BufferedEvents); got != 0 {
		t.Errorf("after beacon, gauge = %f, want 0", got)
	}

	RecordDropped("no_session", 5, false)
	if got := testutil.ToFloat64(BufferedEvents); got != 0 {
		t.Errorf("unbuffered drops should not change gauge, got %f", got)
	}
}

func TestRecordReport(t *testing.T) {
	ReportEventsTotal.Reset()

	RecordReport(5, 2, 1)
	RecordReport(1, 0, 0)

	tests := []struct {
		result string
		want   float64
	}{
		{"accepted", 6},
		{"deduped", 2},
		{"rejected", 1},
	}
	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			if got := testutil.ToFloat64(ReportEventsTotal.WithLabelValues(tt.result)); got != tt.want {
				t.Errorf("ReportEventsTotal{%s} = %f, want %f", tt.result, got, tt.want)
			}
		})
	}
}

func TestRecordRetryAndDLQ(t *testing.T) {
	RetriesTotal.Reset()
	DLQTotal.Reset()

	RecordRetry("store")
	RecordRetry("store")
	RecordDLQ("max_attempts")

	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("store")); got != 2 {
		t.Errorf("RetriesTotal{store} = %f, want 2", got)
	}
	if got := testutil.ToFloat64(DLQTotal.WithLabelValues("max_attempts")); got != 1 {
		t.Errorf("DLQTotal{max_attempts} = %f, want 1", got)
	}
}

func TestUpdateWorkerBacklog(t *testing.T) {
	for _, count := range []float64{0, 42, 10000} {
		UpdateWorkerBacklog(count)
		if value := testutil.ToFloat64(WorkerBacklog); value != count {
			t.Errorf("UpdateWorkerBacklog(%f) gauge value = %f", count, value)
		}
	}
}

func TestMetricNamePrefix(t *testing.T) {
	registry := prometheus.NewRegistry()
	MustRegister(registry)

	RecordTracked("page_view")
	UpdateWorkerBacklog(1)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}
	for _, mf := range metricFamilies {
		if !strings.HasPrefix(mf.GetName(), "storybook_") {
			t.Errorf("Metric name %s does not have expected prefix 'storybook_'", mf.GetName())
		}
	}
}
