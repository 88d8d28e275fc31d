package observability

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// promMetric describes one exported series.
type promMetric struct {
	name, key, help, kind string
}

var promMetrics = []promMetric{
	{"mgmt_requests_sent_total", "requests_sent", "Management requests written to a channel.", "counter"},
	{"mgmt_responses_received_total", "responses_received", "Responses matched to a pending request.", "counter"},
	{"mgmt_requests_failed_total", "requests_failed", "Pending requests failed by close or timeout.", "counter"},
	{"mgmt_requests_handled_total", "requests_handled", "Incoming requests answered by this side.", "counter"},
	{"mgmt_handler_errors_total", "handler_errors", "Incoming requests answered with a failure.", "counter"},
	{"mgmt_unknown_responses_total", "unknown_responses", "Responses with no matching pending request.", "counter"},
	{"mgmt_framing_errors_total", "framing_errors", "Messages discarded as malformed.", "counter"},
	{"mgmt_overloaded_total", "overloaded", "Requests refused at the concurrency limit.", "counter"},
	{"mgmt_channels_open", "channels_open", "Channels currently open.", "gauge"},
	{"mgmt_requests_in_flight", "in_flight", "Requests awaiting a response.", "gauge"},
}

// PrometheusHandler returns an http.HandlerFunc that exports metrics in
// Prometheus text exposition format.
func (m *Metrics) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.GetMetrics()
		for _, pm := range promMetrics {
			fmt.Fprintf(w, "# HELP %s %s\n", pm.name, pm.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", pm.name, pm.kind)
			fmt.Fprintf(w, "%s %d\n\n", pm.name, snap[pm.key])
		}

		// Latency percentiles from the rolling window.
		latencies := m.LatencySnapshot()
		if len(latencies) > 0 {
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			fmt.Fprintf(w, "# HELP mgmt_request_duration_seconds Request round-trip percentiles.\n")
			fmt.Fprintf(w, "# TYPE mgmt_request_duration_seconds summary\n")
			fmt.Fprintf(w, "mgmt_request_duration_seconds{quantile=\"0.5\"} %f\n", percentile(latencies, 0.5))
			fmt.Fprintf(w, "mgmt_request_duration_seconds{quantile=\"0.95\"} %f\n", percentile(latencies, 0.95))
			fmt.Fprintf(w, "mgmt_request_duration_seconds{quantile=\"0.99\"} %f\n", percentile(latencies, 0.99))
			fmt.Fprintf(w, "mgmt_request_duration_seconds_count %d\n\n", len(latencies))
		}
	}
}

// percentile returns the p-th percentile value from sorted durations.
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Seconds()
}
