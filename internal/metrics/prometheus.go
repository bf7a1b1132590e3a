package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const prometheusMetricName = "aero_call_signal_events_total"

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Every counter is reported under a single metric name with an `event` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		escape := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP "+prometheusMetricName+" Call signaling event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE "+prometheusMetricName+" counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", prometheusMetricName, escape.Replace(k), snap[k])
		}
	})
}
