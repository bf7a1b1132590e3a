package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(SignalSent)
	m.Add(RequestRetried, 3)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_call_signal_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_call_signal_events_total{event="request_retried"} 3`) {
		t.Fatalf("missing retry counter: %s", body)
	}
	if !strings.Contains(body, `aero_call_signal_events_total{event="signal_sent"} 1`) {
		t.Fatalf("missing signal counter: %s", body)
	}
	if !strings.Contains(body, `aero_call_signal_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	m.Inc(SignalSent)
	if got := m.Get(SignalSent); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("Snapshot=%v, want empty", snap)
	}
}
