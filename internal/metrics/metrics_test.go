package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SetServices(3)
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	m.UpdateApplied()
	m.UpdateRejected("unsigned")
	m.UpdateRejected("unsigned")
	m.Evicted(2)

	if got := testutil.ToFloat64(m.services); got != 3 {
		t.Errorf("Expected 3 services, got %v", got)
	}
	if got := testutil.ToFloat64(m.streams); got != 1 {
		t.Errorf("Expected 1 stream, got %v", got)
	}
	if got := testutil.ToFloat64(m.updatesRejected.WithLabelValues("unsigned")); got != 2 {
		t.Errorf("Expected 2 rejects, got %v", got)
	}
	if got := testutil.ToFloat64(m.evictions); got != 2 {
		t.Errorf("Expected 2 evictions, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.SetServices(1)
	m.StreamOpened()
	m.UpdateRejected("bad signature")
	m.Heartbeat()
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Heartbeat()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "seaport_heartbeats_total 1") {
		t.Errorf("Expected heartbeat counter in output, got:\n%s", body)
	}
}
