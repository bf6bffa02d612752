package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_HandlerExposesRegisteredCounters(t *testing.T) {
	m := NewMetrics()
	m.SessionsPairedTotal.Inc()
	m.BytesForwardedTotal.WithLabelValues("a_to_b").Add(42)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "atmosphere_relay_sessions_paired_total 1") {
		t.Fatalf("expected incremented counter in output, got %q", body)
	}
	if !strings.Contains(body, `atmosphere_relay_bytes_forwarded_total{direction="a_to_b"} 42`) {
		t.Fatalf("expected labeled counter in output, got %q", body)
	}
}

func TestMetrics_EachInstanceHasAnIndependentRegistry(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.SessionsActive.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "atmosphere_relay_sessions_active 3") {
		t.Fatal("expected a's gauge value not to leak into b's independent registry")
	}
}
