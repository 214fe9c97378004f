package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	first := NewMetrics()
	second := NewMetrics()
	first.RecordCycle("updated", 1.5)

	if got := testutil.ToFloat64(first.CycleCounter.WithLabelValues("updated")); got != 1 {
		t.Errorf("first updated count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(second.CycleCounter.WithLabelValues("updated")); got != 0 {
		t.Errorf("second updated count = %v, want 0", got)
	}
}

func TestRecordCycle(t *testing.T) {
	m := NewMetrics()
	m.RecordCycle("no_change", 0.2)
	m.RecordCycle("no_change", 0.3)
	m.RecordCycle("fetch_failed", 10)

	expected := `
		# HELP pindeploy_cycles_total Total number of update cycles by outcome
		# TYPE pindeploy_cycles_total counter
		pindeploy_cycles_total{outcome="fetch_failed"} 1
		pindeploy_cycles_total{outcome="no_change"} 2
	`
	if err := testutil.CollectAndCompare(m.CycleCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.CycleDuration); count != 1 {
		t.Errorf("expected 1 histogram series, got %d", count)
	}
}

func TestRecordTrigger(t *testing.T) {
	m := NewMetrics()
	m.RecordTrigger("http", false)
	m.RecordTrigger("http", true)
	m.RecordTrigger("signal", false)

	if got := testutil.ToFloat64(m.TriggerCounter.WithLabelValues("http", "coalesced")); got != 1 {
		t.Errorf("coalesced = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TriggerCounter.WithLabelValues("http", "queued")); got != 1 {
		t.Errorf("queued = %v, want 1", got)
	}
}

func TestSetRevisionKeepsSingleSeries(t *testing.T) {
	m := NewMetrics()
	m.SetRevision("a1")
	m.SetRevision("b2")

	if count := testutil.CollectAndCount(m.RevisionInfo); count != 1 {
		t.Errorf("revision series = %d, want 1", count)
	}
	if got := testutil.ToFloat64(m.RevisionInfo.WithLabelValues("b2")); got != 1 {
		t.Errorf("b2 gauge = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordCycle("updated", 1)
	m.RecordServiceAction("restarted")
	m.RecordTrigger("http", false)
	m.SetRevision("a1")
	m.MarkSuccess(1)
}

func TestHandlerServesExposition(t *testing.T) {
	m := NewMetrics()
	m.RecordServiceAction("restarted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `pindeploy_service_actions_total{action="restarted"} 1`) {
		t.Errorf("exposition missing service action counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("exposition missing runtime collector")
	}
}
