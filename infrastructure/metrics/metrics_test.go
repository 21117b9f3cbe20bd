package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var errBoom = errors.New("boom")

func testutilCounterValue(c prometheus.Counter) float64 { return testutil.ToFloat64(c) }
func testutilGaugeValue(g prometheus.Gauge) float64     { return testutil.ToFloat64(g) }

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewWithRegistry("evolutiond-test", reg)
}

func TestNewWithRegistry_RegistersCollectors(t *testing.T) {
	m := newTestMetrics(t)
	if m.VerdictsTotal == nil || m.CreditsUsed == nil || m.CyclesTotal == nil {
		t.Fatal("expected core collectors to be initialized")
	}
}

func TestRecordVerdict(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordVerdict("auditor", "allow")
	m.RecordVerdict("auditor", "allow")
	m.RecordVerdict("auditor", "abort")

	if got := testutilCounterValue(m.VerdictsTotal.WithLabelValues("auditor", "allow")); got != 2 {
		t.Errorf("allow count = %v, want 2", got)
	}
	if got := testutilCounterValue(m.VerdictsTotal.WithLabelValues("auditor", "abort")); got != 1 {
		t.Errorf("abort count = %v, want 1", got)
	}
}

func TestRecordHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordHandler("auditor", "audit_request", 10*time.Millisecond, nil)
	m.RecordHandler("auditor", "audit_request", 10*time.Millisecond, errBoom)

	if got := testutilCounterValue(m.MessagesProcessed.WithLabelValues("auditor", "audit_request")); got != 2 {
		t.Errorf("messages processed = %v, want 2", got)
	}
	if got := testutilCounterValue(m.HandlerErrors.WithLabelValues("auditor", "audit_request")); got != 1 {
		t.Errorf("handler errors = %v, want 1", got)
	}
}

func TestRecordCycle(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordCycle("completed", 2*time.Second)

	if got := testutilCounterValue(m.CyclesTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("cycles total = %v, want 1", got)
	}
}

func TestUpdateUptime(t *testing.T) {
	m := newTestMetrics(t)
	m.UpdateUptime(time.Now().Add(-5 * time.Second))

	if v := testutilGaugeValue(m.ServiceUptime); v < 5 {
		t.Errorf("uptime = %v, want >= 5", v)
	}
}

func TestInFlightCounters(t *testing.T) {
	m := newTestMetrics(t)
	m.IncrementInFlight()
	m.IncrementInFlight()
	m.DecrementInFlight()

	if v := testutilGaugeValue(m.RequestsInFlight); v != 1 {
		t.Errorf("in flight = %v, want 1", v)
	}
}

func TestGlobalInitIsSingleton(t *testing.T) {
	globalMu.Lock()
	globalMetrics = nil
	globalMu.Unlock()

	a := Init("svc-a")
	b := Init("svc-b")
	if a != b {
		t.Error("Init should return the same instance on repeated calls")
	}
}
