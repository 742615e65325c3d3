package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordMessage("pop", "ok", time.Millisecond)
	c.RecordHandoff("pop", "etapas")
	c.RecordRisks(3)
	c.RecordCode("cap")
	if c.Registry() != nil {
		t.Error("expected nil registry for nil collector")
	}
}

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("")
	c.RecordMessage("pop", "ok", 10*time.Millisecond)
	c.RecordMessage("pop", "ok", 10*time.Millisecond)
	c.RecordHandoff("pop", "etapas")
	c.RecordRisks(2)

	if got := testutil.ToFloat64(c.MessagesProcessed.WithLabelValues("pop", "ok")); got != 2 {
		t.Errorf("expected 2 messages, got %v", got)
	}
	if got := testutil.ToFloat64(c.RisksMaterialized); got != 2 {
		t.Errorf("expected 2 risks, got %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "helena_handoffs_total") {
		t.Errorf("expected handoff metric in exposition, got:\n%s", rec.Body.String())
	}
}
