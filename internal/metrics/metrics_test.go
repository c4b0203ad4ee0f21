package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/evidence"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register should be a no-op: %v", err)
	}
}

func TestObserveIngest(t *testing.T) {
	before := testutil.ToFloat64(ingestedTotal.WithLabelValues("inserted"))
	ObserveIngest(dedup.Stats{Inserted: 3, Skipped: 1})
	if got := testutil.ToFloat64(ingestedTotal.WithLabelValues("inserted")) - before; got != 3 {
		t.Errorf("inserted delta = %v, want 3", got)
	}
}

func TestObserveSnapshot_SetsGauges(t *testing.T) {
	ObserveSnapshot(&evidence.Snapshot{Preset: "equal", Overall: 0.42, Inputs: 0.3}, 0)
	if got := testutil.ToFloat64(overallScore.WithLabelValues("equal")); got != 0.42 {
		t.Errorf("overall gauge = %v", got)
	}
	if got := testutil.ToFloat64(categoryScore.WithLabelValues("equal", "inputs")); got != 0.3 {
		t.Errorf("inputs gauge = %v", got)
	}
}
