package mapper

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/proximity/internal/catalog"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newTestMapper(t *testing.T, opts Options) *Mapper {
	t.Helper()
	rules, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	return New(rules, cat, opts, zap.NewNop())
}

func event(title string, tier evidence.Tier) *evidence.Event {
	return &evidence.Event{
		ID:          "evt-1",
		Title:       title,
		Tier:        tier,
		Provisional: tier.IsProvisional(),
		PublishedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func linkFor(t *testing.T, res Result, code string) evidence.Link {
	t.Helper()
	for _, l := range res.Links {
		if l.SignpostCode == code {
			return l
		}
	}
	t.Fatalf("no link for %s in %+v", code, res.Links)
	return evidence.Link{}
}

func TestMapper_TierABenchmarkWithPercent(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("Frontier model scores 72% on OSWorld", evidence.TierA))

	if res.Status != StatusMapped {
		t.Fatalf("expected mapped, got %s", res.Status)
	}
	if len(res.Links) != 2 {
		t.Fatalf("expected cap of 2 links, got %d", len(res.Links))
	}
	l := linkFor(t, res, "osworld_50")
	if !approx(l.Confidence, 0.8) {
		t.Errorf("confidence = %.4f, want 0.8", l.Confidence)
	}
	if l.Value == nil || *l.Value != 72 {
		t.Errorf("expected extracted value 72, got %v", l.Value)
	}
	if l.NeedsReview {
		t.Error("A-tier link at 0.8 should not need review")
	}
	if l.Provisional {
		t.Error("A-tier link should not be provisional")
	}
	if !l.ObservedAt.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("observed_at should be the event's published time, got %v", l.ObservedAt)
	}
	if !strings.Contains(l.Rationale, "osworld") || !strings.Contains(l.Rationale, "72%") {
		t.Errorf("rationale should name rule and cue: %q", l.Rationale)
	}
}

func TestMapper_TierCAlwaysNeedsReview(t *testing.T) {
	m := newTestMapper(t, Options{})
	for _, tier := range []evidence.Tier{evidence.TierC, evidence.TierD} {
		res := m.Map(context.Background(), event("Model hits 80% on SWE-bench Verified", tier))
		if res.Status != StatusMapped {
			t.Fatalf("tier %s: expected mapped", tier)
		}
		for _, l := range res.Links {
			if !l.NeedsReview {
				t.Errorf("tier %s link %s must need review (confidence %.2f)", tier, l.SignpostCode, l.Confidence)
			}
		}
	}
}

func TestMapper_TierCNeverBoosted(t *testing.T) {
	m := newTestMapper(t, Options{})
	c := m.Map(context.Background(), event("Frontier model scores 72% on OSWorld", evidence.TierC))
	d := m.Map(context.Background(), event("Frontier model scores 72% on OSWorld", evidence.TierD))
	a := m.Map(context.Background(), event("Frontier model scores 72% on OSWorld", evidence.TierA))

	lc, ld, la := linkFor(t, c, "osworld_50"), linkFor(t, d, "osworld_50"), linkFor(t, a, "osworld_50")
	if !approx(lc.Confidence, 0.7) || !approx(ld.Confidence, 0.7) {
		t.Errorf("C/D confidence should be base heuristic 0.7, got %.4f / %.4f", lc.Confidence, ld.Confidence)
	}
	if !(la.Confidence > lc.Confidence) {
		t.Error("A-tier should be boosted above C-tier")
	}
}

func TestMapper_LowConfidenceBNeedsReview(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("Lab shares OSWorld agent demo", evidence.TierB))
	l := linkFor(t, res, "osworld_50")
	if !approx(l.Confidence, 0.55) {
		t.Errorf("confidence = %.4f, want 0.55", l.Confidence)
	}
	if !l.NeedsReview {
		t.Error("confidence below 0.6 must need review")
	}
	if l.Value != nil {
		t.Error("no numeric cue should leave value empty")
	}
}

func TestMapper_TierAAtThresholdAutoEligible(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("New results on GPQA", evidence.TierA))
	l := linkFor(t, res, "gpqa_75")
	if !approx(l.Confidence, 0.6) {
		t.Errorf("confidence = %.4f, want 0.6", l.Confidence)
	}
	if l.NeedsReview {
		t.Error("A-tier link at 0.6 should not need review")
	}
}

func TestMapper_RefinedRuleCountsOnce(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("Model hits 80% on SWE-bench Verified", evidence.TierA))
	l := linkFor(t, res, "swe_bench_85")
	// 0.5 base + 0.05 rule boost + 0.2 numeric + 0.1 tier A, no multi-rule bonus.
	if !approx(l.Confidence, 0.85) {
		t.Errorf("confidence = %.4f, want 0.85", l.Confidence)
	}
	if !strings.Contains(l.Rationale, "swe_bench,swe_bench_verified") {
		t.Errorf("rationale should list both rules: %q", l.Rationale)
	}
	if strings.Contains(l.Rationale, "multi_rule") {
		t.Errorf("one phrase must not earn the multi-rule bonus: %q", l.Rationale)
	}

	g := linkFor(t, m.Map(context.Background(), event("New results on GPQA Diamond", evidence.TierA)), "gpqa_75")
	if !approx(g.Confidence, 0.6) {
		t.Errorf("gpqa_75 confidence = %.4f, want 0.6", g.Confidence)
	}
}

func TestMapper_MultiRuleBonusAndCap(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("Lab trains model with 10^26 FLOP", evidence.TierA))
	l := linkFor(t, res, "compute_1e26")
	// 0.5 + 0.2 numeric + 0.2 multi-rule + 0.1 tier A caps at 0.95.
	if !approx(l.Confidence, 0.95) {
		t.Errorf("confidence should cap at 0.95, got %.4f", l.Confidence)
	}
	if !strings.Contains(l.Rationale, "multi_rule=2") {
		t.Errorf("rationale should record multi-rule bonus: %q", l.Rationale)
	}
}

func TestMapper_FLOPCue(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("Lab trains model with 10^26 FLOP", evidence.TierA))
	if len(res.Links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(res.Links))
	}
	if res.Links[0].SignpostCode != "compute_1e26" {
		t.Errorf("highest-confidence link should be compute_1e26, got %s", res.Links[0].SignpostCode)
	}
	l := res.Links[0]
	if l.Value == nil || math.Abs(*l.Value-1e26)/1e26 > 1e-9 {
		t.Errorf("expected value 1e26, got %v", l.Value)
	}
	other := linkFor(t, res, "compute_1e27")
	if !approx(other.Confidence, 0.8) {
		t.Errorf("compute_1e27 confidence = %.4f, want 0.8", other.Confidence)
	}
}

func TestMapper_PowerCue(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("Company plans 10 GW datacenter campus", evidence.TierB))
	l := linkFor(t, res, "dc_power_10gw")
	if !approx(l.Confidence, 0.95) {
		t.Errorf("dc_power_10gw confidence = %.4f, want 0.95", l.Confidence)
	}
	if l.Value == nil || *l.Value != 10 {
		t.Errorf("expected value 10, got %v", l.Value)
	}
	if !l.Provisional {
		t.Error("B-tier link should be provisional")
	}
}

func TestMapper_NoMatchIsUnmapped(t *testing.T) {
	m := newTestMapper(t, Options{})
	res := m.Map(context.Background(), event("Local bakery wins award", evidence.TierA))
	if res.Status != StatusUnmapped {
		t.Fatalf("expected unmapped, got %s", res.Status)
	}
	if len(res.Links) != 0 {
		t.Errorf("unmapped result must have zero links")
	}
	if !res.NeedsReview() {
		t.Error("unmapped event must need review")
	}
}

type mockClassifier struct {
	calls int
	resp  *Classification
	err   error
}

func (c *mockClassifier) Classify(_ context.Context, _ ClassifyRequest) (*Classification, error) {
	c.calls++
	return c.resp, c.err
}

func TestMapper_FallbackBudgetExceeded(t *testing.T) {
	cls := &mockClassifier{resp: &Classification{Suggestions: []Suggestion{{Code: "gpqa_75", Confidence: 0.9}}}}
	budget := NewMemoryBudget(BudgetLimits{Warn: 0.5, Hard: 1}, zap.NewNop())
	if err := budget.Record(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	m := newTestMapper(t, Options{Classifier: cls, Budget: budget, EstimatedCostUSD: 0.01})

	res := m.Map(context.Background(), event("Unrelated headline", evidence.TierA))
	if res.Status != StatusUnmapped {
		t.Fatalf("expected unmapped when budget is exhausted, got %s", res.Status)
	}
	if cls.calls != 0 {
		t.Error("classifier must not be called over budget")
	}
	if !strings.Contains(res.Rationale, "budget") {
		t.Errorf("rationale should mention budget: %q", res.Rationale)
	}
	if !res.BudgetRefused {
		t.Error("result should report the budget refusal")
	}
}

func TestMapper_FallbackClassifies(t *testing.T) {
	cls := &mockClassifier{resp: &Classification{
		Model:   "small",
		CostUSD: 0.02,
		Suggestions: []Suggestion{
			{Code: "gpqa_75", Confidence: 0.7},
			{Code: "not_a_signpost", Confidence: 0.99},
			{Code: "gpqa_sota", Confidence: 0.4},
			{Code: "swe_bench_85", Confidence: 0.3},
		},
	}}
	budget := NewMemoryBudget(DefaultBudgetLimits(), zap.NewNop())
	m := newTestMapper(t, Options{Classifier: cls, Budget: budget, EstimatedCostUSD: 0.01})

	res := m.Map(context.Background(), event("Reasoning model tops graduate science quiz", evidence.TierC))
	if res.Status != StatusMapped || !res.Classified {
		t.Fatalf("expected classified mapping, got %+v", res)
	}
	if len(res.Links) != 2 || res.Links[0].SignpostCode != "gpqa_75" {
		t.Fatalf("unexpected links %+v", res.Links)
	}
	for _, l := range res.Links {
		if !l.NeedsReview {
			t.Error("tier C classifier links must need review")
		}
	}
	st, _ := budget.Status(context.Background())
	if !approx(st.SpentUSD, 0.02) {
		t.Errorf("spend not recorded: %+v", st)
	}
}

func TestMapper_FallbackErrorDegradesToUnmapped(t *testing.T) {
	cls := &mockClassifier{err: errors.New("unavailable")}
	m := newTestMapper(t, Options{Classifier: cls, Budget: NewMemoryBudget(DefaultBudgetLimits(), zap.NewNop())})
	res := m.Map(context.Background(), event("Unrelated headline", evidence.TierA))
	if res.Status != StatusUnmapped {
		t.Fatalf("expected unmapped, got %s", res.Status)
	}
}

func TestMapper_ClassifierWithoutBudgetDisabled(t *testing.T) {
	cls := &mockClassifier{}
	m := newTestMapper(t, Options{Classifier: cls})
	m.Map(context.Background(), event("Unrelated headline", evidence.TierA))
	if cls.calls != 0 {
		t.Error("classifier without budget must never be called")
	}
}
