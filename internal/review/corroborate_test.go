package review

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/proximity/internal/evidence"
)

func TestFindCorroborations_WithinWindow(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("a1", evidence.TierA)
	repo.addEvent("b1", evidence.TierB)
	repo.addLink("la", "a1", "swe_bench_85", 0.8, day)
	lb := repo.addLink("lb", "b1", "swe_bench_85", 0.6, day.Add(10*24*time.Hour))
	lb.Rationale = "rules=swe_bench"

	evs, _ := repo.ListEvidence(context.Background())
	found, stats := FindCorroborations(evs, CorroborationWindow)

	if stats.Checked != 1 || stats.Corroborated != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	c := found[0]
	if c.LinkID != "lb" || c.ByEventID != "a1" {
		t.Errorf("unexpected corroboration %+v", c)
	}
	if !approx(c.NewConfidence, 0.7) {
		t.Errorf("confidence = %v, want 0.7", c.NewConfidence)
	}
	if !strings.HasPrefix(c.Rationale, "rules=swe_bench | Corroborated by A-tier event #a1") {
		t.Errorf("rationale = %q", c.Rationale)
	}
}

func TestFindCorroborations_Ineligible(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *fakeRepo)
	}{
		{"outside window", func(r *fakeRepo) {
			r.addLink("la", "a1", "swe_bench_85", 0.8, day)
			r.addLink("lb", "b1", "swe_bench_85", 0.6, day.Add(15*24*time.Hour))
		}},
		{"different signpost", func(r *fakeRepo) {
			r.addLink("la", "a1", "gpqa_75", 0.8, day)
			r.addLink("lb", "b1", "swe_bench_85", 0.6, day)
		}},
		{"retracted anchor", func(r *fakeRepo) {
			r.addLink("la", "a1", "swe_bench_85", 0.8, day)
			r.addLink("lb", "b1", "swe_bench_85", 0.6, day)
			r.events["a1"].Retracted = true
		}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.addEvent("a1", evidence.TierA)
			repo.addEvent("b1", evidence.TierB)
			tt.setup(repo)

			evs, _ := repo.ListEvidence(context.Background())
			found, stats := FindCorroborations(evs, CorroborationWindow)
			if len(found) != 0 || stats.Checked != 1 {
				t.Errorf("expected no corroboration, got %+v stats=%+v", found, stats)
			}
		})
	}
}

func TestFindCorroborations_CapsConfidence(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("a1", evidence.TierA)
	repo.addEvent("b1", evidence.TierB)
	repo.addLink("la", "a1", "gpqa_75", 0.8, day)
	repo.addLink("lb", "b1", "gpqa_75", 0.9, day)

	evs, _ := repo.ListEvidence(context.Background())
	found, _ := FindCorroborations(evs, CorroborationWindow)
	if len(found) != 1 || found[0].NewConfidence != 0.95 {
		t.Errorf("confidence should cap at 0.95, got %+v", found)
	}
}

func TestFindCorroborations_NoteAppendedOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("a1", evidence.TierA)
	repo.addEvent("b1", evidence.TierB)
	repo.addLink("la", "a1", "gpqa_75", 0.8, day)
	lb := repo.addLink("lb", "b1", "gpqa_75", 0.6, day)
	lb.Rationale = "x | Corroborated by A-tier event #a1 (conf boosted: 0.50 → 0.60)"

	evs, _ := repo.ListEvidence(context.Background())
	found, stats := FindCorroborations(evs, CorroborationWindow)
	if len(found) != 0 || stats.AlreadyCorroborated != 1 {
		t.Errorf("already noted link must not be touched: found=%+v stats=%+v", found, stats)
	}
}

func TestFindCorroborations_NearestAnchorWins(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("a1", evidence.TierA)
	repo.addEvent("a2", evidence.TierA)
	repo.addEvent("b1", evidence.TierB)
	repo.addLink("la1", "a1", "osworld_50", 0.8, day.Add(-10*24*time.Hour))
	repo.addLink("la2", "a2", "osworld_50", 0.8, day.Add(2*24*time.Hour))
	repo.addLink("lb", "b1", "osworld_50", 0.6, day)

	evs, _ := repo.ListEvidence(context.Background())
	found, _ := FindCorroborations(evs, CorroborationWindow)
	if len(found) != 1 || found[0].ByEventID != "a2" {
		t.Errorf("expected nearest anchor a2, got %+v", found)
	}
}

func TestGate_CorroborateAppliesAndSecondPassIsNoop(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("a1", evidence.TierA)
	repo.addEvent("b1", evidence.TierB)
	repo.addLink("la", "a1", "webarena_60", 0.8, day)
	repo.addLink("lb", "b1", "webarena_60", 0.6, day)
	g := newTestGate(t, repo)

	stats, inv, err := g.Corroborate(context.Background())
	if err != nil {
		t.Fatalf("Corroborate: %v", err)
	}
	if stats.Corroborated != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if l := repo.links["lb"]; l.Provisional || !approx(l.Confidence, 0.7) {
		t.Errorf("link not upgraded: %+v", l)
	}
	if len(inv.Signposts) != 1 || inv.Signposts[0] != "webarena_60" {
		t.Errorf("invalidation = %+v", inv)
	}

	stats, inv, err = g.Corroborate(context.Background())
	if err != nil {
		t.Fatalf("second Corroborate: %v", err)
	}
	if stats.Checked != 0 || stats.Corroborated != 0 || !inv.Empty() {
		t.Errorf("second pass should be a no-op: stats=%+v inv=%+v", stats, inv)
	}
	if len(repo.applied) != 1 {
		t.Errorf("expected exactly one applied corroboration, got %d", len(repo.applied))
	}
}

func TestGate_CorroborateListError(t *testing.T) {
	repo := newFakeRepo()
	repo.listErr = errors.New("db down")
	g := newTestGate(t, repo)
	if _, _, err := g.Corroborate(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
