package evidence

import "testing"

func TestTier_ProvisionalUnlessA(t *testing.T) {
	if TierA.IsProvisional() {
		t.Error("tier A should not be provisional")
	}
	for _, tier := range []Tier{TierB, TierC, TierD} {
		if !tier.IsProvisional() {
			t.Errorf("tier %s should be provisional", tier)
		}
	}
}

func TestTier_OnlyAAndBMoveGauges(t *testing.T) {
	want := map[Tier]bool{TierA: true, TierB: true, TierC: false, TierD: false}
	for tier, ok := range want {
		if got := tier.CanMoveGauges(); got != ok {
			t.Errorf("tier %s CanMoveGauges = %v, want %v", tier, got, ok)
		}
		if got := tier.AlwaysReview(); got == ok {
			t.Errorf("tier %s AlwaysReview = %v, want %v", tier, got, !ok)
		}
	}
}

func TestTier_NoBoostBelowB(t *testing.T) {
	if TierC.ConfidenceBoost() != 0 || TierD.ConfidenceBoost() != 0 {
		t.Error("C/D must not receive a confidence boost")
	}
	if TierA.ConfidenceBoost() <= TierB.ConfidenceBoost() {
		t.Error("A boost should exceed B boost")
	}
}

func TestParseTier(t *testing.T) {
	got, err := ParseTier(" b ")
	if err != nil || got != TierB {
		t.Fatalf("ParseTier(b) = %q, %v", got, err)
	}
	if _, err := ParseTier("E"); err == nil {
		t.Error("expected error for tier E")
	}
}

func TestRawItem_EffectiveTier(t *testing.T) {
	cases := []struct {
		item    RawItem
		want    Tier
		wantErr bool
	}{
		{RawItem{SourceKind: "press"}, TierC, false},
		{RawItem{SourceKind: "press", Tier: TierA}, TierA, false},
		{RawItem{SourceKind: "press", Tier: "b"}, TierB, false},
		{RawItem{SourceKind: "reddit"}, TierD, false},
		{RawItem{SourceKind: "leaderboard", Tier: "Z"}, "", true},
		{RawItem{SourceKind: "leaderboard", Tier: " "}, "", true},
	}
	for _, tc := range cases {
		got, err := tc.item.EffectiveTier()
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("EffectiveTier(%+v) = %q, %v; want %q (err=%v)", tc.item, got, err, tc.want, tc.wantErr)
		}
	}
}

func TestEvidence_Eligible(t *testing.T) {
	v := 70.0
	base := Evidence{Link: Link{Value: &v}, Tier: TierA}
	if !base.Eligible() {
		t.Fatal("approved A-tier link with value should be eligible")
	}

	retracted := base
	retracted.EventRetracted = true
	if retracted.Eligible() {
		t.Error("retracted evidence must not be eligible")
	}

	pending := base
	pending.Link.NeedsReview = true
	if pending.Eligible() {
		t.Error("links awaiting review must not be eligible")
	}

	uncorroborated := base
	uncorroborated.Tier = TierB
	uncorroborated.Link.Provisional = true
	if uncorroborated.Eligible() {
		t.Error("provisional B-tier links must not be eligible")
	}
	uncorroborated.Link.Provisional = false
	if !uncorroborated.Eligible() {
		t.Error("corroborated B-tier link should be eligible")
	}

	press := base
	press.Tier = TierC
	if press.Eligible() {
		t.Error("tier C must never be eligible")
	}
}

func TestCounts(t *testing.T) {
	var c Counts
	for _, tier := range []Tier{TierA, TierA, TierB, TierD} {
		c.Add(tier)
	}
	if c.A != 2 || c.B != 1 || c.C != 0 || c.D != 1 || c.Total() != 4 {
		t.Errorf("unexpected counts %+v", c)
	}
}
