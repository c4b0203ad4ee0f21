package engine

import (
	"math"
	"testing"

	"github.com/triage-ai/proximity/internal/evidence"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestProgress_Up(t *testing.T) {
	cases := []struct {
		observed float64
		want     float64
	}{
		{70, 0.5},
		{90, 1.0},
		{40, 0.0},  // below baseline, clamped
		{120, 1.0}, // above target, clamped
	}
	for _, c := range cases {
		if got := Progress(50, 90, c.observed, evidence.DirectionUp); !approx(got, c.want) {
			t.Errorf("Progress(50, 90, %v, >=) = %v, want %v", c.observed, got, c.want)
		}
	}
}

func TestProgress_Down(t *testing.T) {
	// Jailbreak success falling from 80% to a 10% target.
	if got := Progress(80, 10, 45, evidence.DirectionDown); !approx(got, 0.5) {
		t.Errorf("Progress(80, 10, 45, <=) = %v, want 0.5", got)
	}
	if got := Progress(80, 10, 5, evidence.DirectionDown); got != 1 {
		t.Errorf("past target should clamp to 1, got %v", got)
	}
	if got := Progress(80, 10, 95, evidence.DirectionDown); got != 0 {
		t.Errorf("worse than baseline should clamp to 0, got %v", got)
	}
}

func TestProgress_DegenerateBaselineEqualsTarget(t *testing.T) {
	if got := Progress(50, 50, 50, evidence.DirectionUp); got != 1 {
		t.Errorf(">= satisfied: got %v", got)
	}
	if got := Progress(50, 50, 49, evidence.DirectionUp); got != 0 {
		t.Errorf(">= unsatisfied: got %v", got)
	}
	if got := Progress(50, 50, 10, evidence.DirectionDown); got != 1 {
		t.Errorf("<= satisfied: got %v", got)
	}
	if got := Progress(50, 50, 51, evidence.DirectionDown); got != 0 {
		t.Errorf("<= unsatisfied: got %v", got)
	}
}

func TestOverall_HarmonicMean(t *testing.T) {
	if got := Overall(0.8, 0.2); !approx(got, 0.32) {
		t.Errorf("Overall(0.8, 0.2) = %v, want 0.32", got)
	}
	if got := Overall(0.5, 0.5); !approx(got, 0.5) {
		t.Errorf("Overall(0.5, 0.5) = %v, want 0.5", got)
	}
	for _, x := range []float64{0, 0.3, 1} {
		if got := Overall(x, 0); got != 0 {
			t.Errorf("Overall(%v, 0) = %v, want 0", x, got)
		}
		if got := Overall(0, x); got != 0 {
			t.Errorf("Overall(0, %v) = %v, want 0", x, got)
		}
	}
}

func TestOverall_PenalizesBottleneck(t *testing.T) {
	if Overall(0.9, 0.1) >= (0.9+0.1)/2 {
		t.Error("harmonic mean should sit below the arithmetic mean for unbalanced inputs")
	}
}

func TestSafetyMargin(t *testing.T) {
	if got := SafetyMargin(0.3, 0.7); !approx(got, -0.4) {
		t.Errorf("SafetyMargin(0.3, 0.7) = %v, want -0.4", got)
	}
}

func TestCategoryScore(t *testing.T) {
	if got := CategoryScore(nil); got != 0 {
		t.Errorf("empty category should score 0, got %v", got)
	}
	equal := []WeightedProgress{{Progress: 0.2, Weight: 1}, {Progress: 0.6, Weight: 1}}
	if got := CategoryScore(equal); !approx(got, 0.4) {
		t.Errorf("equal weights: got %v, want 0.4", got)
	}
	weighted := []WeightedProgress{{Progress: 0.2, Weight: 3}, {Progress: 0.6, Weight: 1}}
	if got := CategoryScore(weighted); !approx(got, 0.3) {
		t.Errorf("weighted: got %v, want 0.3", got)
	}
	zero := []WeightedProgress{{Progress: 0.9, Weight: 0}}
	if got := CategoryScore(zero); got != 0 {
		t.Errorf("all-zero weights should score 0, got %v", got)
	}
}
