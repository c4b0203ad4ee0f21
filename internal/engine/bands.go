package engine

import (
	"math"

	"github.com/triage-ai/proximity/internal/evidence"
)

// BandConfig controls confidence band widths.
type BandConfig struct {
	BaseWidth      float64 // half-width at perfect quality and enough evidence
	MaxWidth       float64 // half-width cap
	SparseEvidence int     // below this many items the band is widened
}

// DefaultBandConfig returns ±0.1 base, ±0.5 cap, sparse below 3 items.
func DefaultBandConfig() BandConfig {
	return BandConfig{BaseWidth: 0.1, MaxWidth: 0.5, SparseEvidence: 3}
}

// QualityScore is the count-weighted mean tier weight (A=1.0, B=0.8,
// C=0.3, D=0.1), or 0 with no evidence.
func QualityScore(c evidence.Counts) float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	sum := float64(c.A)*evidence.TierA.QualityWeight() +
		float64(c.B)*evidence.TierB.QualityWeight() +
		float64(c.C)*evidence.TierC.QualityWeight() +
		float64(c.D)*evidence.TierD.QualityWeight()
	return sum / float64(total)
}

// HalfWidth returns the band half-width for a category's evidence counts.
// Zero evidence yields +Inf, which CategoryBand turns into [0, 1].
func (bc BandConfig) HalfWidth(c evidence.Counts) float64 {
	total := c.Total()
	if total == 0 {
		return math.Inf(1)
	}
	w := bc.BaseWidth / QualityScore(c)
	if bc.SparseEvidence > 0 && total < bc.SparseEvidence {
		w *= math.Sqrt(float64(bc.SparseEvidence) / float64(total))
	}
	return math.Min(w, bc.MaxWidth)
}

// CategoryBand bounds score by the evidence-derived half-width, clipped to
// [0, 1]. A category with no evidence gets the full range.
func (bc BandConfig) CategoryBand(score float64, c evidence.Counts) evidence.Band {
	if c.Total() == 0 {
		return evidence.Band{Lower: 0, Upper: 1}
	}
	w := bc.HalfWidth(c)
	return evidence.Band{
		Lower: math.Max(0, score-w),
		Upper: math.Min(1, score+w),
	}
}

// DerivedBand is the fixed ±BaseWidth band used for overall and safety
// margin. lo/hi bound the metric's range.
func (bc BandConfig) DerivedBand(score, lo, hi float64) evidence.Band {
	return evidence.Band{
		Lower: math.Max(lo, score-bc.BaseWidth),
		Upper: math.Min(hi, score+bc.BaseWidth),
	}
}
