package engine

import "github.com/triage-ai/proximity/internal/evidence"

// Progress converts an observed value into 0–1 progress from baseline to
// target.
//
// Rules:
//  1. ">=":  (observed - baseline) / (target - baseline)
//  2. "<=":  (baseline - observed) / (baseline - target)
//  3. baseline == target: 1 if observed already satisfies the direction, else 0
//
// The result is clamped to [0, 1].
func Progress(baseline, target, observed float64, dir evidence.Direction) float64 {
	if baseline == target {
		if satisfies(observed, target, dir) {
			return 1
		}
		return 0
	}

	var p float64
	if dir == evidence.DirectionDown {
		p = (baseline - observed) / (baseline - target)
	} else {
		p = (observed - baseline) / (target - baseline)
	}
	return clamp01(p)
}

func satisfies(observed, target float64, dir evidence.Direction) bool {
	if dir == evidence.DirectionDown {
		return observed <= target
	}
	return observed >= target
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// WeightedProgress is one signpost's contribution to a category.
type WeightedProgress struct {
	Progress float64
	Weight   float64
}

// CategoryScore is the weighted mean of its inputs, or 0 when there are none
// (or every weight is zero).
func CategoryScore(items []WeightedProgress) float64 {
	var sum, total float64
	for _, it := range items {
		if it.Weight <= 0 {
			continue
		}
		sum += it.Progress * it.Weight
		total += it.Weight
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// Overall is the harmonic mean of capabilities and inputs, 0 if either is 0.
// A single lagging side pulls the index down rather than being averaged away.
func Overall(capabilities, inputs float64) float64 {
	if capabilities <= 0 || inputs <= 0 {
		return 0
	}
	return 2 / (1/capabilities + 1/inputs)
}

// SafetyMargin is security minus capabilities. Negative means capability is
// outrunning safety posture.
func SafetyMargin(security, capabilities float64) float64 {
	return security - capabilities
}
