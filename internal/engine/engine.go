package engine

import (
	"time"

	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

// Input is everything one aggregation run needs. The engine keeps no state
// between runs; every call recomputes from the full evidence set.
type Input struct {
	AsOf      time.Time // date of the snapshot; evidence observed after this day is ignored
	Preset    Preset
	Signposts []evidence.Signpost
	Evidence  []evidence.Evidence
}

// Engine turns linked evidence into category scores, the overall index and
// confidence bands.
type Engine struct {
	bands  BandConfig
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(bands BandConfig, logger *zap.Logger) *Engine {
	return &Engine{bands: bands, logger: logger}
}

// observation is the most recent eligible reading for a signpost.
type observation struct {
	value      float64
	observedAt time.Time
	confidence float64
	eventID    string
	linkID     string
}

// newer orders observations by observed_at, then confidence, then link ID.
func (o observation) newer(other observation) bool {
	if !o.observedAt.Equal(other.observedAt) {
		return o.observedAt.After(other.observedAt)
	}
	if o.confidence != other.confidence {
		return o.confidence > other.confidence
	}
	return o.linkID > other.linkID
}

// Compute builds an unsaved snapshot (no ID, revision or created_at).
func (e *Engine) Compute(in Input) *evidence.Snapshot {
	asOf := dateOf(in.AsOf)
	cutoff := asOf.AddDate(0, 0, 1)

	bySignpost := make(map[string]evidence.Signpost, len(in.Signposts))
	for _, sp := range in.Signposts {
		bySignpost[sp.Code] = sp
	}

	latest := make(map[string]observation)
	counts := make(map[evidence.Category]evidence.Counts)
	for _, ev := range in.Evidence {
		sp, ok := bySignpost[ev.Link.SignpostCode]
		if !ok || ev.EventRetracted || !ev.Link.ObservedAt.Before(cutoff) {
			continue
		}
		if sp.FirstClass {
			c := counts[sp.Category]
			c.Add(ev.Tier)
			counts[sp.Category] = c
		}
		if !ev.Eligible() || ev.Link.Value == nil {
			continue
		}
		obs := observation{
			value:      *ev.Link.Value,
			observedAt: ev.Link.ObservedAt,
			confidence: ev.Link.Confidence,
			eventID:    ev.Link.EventID,
			linkID:     ev.Link.ID,
		}
		if cur, ok := latest[sp.Code]; !ok || obs.newer(cur) {
			latest[sp.Code] = obs
		}
	}

	snap := &evidence.Snapshot{
		AsOf:           asOf,
		Preset:         in.Preset.Name,
		Bands:          make(map[string]evidence.Band, len(evidence.Categories)+2),
		EvidenceCounts: make(map[evidence.Category]evidence.Counts, len(evidence.Categories)),
	}

	perCategory := make(map[evidence.Category][]WeightedProgress)
	for _, sp := range in.Signposts {
		line := evidence.SignpostProgress{Code: sp.Code, Category: sp.Category, FirstClass: sp.FirstClass}
		obs, ok := latest[sp.Code]
		if ok {
			v := obs.value
			at := obs.observedAt
			line.Observed = &v
			line.ObservedAt = &at
			line.EventID = obs.eventID
			line.Progress = Progress(sp.Baseline, sp.Target, obs.value, sp.Direction)
			if sp.FirstClass {
				perCategory[sp.Category] = append(perCategory[sp.Category], WeightedProgress{
					Progress: line.Progress,
					Weight:   in.Preset.SignpostWeight(sp),
				})
			}
		}
		snap.Signposts = append(snap.Signposts, line)
	}

	scores := make(map[evidence.Category]float64, len(evidence.Categories))
	for _, cat := range evidence.Categories {
		scores[cat] = CategoryScore(perCategory[cat])
		snap.EvidenceCounts[cat] = counts[cat]
		snap.Bands[string(cat)] = e.bands.CategoryBand(scores[cat], counts[cat])
	}
	snap.Capabilities = scores[evidence.CategoryCapabilities]
	snap.Agents = scores[evidence.CategoryAgents]
	snap.Inputs = scores[evidence.CategoryInputs]
	snap.Security = scores[evidence.CategorySecurity]

	combined := in.Preset.CombinedCapabilities(snap.Capabilities, snap.Agents)
	snap.Overall = Overall(combined, snap.Inputs)
	snap.SafetyMargin = SafetyMargin(snap.Security, combined)
	snap.Bands["overall"] = e.bands.DerivedBand(snap.Overall, 0, 1)
	snap.Bands["safety_margin"] = e.bands.DerivedBand(snap.SafetyMargin, -1, 1)

	e.logger.Debug("aggregation computed",
		zap.String("preset", in.Preset.Name),
		zap.Time("as_of", asOf),
		zap.Int("evidence", len(in.Evidence)),
		zap.Int("observed_signposts", len(latest)),
		zap.Float64("overall", snap.Overall),
	)
	return snap
}

// dateOf truncates t to its UTC calendar day.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
