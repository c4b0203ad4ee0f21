package review

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

const (
	// CorroborationWindow is how far apart a B-tier and an A-tier observation
	// of the same signpost may be and still corroborate.
	CorroborationWindow = 14 * 24 * time.Hour
	// CorroborationBoost is added to a corroborated link's confidence.
	CorroborationBoost = 0.1
	maxConfidence      = 0.95
)

// Corroboration is one B-tier link upgraded by an A-tier observation.
type Corroboration struct {
	LinkID        string
	ByEventID     string
	OldConfidence float64
	NewConfidence float64
	Rationale     string // full rationale after the corroboration note
}

// CorroborationStats summarizes a corroboration pass.
type CorroborationStats struct {
	Checked             int
	Corroborated        int
	AlreadyCorroborated int
}

func corroborationNote(eventID string, old, next float64) string {
	return fmt.Sprintf("Corroborated by A-tier event #%s (conf boosted: %.2f → %.2f)", eventID, old, next)
}

func corroborationMarker(eventID string) string {
	return "Corroborated by A-tier event #" + eventID
}

// FindCorroborations matches provisional B-tier links against A-tier
// evidence for the same signpost observed within the window. The nearest
// A-tier observation wins. Links whose rationale already names a
// corroborating event are counted but left untouched.
func FindCorroborations(evs []evidence.Evidence, window time.Duration) ([]Corroboration, CorroborationStats) {
	anchors := make(map[string][]evidence.Evidence)
	for _, e := range evs {
		if e.Tier == evidence.TierA && !e.EventRetracted && !e.Link.Provisional {
			anchors[e.Link.SignpostCode] = append(anchors[e.Link.SignpostCode], e)
		}
	}

	var (
		out   []Corroboration
		stats CorroborationStats
	)
	for _, e := range evs {
		if e.Tier != evidence.TierB || e.EventRetracted || !e.Link.Provisional {
			continue
		}
		stats.Checked++

		best, ok := nearest(anchors[e.Link.SignpostCode], e.Link.ObservedAt, window)
		if !ok {
			continue
		}
		if strings.Contains(e.Link.Rationale, corroborationMarker(best.Link.EventID)) {
			stats.AlreadyCorroborated++
			continue
		}

		old := e.Link.Confidence
		next := math.Min(old+CorroborationBoost, maxConfidence)
		note := corroborationNote(best.Link.EventID, old, next)
		rationale := note
		if e.Link.Rationale != "" {
			rationale = e.Link.Rationale + " | " + note
		}
		out = append(out, Corroboration{
			LinkID:        e.Link.ID,
			ByEventID:     best.Link.EventID,
			OldConfidence: old,
			NewConfidence: next,
			Rationale:     rationale,
		})
		stats.Corroborated++
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LinkID < out[j].LinkID })
	return out, stats
}

func nearest(anchors []evidence.Evidence, at time.Time, window time.Duration) (evidence.Evidence, bool) {
	var (
		best  evidence.Evidence
		bestD time.Duration = -1
	)
	for _, a := range anchors {
		d := a.Link.ObservedAt.Sub(at)
		if d < 0 {
			d = -d
		}
		if d > window {
			continue
		}
		if bestD < 0 || d < bestD || (d == bestD && a.Link.EventID < best.Link.EventID) {
			best, bestD = a, d
		}
	}
	return best, bestD >= 0
}

// Corroborate runs a corroboration pass over all stored evidence and
// returns the invalidation for every signpost it touched.
func (g *Gate) Corroborate(ctx context.Context) (CorroborationStats, Invalidation, error) {
	evs, err := g.repo.ListEvidence(ctx)
	if err != nil {
		return CorroborationStats{}, Invalidation{}, fmt.Errorf("Corroborate: %w", err)
	}

	found, stats := FindCorroborations(evs, g.window)
	if len(found) == 0 {
		g.logger.Debug("corroboration pass found nothing",
			zap.Int("checked", stats.Checked),
			zap.Int("already_corroborated", stats.AlreadyCorroborated),
		)
		return stats, Invalidation{}, nil
	}

	if err := g.repo.ApplyCorroborations(ctx, found); err != nil {
		return CorroborationStats{}, Invalidation{}, fmt.Errorf("Corroborate: %w", err)
	}

	byLink := make(map[string]string, len(evs))
	for _, e := range evs {
		byLink[e.Link.ID] = e.Link.SignpostCode
	}
	codes := make([]string, 0, len(found))
	for _, c := range found {
		codes = append(codes, byLink[c.LinkID])
	}

	g.logger.Info("corroboration pass complete",
		zap.Int("checked", stats.Checked),
		zap.Int("corroborated", stats.Corroborated),
		zap.Int("already_corroborated", stats.AlreadyCorroborated),
	)
	return stats, g.invalidation(codes), nil
}
