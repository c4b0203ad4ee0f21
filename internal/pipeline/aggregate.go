package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/triage-ai/proximity/internal/cache"
	"github.com/triage-ai/proximity/internal/engine"
	"github.com/triage-ai/proximity/internal/evidence"
	"github.com/triage-ai/proximity/internal/metrics"
	"github.com/triage-ai/proximity/internal/storage"
	"go.uber.org/zap"
)

// CategoryView is one category's score and band from the latest snapshot of
// the default preset.
type CategoryView struct {
	Category evidence.Category `json:"category"`
	Preset   string            `json:"preset"`
	AsOf     time.Time         `json:"as_of"`
	Score    float64           `json:"score"`
	Band     evidence.Band     `json:"band"`
	Counts   evidence.Counts   `json:"counts"`
}

// Recompute aggregates all stored evidence for preset as of today and
// appends the result as a new snapshot revision. A duplicate snapshot key
// aborts the write and is returned as evidence.ErrSnapshotConflict.
func (s *Service) Recompute(ctx context.Context, preset string) (*evidence.Snapshot, error) {
	p, ok := s.presets.Get(preset)
	if !ok {
		return nil, fmt.Errorf("Recompute: %w: unknown preset %q", evidence.ErrInvalidInput, preset)
	}
	start := time.Now()

	evs, err := s.repo.ListEvidence(ctx)
	if err != nil {
		return nil, fmt.Errorf("Recompute: %w", err)
	}
	snap := s.engine.Compute(engine.Input{
		AsOf:      s.now(),
		Preset:    p,
		Signposts: s.catalog.All(),
		Evidence:  evs,
	})

	prev, err := s.repo.LatestSnapshot(ctx, preset, snap.AsOf.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("Recompute: %w", err)
	}
	var changes []evidence.ChangelogEntry
	if c, ok := s.significantChange(prev, snap); ok {
		changes = append(changes, c)
	}

	saved, err := s.repo.InsertSnapshot(ctx, snap, changes...)
	if err != nil {
		return nil, fmt.Errorf("Recompute: %w", err)
	}

	s.snapshots.Set(cache.SnapshotKey(preset), saved)
	if preset == s.preset {
		s.signposts.Invalidate(cache.PrefixSignpost + "*")
		s.categories.Invalidate(cache.PrefixCategory + "*")
	}
	metrics.ObserveSnapshot(saved, time.Since(start))
	s.writeAudit(&storage.AuditEvent{
		Kind:   storage.KindSnapshot,
		Preset: preset,
		Actor:  "aggregator",
		Score:  saved.Overall,
		Metadata: map[string]string{
			"as_of":    saved.AsOf.Format(time.DateOnly),
			"revision": fmt.Sprint(saved.Revision),
		},
	})

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, saved); err != nil {
			s.logger.Warn("snapshot publish failed",
				zap.String("preset", preset),
				zap.Int("revision", saved.Revision),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("snapshot recomputed",
		zap.String("preset", preset),
		zap.Time("as_of", saved.AsOf),
		zap.Int("revision", saved.Revision),
		zap.Float64("overall", saved.Overall),
		zap.Float64("safety_margin", saved.SafetyMargin),
		zap.Bool("significant", len(changes) > 0),
	)
	return saved, nil
}

// RecomputeAll recomputes every configured preset. A failing preset does not
// stop the others; all failures are returned joined.
func (s *Service) RecomputeAll(ctx context.Context) ([]*evidence.Snapshot, error) {
	var (
		out  []*evidence.Snapshot
		errs []error
	)
	for _, name := range s.recompute {
		snap, err := s.Recompute(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, snap)
	}
	return out, errors.Join(errs...)
}

// significantChange compares against the latest snapshot of an earlier day.
func (s *Service) significantChange(prev, next *evidence.Snapshot) (evidence.ChangelogEntry, bool) {
	if prev == nil {
		return evidence.ChangelogEntry{}, false
	}
	delta := next.Overall - prev.Overall
	if delta == 0 || math.Abs(delta) < s.significant {
		return evidence.ChangelogEntry{}, false
	}
	return evidence.ChangelogEntry{
		Kind:  evidence.ChangeSignificant,
		Title: fmt.Sprintf("Overall index (%s) moved %+.3f", next.Preset, delta),
		Body: fmt.Sprintf("%s: %.3f → %.3f since %s",
			next.AsOf.Format(time.DateOnly), prev.Overall, next.Overall, prev.AsOf.Format(time.DateOnly)),
		CreatedAt: s.now(),
	}, true
}

// LatestSnapshot returns the newest snapshot for preset, served from cache
// when fresh.
func (s *Service) LatestSnapshot(ctx context.Context, preset string) (*evidence.Snapshot, error) {
	key := cache.SnapshotKey(preset)
	if snap, ok := s.snapshots.Get(key); ok {
		metrics.ObserveCache(true)
		return snap, nil
	}
	metrics.ObserveCache(false)

	snap, err := s.repo.LatestSnapshot(ctx, preset, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}
	if snap != nil {
		s.snapshots.Set(key, snap)
	}
	return snap, nil
}

// SnapshotAt returns the newest snapshot for preset dated on or before day.
func (s *Service) SnapshotAt(ctx context.Context, preset string, day time.Time) (*evidence.Snapshot, error) {
	snap, err := s.repo.LatestSnapshot(ctx, preset, day)
	if err != nil {
		return nil, fmt.Errorf("SnapshotAt: %w", err)
	}
	return snap, nil
}

// SnapshotHistory returns the latest revision per day, newest first.
func (s *Service) SnapshotHistory(ctx context.Context, preset string, limit int) ([]*evidence.Snapshot, error) {
	return s.repo.SnapshotHistory(ctx, preset, limit)
}

// SignpostProgress returns a signpost's line from the default preset's
// latest snapshot, or nil when no snapshot exists yet.
func (s *Service) SignpostProgress(ctx context.Context, code string) (*evidence.SignpostProgress, error) {
	if !s.catalog.Has(code) {
		return nil, fmt.Errorf("SignpostProgress: %w: unknown signpost %q", evidence.ErrNotFound, code)
	}
	key := cache.SignpostKey(code)
	if line, ok := s.signposts.Get(key); ok {
		metrics.ObserveCache(true)
		return &line, nil
	}
	metrics.ObserveCache(false)

	snap, err := s.LatestSnapshot(ctx, s.preset)
	if err != nil || snap == nil {
		return nil, err
	}
	for _, line := range snap.Signposts {
		if line.Code == code {
			s.signposts.Set(key, line)
			return &line, nil
		}
	}
	return nil, nil
}

// CategoryScore returns a category's score from the default preset's latest
// snapshot, or nil when no snapshot exists yet.
func (s *Service) CategoryScore(ctx context.Context, cat evidence.Category) (*CategoryView, error) {
	key := cache.CategoryKey(string(cat))
	if v, ok := s.categories.Get(key); ok {
		metrics.ObserveCache(true)
		return &v, nil
	}
	metrics.ObserveCache(false)

	snap, err := s.LatestSnapshot(ctx, s.preset)
	if err != nil || snap == nil {
		return nil, err
	}
	v := CategoryView{
		Category: cat,
		Preset:   snap.Preset,
		AsOf:     snap.AsOf,
		Score:    snap.Score(cat),
		Band:     snap.Bands[string(cat)],
		Counts:   snap.EvidenceCounts[cat],
	}
	s.categories.Set(key, v)
	return &v, nil
}

// ListEvents returns events matching f.
func (s *Service) ListEvents(ctx context.Context, f evidence.EventFilter) ([]*evidence.Event, error) {
	return s.repo.ListEvents(ctx, f)
}

// ReviewQueue returns links awaiting review with their event context.
func (s *Service) ReviewQueue(ctx context.Context, limit int) ([]evidence.ReviewItem, error) {
	return s.repo.ListReviewQueue(ctx, limit)
}

// Changelog returns the newest changelog entries.
func (s *Service) Changelog(ctx context.Context, limit int) ([]evidence.ChangelogEntry, error) {
	return s.repo.ListChangelog(ctx, limit)
}

// Presets returns the configured preset names.
func (s *Service) Presets() []string {
	return s.presets.Names()
}
