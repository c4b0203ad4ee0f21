// Package pipeline wires dedup, mapping, review and aggregation into the
// operations the worker and the admin CLI expose.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/proximity/internal/cache"
	"github.com/triage-ai/proximity/internal/catalog"
	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/engine"
	"github.com/triage-ai/proximity/internal/evidence"
	"github.com/triage-ai/proximity/internal/mapper"
	"github.com/triage-ai/proximity/internal/metrics"
	"github.com/triage-ai/proximity/internal/review"
	"github.com/triage-ai/proximity/internal/storage"
	"go.uber.org/zap"
)

// Repository is the persistence the pipeline needs. Both store.Store and
// memstore.Store satisfy it.
type Repository interface {
	dedup.Repository
	review.Repository

	GetEvent(ctx context.Context, id string) (*evidence.Event, error)
	ListEvents(ctx context.Context, f evidence.EventFilter) ([]*evidence.Event, error)
	ListUnmapped(ctx context.Context, limit int) ([]*evidence.Event, error)
	SaveMapping(ctx context.Context, eventID string, links []evidence.Link, needsReview bool) error
	SyncSignposts(ctx context.Context, signposts []evidence.Signpost) error
	ListReviewQueue(ctx context.Context, limit int) ([]evidence.ReviewItem, error)

	InsertSnapshot(ctx context.Context, snap *evidence.Snapshot, changes ...evidence.ChangelogEntry) (*evidence.Snapshot, error)
	LatestSnapshot(ctx context.Context, preset string, onOrBefore time.Time) (*evidence.Snapshot, error)
	SnapshotHistory(ctx context.Context, preset string, limit int) ([]*evidence.Snapshot, error)
	ListChangelog(ctx context.Context, limit int) ([]evidence.ChangelogEntry, error)
}

// Publisher ships committed snapshots to external consumers.
type Publisher interface {
	Publish(ctx context.Context, snap *evidence.Snapshot) error
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Presets             *engine.Presets     // nil = built-ins
	RecomputePresets    []string            // presets recomputed after mutations; nil = all
	DefaultPreset       string              // preset behind signpost/category reads
	Bands               engine.BandConfig   // zero = engine.DefaultBandConfig()
	CacheTTL            time.Duration       // zero = 10m
	SignificantChange   float64             // overall delta that writes a changelog entry
	CorroborationWindow time.Duration       // zero = review.CorroborationWindow
	Filter              dedup.Filter        // optional seen-filter in front of the store
	Audit               storage.AuditWriter // nil = log only
	Publisher           Publisher           // optional
	MapBatch            int                 // events per mapping pass; zero = 200
}

// Service runs the evidence pipeline over a Repository.
type Service struct {
	repo      Repository
	catalog   *catalog.Catalog
	ingester  *dedup.Ingester
	mapper    *mapper.Mapper
	gate      *review.Gate
	engine    *engine.Engine
	presets   *engine.Presets
	recompute []string
	preset    string

	snapshots  *cache.Cache[*evidence.Snapshot]
	signposts  *cache.Cache[evidence.SignpostProgress]
	categories *cache.Cache[CategoryView]

	significant float64
	mapBatch    int
	audit       storage.AuditWriter
	publisher   Publisher
	now         func() time.Time
	logger      *zap.Logger
}

// New creates a Service.
func New(repo Repository, cat *catalog.Catalog, m *mapper.Mapper, opts Options, logger *zap.Logger) (*Service, error) {
	presets := opts.Presets
	if presets == nil {
		var err error
		if presets, err = engine.NewPresets(nil); err != nil {
			return nil, fmt.Errorf("pipeline.New: %w", err)
		}
	}
	recompute := opts.RecomputePresets
	if len(recompute) == 0 {
		recompute = presets.Names()
	}
	for _, name := range recompute {
		if _, ok := presets.Get(name); !ok {
			return nil, fmt.Errorf("pipeline.New: %w: unknown preset %q", evidence.ErrInvalidInput, name)
		}
	}
	preset := opts.DefaultPreset
	if preset == "" {
		preset = engine.PresetEqual
	}
	if _, ok := presets.Get(preset); !ok {
		return nil, fmt.Errorf("pipeline.New: %w: unknown default preset %q", evidence.ErrInvalidInput, preset)
	}

	bands := opts.Bands
	if bands == (engine.BandConfig{}) {
		bands = engine.DefaultBandConfig()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	mapBatch := opts.MapBatch
	if mapBatch <= 0 {
		mapBatch = 200
	}
	audit := opts.Audit
	if audit == nil {
		audit = storage.NewLogWriter(logger)
	}

	gate := review.NewGate(repo, cat, logger)
	gate.SetCorroborationWindow(opts.CorroborationWindow)

	return &Service{
		repo:        repo,
		catalog:     cat,
		ingester:    dedup.NewIngester(repo, opts.Filter, logger),
		mapper:      m,
		gate:        gate,
		engine:      engine.NewEngine(bands, logger),
		presets:     presets,
		recompute:   recompute,
		preset:      preset,
		snapshots:   cache.New[*evidence.Snapshot](ttl),
		signposts:   cache.New[evidence.SignpostProgress](ttl),
		categories:  cache.New[CategoryView](ttl),
		significant: opts.SignificantChange,
		mapBatch:    mapBatch,
		audit:       audit,
		publisher:   opts.Publisher,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}, nil
}

// SyncCatalog upserts the signpost catalog into the store.
func (s *Service) SyncCatalog(ctx context.Context) error {
	if err := s.repo.SyncSignposts(ctx, s.catalog.All()); err != nil {
		return fmt.Errorf("SyncCatalog: %w", err)
	}
	return nil
}

// Ingest folds a batch of raw items into the event store.
func (s *Service) Ingest(ctx context.Context, items []evidence.RawItem) dedup.Stats {
	stats := s.ingester.Ingest(ctx, items)
	metrics.ObserveIngest(stats)
	s.writeAudit(&storage.AuditEvent{
		Kind:  storage.KindIngest,
		Actor: "intake",
		Metadata: map[string]string{
			"inserted": strconv.Itoa(stats.Inserted),
			"updated":  strconv.Itoa(stats.Updated),
			"skipped":  strconv.Itoa(stats.Skipped),
			"errors":   strconv.Itoa(stats.Errors),
		},
	})
	return stats
}

// MapStats summarizes a mapping pass.
type MapStats struct {
	Mapped        int
	Unmapped      int
	Links         int
	NeedsReview   int // links routed to the review queue
	BudgetRefused int
	Errors        int
	Corroboration review.CorroborationStats
}

// MapPending maps events that have not been mapped yet, then runs a
// corroboration pass. Failures on one event do not stop the pass.
func (s *Service) MapPending(ctx context.Context) (MapStats, error) {
	var stats MapStats
	evs, err := s.repo.ListUnmapped(ctx, s.mapBatch)
	if err != nil {
		return stats, fmt.Errorf("MapPending: %w", err)
	}

	for _, ev := range evs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		res := s.mapper.Map(ctx, ev)
		if res.BudgetRefused {
			stats.BudgetRefused++
			metrics.ObserveBudgetRefusal()
			s.writeAudit(&storage.AuditEvent{Kind: storage.KindBudgetRefused, EventID: ev.ID, Actor: "mapper"})
		}

		needsReview := res.NeedsReview()
		codes := make([]string, 0, len(res.Links))
		for _, l := range res.Links {
			codes = append(codes, l.SignpostCode)
			if l.NeedsReview {
				needsReview = true
				stats.NeedsReview++
			}
		}

		if err := s.repo.SaveMapping(ctx, ev.ID, res.Links, needsReview); err != nil {
			stats.Errors++
			if errors.Is(err, evidence.ErrEventRetracted) {
				s.logger.Info("event retracted before mapping was saved", zap.String("event_id", ev.ID))
				continue
			}
			s.logger.Warn("save mapping failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}

		metrics.ObserveMapped(res.Status.String())
		if res.Status == mapper.StatusMapped {
			stats.Mapped++
		} else {
			stats.Unmapped++
		}
		stats.Links += len(res.Links)
		s.writeAudit(&storage.AuditEvent{
			Kind:      storage.KindMap,
			EventID:   ev.ID,
			Signposts: codes,
			Actor:     "mapper",
			Detail:    res.Rationale,
			Metadata:  map[string]string{"status": res.Status.String(), "classified": strconv.FormatBool(res.Classified)},
		})
	}

	cstats, inv, err := s.gate.Corroborate(ctx)
	if err != nil {
		return stats, fmt.Errorf("MapPending: %w", err)
	}
	stats.Corroboration = cstats
	if cstats.Corroborated > 0 {
		metrics.ObserveCorroborated(cstats.Corroborated)
		s.writeAudit(&storage.AuditEvent{
			Kind:      storage.KindCorroborate,
			Signposts: inv.Signposts,
			Actor:     "mapper",
			Metadata:  map[string]string{"corroborated": strconv.Itoa(cstats.Corroborated)},
		})
	}
	s.invalidate(inv)

	s.logger.Info("mapping pass complete",
		zap.Int("events", len(evs)),
		zap.Int("mapped", stats.Mapped),
		zap.Int("unmapped", stats.Unmapped),
		zap.Int("links", stats.Links),
		zap.Int("needs_review", stats.NeedsReview),
		zap.Int("corroborated", cstats.Corroborated),
	)
	return stats, nil
}

// Approve approves a link. Approving an A/B link makes it eligible, so every
// preset is recomputed.
func (s *Service) Approve(ctx context.Context, linkID, approvedBy string) (*evidence.Link, review.Invalidation, error) {
	link, inv, err := s.gate.Approve(ctx, linkID, approvedBy)
	if err != nil {
		return nil, review.Invalidation{}, err
	}
	metrics.ObserveReview(storage.KindApprove)
	s.writeAudit(&storage.AuditEvent{
		Kind:      storage.KindApprove,
		EventID:   link.EventID,
		LinkID:    link.ID,
		Signposts: inv.Signposts,
		Actor:     approvedBy,
		Score:     link.Confidence,
	})

	s.invalidate(inv)
	if !link.NeedsReview {
		s.recomputeAfterMutation(ctx, "approve")
	}
	return link, inv, nil
}

// Reject deletes a link and recomputes every preset.
func (s *Service) Reject(ctx context.Context, linkID, reason, actor string) (*review.Rejection, review.Invalidation, error) {
	rej, inv, err := s.gate.Reject(ctx, linkID, reason)
	if err != nil {
		return nil, review.Invalidation{}, err
	}
	metrics.ObserveReview(storage.KindReject)
	s.writeAudit(&storage.AuditEvent{
		Kind:      storage.KindReject,
		EventID:   rej.EventID,
		LinkID:    rej.LinkID,
		Signposts: inv.Signposts,
		Actor:     actor,
		Reason:    reason,
	})

	s.invalidate(inv)
	s.recomputeAfterMutation(ctx, "reject")
	return rej, inv, nil
}

// Retract retracts an event, invalidates exactly the aggregates it reached
// and recomputes every preset. A repeated retraction changes nothing.
func (s *Service) Retract(ctx context.Context, eventID, reason, evidenceURL, actor string) (*review.Retraction, review.Invalidation, error) {
	r, inv, err := s.gate.Retract(ctx, eventID, reason, evidenceURL)
	if err != nil {
		return nil, review.Invalidation{}, err
	}
	if r.AlreadyRetracted {
		return r, inv, nil
	}

	metrics.ObserveReview(storage.KindRetract)
	s.writeAudit(&storage.AuditEvent{
		Kind:      storage.KindRetract,
		EventID:   r.EventID,
		Signposts: inv.Signposts,
		Actor:     actor,
		Reason:    r.Reason,
		Detail:    r.EvidenceURL,
	})

	s.invalidate(inv)
	s.recomputeAfterMutation(ctx, "retract")
	return r, inv, nil
}

// recomputeAfterMutation refreshes snapshots once a mutation has committed.
// The mutation stands even if a recompute fails; the next aggregation run
// catches up.
func (s *Service) recomputeAfterMutation(ctx context.Context, cause string) {
	if _, err := s.RecomputeAll(ctx); err != nil {
		s.logger.Error("recompute after mutation failed",
			zap.String("cause", cause),
			zap.Error(err),
		)
	}
}

func (s *Service) invalidate(inv review.Invalidation) {
	keys := inv.Keys()
	if len(keys) == 0 {
		return
	}
	n := s.snapshots.Invalidate(keys...) + s.signposts.Invalidate(keys...) + s.categories.Invalidate(keys...)
	s.logger.Debug("cache invalidated", zap.Strings("keys", keys), zap.Int("removed", n))
}

func (s *Service) writeAudit(ev *storage.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.Detail = storage.Truncate(ev.Detail, storage.DetailLength)
	s.audit.Write(ev)
}
