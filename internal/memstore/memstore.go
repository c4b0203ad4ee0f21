// Package memstore is an in-memory repository with the same transactional
// semantics as the Postgres store. It backs local mode and end-to-end tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/evidence"
	"github.com/triage-ai/proximity/internal/review"
)

type snapshotKey struct {
	asOf     string
	preset   string
	revision int
}

// Store is safe for concurrent use. Every method holds the lock for its
// whole duration, which makes each call all-or-nothing.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	events     map[string]*evidence.Event
	active     map[string]string // fingerprint -> event id, non-retracted only
	links      map[string]*evidence.Link
	rejections map[string]review.Rejection
	signposts  map[string]evidence.Signpost
	snapshots  []*evidence.Snapshot
	snapKeys   map[snapshotKey]bool
	changelog  []evidence.ChangelogEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		events:     make(map[string]*evidence.Event),
		active:     make(map[string]string),
		links:      make(map[string]*evidence.Link),
		rejections: make(map[string]review.Rejection),
		signposts:  make(map[string]evidence.Signpost),
		snapKeys:   make(map[snapshotKey]bool),
	}
}

func copyEvent(ev *evidence.Event) *evidence.Event {
	cp := *ev
	return &cp
}

func copyLink(l *evidence.Link) evidence.Link {
	cp := *l
	if l.Value != nil {
		v := *l.Value
		cp.Value = &v
	}
	return cp
}

// UpsertEvent mirrors the Postgres upsert on the active-fingerprint index.
func (s *Store) UpsertEvent(_ context.Context, ev *evidence.Event) (dedup.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[ev.Fingerprint]; ok {
		existing := s.events[id]
		ev.ID = id
		if existing.Title == ev.Title && existing.Summary == ev.Summary {
			return dedup.OutcomeSkipped, nil
		}
		existing.Title, existing.Summary, existing.UpdatedAt = ev.Title, ev.Summary, ev.UpdatedAt
		return dedup.OutcomeUpdated, nil
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	s.events[ev.ID] = copyEvent(ev)
	s.active[ev.Fingerprint] = ev.ID
	return dedup.OutcomeInserted, nil
}

// FindActiveByFingerprint returns the active event for fingerprint, or nil.
func (s *Store) FindActiveByFingerprint(_ context.Context, fingerprint string) (*evidence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[fingerprint]
	if !ok {
		return nil, nil
	}
	return copyEvent(s.events[id]), nil
}

// GetEvent returns an event by ID, or nil.
func (s *Store) GetEvent(_ context.Context, id string) (*evidence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return copyEvent(ev), nil
}

// ListEvents returns events matching f, newest first.
func (s *Store) ListEvents(_ context.Context, f evidence.EventFilter) ([]*evidence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*evidence.Event
	for _, ev := range s.events {
		if !f.Matches(ev) {
			continue
		}
		if f.SignpostCode != "" && !s.hasLinkLocked(ev.ID, f.SignpostCode) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := f.EffectiveLimit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Store) hasLinkLocked(eventID, code string) bool {
	for _, l := range s.links {
		if l.EventID == eventID && l.SignpostCode == code {
			return true
		}
	}
	return false
}

// ListUnmapped returns active, unmapped events, oldest first.
func (s *Store) ListUnmapped(_ context.Context, limit int) ([]*evidence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	var out []*evidence.Event
	for _, ev := range s.events {
		if !ev.Mapped && !ev.Retracted {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveMapping stores links for an event and marks it mapped.
func (s *Store) SaveMapping(_ context.Context, eventID string, links []evidence.Link, needsReview bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok || ev.Retracted {
		return fmt.Errorf("SaveMapping: event %s: %w", eventID, evidence.ErrEventRetracted)
	}
	for _, l := range links {
		if _, ok := s.signposts[l.SignpostCode]; !ok && len(s.signposts) > 0 {
			return fmt.Errorf("SaveMapping: unknown signpost %s: %w", l.SignpostCode, evidence.ErrInvalidInput)
		}
	}

	ev.Mapped, ev.NeedsReview, ev.UpdatedAt = true, needsReview, s.now()
	for i := range links {
		if s.hasLinkLocked(eventID, links[i].SignpostCode) {
			continue
		}
		l := copyLink(&links[i])
		l.EventID = eventID
		if l.CreatedAt.IsZero() {
			l.CreatedAt = s.now()
		}
		s.links[l.ID] = &l
	}
	return nil
}

// SyncSignposts upserts signposts by code.
func (s *Store) SyncSignposts(_ context.Context, signposts []evidence.Signpost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sp := range signposts {
		s.signposts[sp.Code] = sp
	}
	return nil
}

// GetLink returns a link by ID, or nil.
func (s *Store) GetLink(_ context.Context, id string) (*evidence.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[id]
	if !ok {
		return nil, nil
	}
	cp := copyLink(l)
	return &cp, nil
}

// ApproveLink records approval; see store.ApproveLink.
func (s *Store) ApproveLink(_ context.Context, linkID, approvedBy string, at time.Time) (*evidence.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rejections[linkID]; ok {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrAlreadyRejected)
	}
	l, ok := s.links[linkID]
	if !ok {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrNotFound)
	}
	ev := s.events[l.EventID]
	if ev.Retracted {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrEventRetracted)
	}
	if l.ApprovedAt != nil {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrAlreadyApproved)
	}

	approved := at
	l.ApprovedAt, l.ApprovedBy = &approved, approvedBy
	l.NeedsReview = ev.Tier.AlwaysReview()
	s.refreshEventReviewLocked(ev, at)

	if !l.NeedsReview {
		s.appendChangelogLocked(evidence.ChangelogEntry{
			Kind:      evidence.ChangeAdd,
			EventID:   ev.ID,
			Title:     "Evidence approved: " + ev.Title,
			Body:      fmt.Sprintf("signpost %s, confidence %.2f, approved by %s", l.SignpostCode, l.Confidence, approvedBy),
			CreatedAt: at,
		})
	}
	cp := copyLink(l)
	return &cp, nil
}

func (s *Store) refreshEventReviewLocked(ev *evidence.Event, at time.Time) {
	pending := false
	for _, l := range s.links {
		if l.EventID == ev.ID && l.NeedsReview && l.ApprovedAt == nil {
			pending = true
			break
		}
	}
	ev.NeedsReview, ev.UpdatedAt = pending, at
}

// RejectLink deletes a link and records the rejection.
func (s *Store) RejectLink(_ context.Context, linkID, reason string, at time.Time) (*review.Rejection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rejections[linkID]; ok {
		return nil, fmt.Errorf("RejectLink: %w", evidence.ErrAlreadyRejected)
	}
	l, ok := s.links[linkID]
	if !ok {
		return nil, fmt.Errorf("RejectLink: %w", evidence.ErrNotFound)
	}
	ev := s.events[l.EventID]

	rej := review.Rejection{
		LinkID:       linkID,
		EventID:      l.EventID,
		SignpostCode: l.SignpostCode,
		Reason:       reason,
		RejectedAt:   at,
	}
	delete(s.links, linkID)
	s.rejections[linkID] = rej
	ev.NeedsReview, ev.UpdatedAt = true, at
	s.appendChangelogLocked(evidence.ChangelogEntry{
		Kind:      evidence.ChangeReject,
		EventID:   ev.ID,
		Title:     "Link rejected: " + ev.Title,
		Body:      "signpost " + l.SignpostCode,
		Reason:    reason,
		CreatedAt: at,
	})
	return &rej, nil
}

// RetractEvent soft-retracts an event; repeat calls return the original
// metadata.
func (s *Store) RetractEvent(_ context.Context, eventID, reason, evidenceURL string, at time.Time) (*review.Retraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("RetractEvent: %w", evidence.ErrNotFound)
	}

	seen := make(map[string]bool)
	var codes []string
	for _, l := range s.links {
		if l.EventID == eventID && !seen[l.SignpostCode] {
			seen[l.SignpostCode] = true
			codes = append(codes, l.SignpostCode)
		}
	}
	sort.Strings(codes)

	if ev.Retracted {
		return &review.Retraction{
			EventID:          eventID,
			RetractedAt:      *ev.RetractedAt,
			Reason:           ev.RetractionReason,
			EvidenceURL:      ev.RetractionEvidenceURL,
			AlreadyRetracted: true,
			SignpostCodes:    codes,
		}, nil
	}

	retractedAt := at
	ev.Retracted, ev.RetractedAt = true, &retractedAt
	ev.RetractionReason, ev.RetractionEvidenceURL = reason, evidenceURL
	ev.UpdatedAt = at
	delete(s.active, ev.Fingerprint)

	s.appendChangelogLocked(evidence.ChangelogEntry{
		Kind:      evidence.ChangeRetract,
		EventID:   eventID,
		Title:     "Retracted: " + ev.Title,
		Body:      evidenceURL,
		Reason:    reason,
		CreatedAt: at,
	})
	return &review.Retraction{
		EventID:       eventID,
		RetractedAt:   at,
		Reason:        reason,
		EvidenceURL:   evidenceURL,
		SignpostCodes: codes,
	}, nil
}

// ListEvidence returns every link joined with its event state.
func (s *Store) ListEvidence(_ context.Context) ([]evidence.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]evidence.Evidence, 0, len(s.links))
	for _, l := range s.links {
		ev := s.events[l.EventID]
		out = append(out, evidence.Evidence{Link: copyLink(l), Tier: ev.Tier, EventRetracted: ev.Retracted})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Link.ObservedAt.Equal(out[j].Link.ObservedAt) {
			return out[i].Link.ObservedAt.Before(out[j].Link.ObservedAt)
		}
		return out[i].Link.ID < out[j].Link.ID
	})
	return out, nil
}

// ApplyCorroborations upgrades still-provisional links.
func (s *Store) ApplyCorroborations(_ context.Context, cs []review.Corroboration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	for _, c := range cs {
		l, ok := s.links[c.LinkID]
		if !ok || !l.Provisional {
			continue
		}
		l.Confidence, l.Rationale, l.Provisional = c.NewConfidence, c.Rationale, false
		s.appendChangelogLocked(evidence.ChangelogEntry{
			Kind:      evidence.ChangeUpdate,
			EventID:   l.EventID,
			Title:     "B-tier evidence corroborated",
			Body:      fmt.Sprintf("by A-tier event %s, confidence %.2f → %.2f", c.ByEventID, c.OldConfidence, c.NewConfidence),
			CreatedAt: at,
		})
	}
	return nil
}

// ListReviewQueue returns links awaiting a first decision, oldest first.
func (s *Store) ListReviewQueue(_ context.Context, limit int) ([]evidence.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	var out []evidence.ReviewItem
	for _, l := range s.links {
		ev := s.events[l.EventID]
		if !l.NeedsReview || l.ApprovedAt != nil || ev.Retracted {
			continue
		}
		out = append(out, evidence.ReviewItem{
			Link:       copyLink(l),
			EventTitle: ev.Title,
			EventURL:   ev.URL,
			Publisher:  ev.Publisher,
			Tier:       ev.Tier,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Link.CreatedAt.Equal(out[j].Link.CreatedAt) {
			return out[i].Link.CreatedAt.Before(out[j].Link.CreatedAt)
		}
		return out[i].Link.ID < out[j].Link.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertSnapshot appends a snapshot; see store.InsertSnapshot.
func (s *Store) InsertSnapshot(_ context.Context, snap *evidence.Snapshot, changes ...evidence.ChangelogEntry) (*evidence.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *snap
	day := out.AsOf.UTC().Format(time.DateOnly)
	if out.Revision == 0 {
		for _, existing := range s.snapshots {
			if existing.Preset == out.Preset && existing.AsOf.Format(time.DateOnly) == day && existing.Revision > out.Revision {
				out.Revision = existing.Revision
			}
		}
		out.Revision++
	}
	key := snapshotKey{asOf: day, preset: out.Preset, revision: out.Revision}
	if s.snapKeys[key] {
		return nil, fmt.Errorf("InsertSnapshot: %s/%s rev %d: %w", day, out.Preset, out.Revision, evidence.ErrSnapshotConflict)
	}

	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now()
	}
	s.snapKeys[key] = true
	stored := out
	s.snapshots = append(s.snapshots, &stored)
	for _, c := range changes {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = out.CreatedAt
		}
		s.appendChangelogLocked(c)
	}
	return &out, nil
}

// LatestSnapshot returns the newest snapshot for preset on or before the
// given day, or nil.
func (s *Store) LatestSnapshot(_ context.Context, preset string, onOrBefore time.Time) (*evidence.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *evidence.Snapshot
	for _, snap := range s.snapshots {
		if snap.Preset != preset {
			continue
		}
		if !onOrBefore.IsZero() && snap.AsOf.After(onOrBefore) {
			continue
		}
		if best == nil || snap.AsOf.After(best.AsOf) ||
			(snap.AsOf.Equal(best.AsOf) && snap.Revision > best.Revision) {
			best = snap
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// SnapshotHistory returns the latest revision per date, newest first.
func (s *Store) SnapshotHistory(_ context.Context, preset string, limit int) ([]*evidence.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	latest := make(map[string]*evidence.Snapshot)
	for _, snap := range s.snapshots {
		if snap.Preset != preset {
			continue
		}
		day := snap.AsOf.Format(time.DateOnly)
		if cur, ok := latest[day]; !ok || snap.Revision > cur.Revision {
			latest[day] = snap
		}
	}
	out := make([]*evidence.Snapshot, 0, len(latest))
	for _, snap := range latest {
		cp := *snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOf.After(out[j].AsOf) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) appendChangelogLocked(c evidence.ChangelogEntry) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.changelog = append(s.changelog, c)
}

// ListChangelog returns the newest entries first.
func (s *Store) ListChangelog(_ context.Context, limit int) ([]evidence.ChangelogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	out := make([]evidence.ChangelogEntry, len(s.changelog))
	copy(out, s.changelog)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
