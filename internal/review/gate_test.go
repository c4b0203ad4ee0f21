package review

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/proximity/internal/catalog"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

// fakeRepo keeps links and events in maps and mirrors the store's
// transactional rules closely enough to exercise the gate.
type fakeRepo struct {
	events   map[string]*evidence.Event
	links    map[string]*evidence.Link
	rejected map[string]*Rejection
	applied  []Corroboration
	listErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:   make(map[string]*evidence.Event),
		links:    make(map[string]*evidence.Link),
		rejected: make(map[string]*Rejection),
	}
}

func (f *fakeRepo) addEvent(id string, tier evidence.Tier) *evidence.Event {
	ev := &evidence.Event{ID: id, Tier: tier, Provisional: tier.IsProvisional(), Mapped: true}
	f.events[id] = ev
	return ev
}

func (f *fakeRepo) addLink(id, eventID, code string, conf float64, observed time.Time) *evidence.Link {
	ev := f.events[eventID]
	l := &evidence.Link{
		ID:           id,
		EventID:      eventID,
		SignpostCode: code,
		Confidence:   conf,
		ObservedAt:   observed,
		NeedsReview:  conf < 0.6 || ev.Tier.AlwaysReview(),
		Provisional:  ev.Tier.IsProvisional(),
	}
	f.links[id] = l
	return l
}

func (f *fakeRepo) ApproveLink(_ context.Context, linkID, approvedBy string, at time.Time) (*evidence.Link, error) {
	if _, ok := f.rejected[linkID]; ok {
		return nil, evidence.ErrAlreadyRejected
	}
	l, ok := f.links[linkID]
	if !ok {
		return nil, evidence.ErrNotFound
	}
	if f.events[l.EventID].Retracted {
		return nil, evidence.ErrEventRetracted
	}
	if l.ApprovedAt != nil {
		return nil, evidence.ErrAlreadyApproved
	}
	l.ApprovedAt, l.ApprovedBy = &at, approvedBy
	l.NeedsReview = f.events[l.EventID].Tier.AlwaysReview()
	cp := *l
	return &cp, nil
}

func (f *fakeRepo) RejectLink(_ context.Context, linkID, reason string, at time.Time) (*Rejection, error) {
	if _, ok := f.rejected[linkID]; ok {
		return nil, evidence.ErrAlreadyRejected
	}
	l, ok := f.links[linkID]
	if !ok {
		return nil, evidence.ErrNotFound
	}
	delete(f.links, linkID)
	f.events[l.EventID].NeedsReview = true
	r := &Rejection{LinkID: linkID, EventID: l.EventID, SignpostCode: l.SignpostCode, Reason: reason, RejectedAt: at}
	f.rejected[linkID] = r
	return r, nil
}

func (f *fakeRepo) RetractEvent(_ context.Context, eventID, reason, evidenceURL string, at time.Time) (*Retraction, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, evidence.ErrNotFound
	}
	var codes []string
	for _, l := range f.links {
		if l.EventID == eventID {
			codes = append(codes, l.SignpostCode)
		}
	}
	if ev.Retracted {
		return &Retraction{
			EventID: eventID, RetractedAt: *ev.RetractedAt, Reason: ev.RetractionReason,
			EvidenceURL: ev.RetractionEvidenceURL, AlreadyRetracted: true, SignpostCodes: codes,
		}, nil
	}
	ev.Retracted, ev.RetractedAt = true, &at
	ev.RetractionReason, ev.RetractionEvidenceURL = reason, evidenceURL
	return &Retraction{EventID: eventID, RetractedAt: at, Reason: reason, EvidenceURL: evidenceURL, SignpostCodes: codes}, nil
}

func (f *fakeRepo) ListEvidence(_ context.Context) ([]evidence.Evidence, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []evidence.Evidence
	for _, l := range f.links {
		ev := f.events[l.EventID]
		out = append(out, evidence.Evidence{Link: *l, Tier: ev.Tier, EventRetracted: ev.Retracted})
	}
	return out, nil
}

func (f *fakeRepo) ApplyCorroborations(_ context.Context, cs []Corroboration) error {
	for _, c := range cs {
		l := f.links[c.LinkID]
		l.Confidence, l.Rationale, l.Provisional = c.NewConfidence, c.Rationale, false
	}
	f.applied = append(f.applied, cs...)
	return nil
}

var day = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, repo Repository) *Gate {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return NewGate(repo, cat, zap.NewNop())
}

func TestGate_ApproveTierBClearsReview(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("e1", evidence.TierB)
	repo.addLink("l1", "e1", "swe_bench_85", 0.55, day)
	g := newTestGate(t, repo)

	link, inv, err := g.Approve(context.Background(), "l1", "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if link.NeedsReview || link.ApprovedBy != "alice" || link.ApprovedAt == nil {
		t.Errorf("unexpected link after approval: %+v", link)
	}
	if len(inv.Signposts) != 1 || inv.Signposts[0] != "swe_bench_85" {
		t.Errorf("invalidation signposts = %v", inv.Signposts)
	}
	if len(inv.Categories) != 1 || inv.Categories[0] != evidence.CategoryCapabilities {
		t.Errorf("invalidation categories = %v", inv.Categories)
	}
}

func TestGate_ApproveTierCStillGated(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("e1", evidence.TierC)
	repo.addLink("l1", "e1", "osworld_50", 0.7, day)
	g := newTestGate(t, repo)

	link, _, err := g.Approve(context.Background(), "l1", "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !link.NeedsReview {
		t.Error("C-tier link must stay flagged for review after approval")
	}
}

func TestGate_ApproveTwice(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("e1", evidence.TierA)
	repo.addLink("l1", "e1", "gpqa_75", 0.5, day)
	g := newTestGate(t, repo)

	if _, _, err := g.Approve(context.Background(), "l1", "alice"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, inv, err := g.Approve(context.Background(), "l1", "bob")
	if !errors.Is(err, evidence.ErrAlreadyApproved) {
		t.Errorf("expected ErrAlreadyApproved, got: %v", err)
	}
	if !inv.Empty() {
		t.Error("failed approve must not invalidate anything")
	}
}

func TestGate_ApproveMissingLink(t *testing.T) {
	g := newTestGate(t, newFakeRepo())
	if _, _, err := g.Approve(context.Background(), "nope", "alice"); !errors.Is(err, evidence.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestGate_ApproveRequiresApprover(t *testing.T) {
	g := newTestGate(t, newFakeRepo())
	if _, _, err := g.Approve(context.Background(), "l1", "  "); !errors.Is(err, evidence.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got: %v", err)
	}
}

func TestGate_ApproveRetractedEvent(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("e1", evidence.TierA)
	repo.addLink("l1", "e1", "gpqa_75", 0.5, day)
	g := newTestGate(t, repo)

	if _, _, err := g.Retract(context.Background(), "e1", "bad eval", ""); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if _, _, err := g.Approve(context.Background(), "l1", "alice"); !errors.Is(err, evidence.ErrEventRetracted) {
		t.Errorf("expected ErrEventRetracted, got: %v", err)
	}
}

func TestGate_RejectThenApprove(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("e1", evidence.TierB)
	repo.addLink("l1", "e1", "webarena_60", 0.55, day)
	g := newTestGate(t, repo)

	rej, inv, err := g.Reject(context.Background(), "l1", "wrong benchmark")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rej.EventID != "e1" || rej.Reason != "wrong benchmark" {
		t.Errorf("unexpected rejection: %+v", rej)
	}
	if !repo.events["e1"].NeedsReview {
		t.Error("event should be flagged for reclassification")
	}
	if len(inv.Categories) != 1 || inv.Categories[0] != evidence.CategoryAgents {
		t.Errorf("invalidation categories = %v", inv.Categories)
	}

	if _, _, err := g.Approve(context.Background(), "l1", "alice"); !errors.Is(err, evidence.ErrAlreadyRejected) {
		t.Errorf("approve after reject: expected ErrAlreadyRejected, got: %v", err)
	}
	if _, _, err := g.Reject(context.Background(), "l1", "again"); !errors.Is(err, evidence.ErrAlreadyRejected) {
		t.Errorf("second reject: expected ErrAlreadyRejected, got: %v", err)
	}
}

func TestGate_RetractIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.addEvent("e1", evidence.TierA)
	repo.addLink("l1", "e1", "swe_bench_85", 0.8, day)
	repo.addLink("l2", "e1", "dc_power_1gw", 0.8, day)
	g := newTestGate(t, repo)
	g.now = func() time.Time { return day.Add(48 * time.Hour) }

	first, inv, err := g.Retract(context.Background(), "e1", "results withdrawn", "https://example.com/erratum")
	if err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if first.AlreadyRetracted {
		t.Error("first retraction should not be flagged as repeat")
	}
	if len(inv.Signposts) != 2 || len(inv.Categories) != 2 {
		t.Errorf("unexpected invalidation: %+v", inv)
	}
	keys := strings.Join(inv.Keys(), ",")
	for _, want := range []string{"signpost:swe_bench_85", "category:inputs", "snapshot:*"} {
		if !strings.Contains(keys, want) {
			t.Errorf("keys %q missing %q", keys, want)
		}
	}

	g.now = func() time.Time { return day.Add(96 * time.Hour) }
	second, inv2, err := g.Retract(context.Background(), "e1", "different reason", "")
	if err != nil {
		t.Fatalf("second Retract: %v", err)
	}
	if !second.AlreadyRetracted {
		t.Error("second retraction should report AlreadyRetracted")
	}
	if !second.RetractedAt.Equal(first.RetractedAt) || second.Reason != "results withdrawn" {
		t.Errorf("second retraction must keep original metadata: %+v", second)
	}
	if !inv2.Empty() {
		t.Error("repeat retraction must not invalidate anything")
	}
	if _, ok := repo.links["l1"]; !ok {
		t.Error("retraction must keep links for audit")
	}
}

func TestGate_RetractValidation(t *testing.T) {
	g := newTestGate(t, newFakeRepo())
	cases := []struct {
		name, id, reason, url string
	}{
		{"missing id", "", "r", ""},
		{"missing reason", "e1", " ", ""},
		{"relative url", "e1", "r", "/erratum"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := g.Retract(context.Background(), tt.id, tt.reason, tt.url); !errors.Is(err, evidence.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got: %v", err)
			}
		})
	}
}

func TestGate_RetractUnknownEvent(t *testing.T) {
	g := newTestGate(t, newFakeRepo())
	if _, _, err := g.Retract(context.Background(), "missing", "r", ""); !errors.Is(err, evidence.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}
