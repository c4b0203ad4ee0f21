// Package review implements the human review gate, retraction and B-tier
// corroboration over persisted links.
package review

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/triage-ai/proximity/internal/catalog"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

// Repository is the persistence the gate needs. Every method is a single
// all-or-nothing transaction and reports caller-visible failures with the
// evidence.Err* sentinels.
type Repository interface {
	// ApproveLink stamps approval and clears needs_review for A/B links.
	ApproveLink(ctx context.Context, linkID, approvedBy string, at time.Time) (*evidence.Link, error)
	// RejectLink deletes the link, flags its event for reclassification and
	// records the rejection.
	RejectLink(ctx context.Context, linkID, reason string, at time.Time) (*Rejection, error)
	// RetractEvent soft-retracts the event. Retracting an already retracted
	// event returns the original metadata with AlreadyRetracted set.
	RetractEvent(ctx context.Context, eventID, reason, evidenceURL string, at time.Time) (*Retraction, error)
	// ListEvidence returns every link joined with its event state.
	ListEvidence(ctx context.Context) ([]evidence.Evidence, error)
	// ApplyCorroborations persists corroboration upgrades in one transaction.
	ApplyCorroborations(ctx context.Context, cs []Corroboration) error
}

// Rejection describes a rejected link.
type Rejection struct {
	LinkID       string
	EventID      string
	SignpostCode string
	Reason       string
	RejectedAt   time.Time
}

// Retraction is the retraction metadata of an event.
type Retraction struct {
	EventID          string
	RetractedAt      time.Time
	Reason           string
	EvidenceURL      string
	AlreadyRetracted bool
	SignpostCodes    []string // every signpost reachable through the event's links
}

// Invalidation lists exactly which cached aggregates a mutation made stale.
type Invalidation struct {
	Signposts  []string
	Categories []evidence.Category
}

// Keys returns cache keys for the invalidation: signpost:<code>,
// category:<name>, plus snapshot:* since every preset reads the categories.
func (inv Invalidation) Keys() []string {
	if inv.Empty() {
		return nil
	}
	keys := make([]string, 0, len(inv.Signposts)+len(inv.Categories)+1)
	for _, s := range inv.Signposts {
		keys = append(keys, "signpost:"+s)
	}
	for _, c := range inv.Categories {
		keys = append(keys, "category:"+string(c))
	}
	return append(keys, "snapshot:*")
}

// Empty reports whether nothing needs invalidating.
func (inv Invalidation) Empty() bool {
	return len(inv.Signposts) == 0 && len(inv.Categories) == 0
}

// Gate applies review decisions and retractions.
type Gate struct {
	repo    Repository
	catalog *catalog.Catalog
	window  time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewGate creates a Gate.
func NewGate(repo Repository, cat *catalog.Catalog, logger *zap.Logger) *Gate {
	return &Gate{
		repo:    repo,
		catalog: cat,
		window:  CorroborationWindow,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// SetCorroborationWindow overrides CorroborationWindow. Non-positive values
// are ignored.
func (g *Gate) SetCorroborationWindow(d time.Duration) {
	if d > 0 {
		g.window = d
	}
}

// Approve approves a link.
func (g *Gate) Approve(ctx context.Context, linkID, approvedBy string) (*evidence.Link, Invalidation, error) {
	linkID, approvedBy = strings.TrimSpace(linkID), strings.TrimSpace(approvedBy)
	if linkID == "" || approvedBy == "" {
		return nil, Invalidation{}, fmt.Errorf("Approve: %w: link id and approver are required", evidence.ErrInvalidInput)
	}

	link, err := g.repo.ApproveLink(ctx, linkID, approvedBy, g.now())
	if err != nil {
		return nil, Invalidation{}, fmt.Errorf("Approve: %w", err)
	}

	g.logger.Info("link approved",
		zap.String("link_id", link.ID),
		zap.String("signpost", link.SignpostCode),
		zap.String("approved_by", approvedBy),
		zap.Bool("still_gated", link.NeedsReview),
	)
	return link, g.invalidation([]string{link.SignpostCode}), nil
}

// Reject deletes a link and sends its event back for reclassification.
func (g *Gate) Reject(ctx context.Context, linkID, reason string) (*Rejection, Invalidation, error) {
	linkID, reason = strings.TrimSpace(linkID), strings.TrimSpace(reason)
	if linkID == "" || reason == "" {
		return nil, Invalidation{}, fmt.Errorf("Reject: %w: link id and reason are required", evidence.ErrInvalidInput)
	}

	rej, err := g.repo.RejectLink(ctx, linkID, reason, g.now())
	if err != nil {
		return nil, Invalidation{}, fmt.Errorf("Reject: %w", err)
	}

	g.logger.Info("link rejected",
		zap.String("link_id", rej.LinkID),
		zap.String("event_id", rej.EventID),
		zap.String("signpost", rej.SignpostCode),
		zap.String("reason", reason),
	)
	return rej, g.invalidation([]string{rej.SignpostCode}), nil
}

// Retract marks an event retracted. Retracting twice is not an error: the
// second call returns the first call's metadata and an empty invalidation.
func (g *Gate) Retract(ctx context.Context, eventID, reason, evidenceURL string) (*Retraction, Invalidation, error) {
	eventID, reason, evidenceURL = strings.TrimSpace(eventID), strings.TrimSpace(reason), strings.TrimSpace(evidenceURL)
	if eventID == "" || reason == "" {
		return nil, Invalidation{}, fmt.Errorf("Retract: %w: event id and reason are required", evidence.ErrInvalidInput)
	}
	if evidenceURL != "" {
		if u, err := url.Parse(evidenceURL); err != nil || !u.IsAbs() {
			return nil, Invalidation{}, fmt.Errorf("Retract: %w: evidence url must be absolute", evidence.ErrInvalidInput)
		}
	}

	r, err := g.repo.RetractEvent(ctx, eventID, reason, evidenceURL, g.now())
	if err != nil {
		return nil, Invalidation{}, fmt.Errorf("Retract: %w", err)
	}

	if r.AlreadyRetracted {
		g.logger.Info("event already retracted",
			zap.String("event_id", eventID),
			zap.Time("retracted_at", r.RetractedAt),
		)
		return r, Invalidation{}, nil
	}

	inv := g.invalidation(r.SignpostCodes)
	g.logger.Info("event retracted",
		zap.String("event_id", eventID),
		zap.String("reason", reason),
		zap.Strings("signposts", r.SignpostCodes),
	)
	return r, inv, nil
}

func (g *Gate) invalidation(codes []string) Invalidation {
	return NewInvalidation(g.catalog, codes)
}

// NewInvalidation builds the invalidation for a set of signpost codes:
// deduplicated, sorted, and expanded to their categories.
func NewInvalidation(cat *catalog.Catalog, codes []string) Invalidation {
	uniq := make(map[string]bool, len(codes))
	var out []string
	for _, c := range codes {
		if c != "" && !uniq[c] {
			uniq[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return Invalidation{Signposts: out, Categories: cat.CategoriesOf(out)}
}
