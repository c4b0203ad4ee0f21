package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

// Outcome is the result of folding one RawItem into the event store.
type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeUpdated          // existing active event, title/summary refreshed
	OutcomeSkipped          // existing active event, nothing changed
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unspecified"
	}
}

// Repository persists events keyed by content fingerprint.
type Repository interface {
	// UpsertEvent inserts e, or, if an active event with the same
	// fingerprint exists, refreshes its title and summary. It must be atomic
	// with respect to concurrent upserts of the same fingerprint.
	UpsertEvent(ctx context.Context, e *evidence.Event) (Outcome, error)
	// FindActiveByFingerprint returns the active event, or nil.
	FindActiveByFingerprint(ctx context.Context, fingerprint string) (*evidence.Event, error)
}

// Filter is a probabilistic "already seen" check placed in front of the
// repository. Implementations may return false positives, never false
// negatives.
type Filter interface {
	Exists(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
}

// Stats summarizes a batch.
type Stats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Total is the number of items seen.
func (s Stats) Total() int {
	return s.Inserted + s.Updated + s.Skipped + s.Errors
}

// ErrMalformedItem wraps per-item validation failures.
var ErrMalformedItem = errors.New("malformed raw item")

// Ingester canonicalizes raw items and folds them into the event store.
type Ingester struct {
	repo   Repository
	filter Filter // optional
	now    func() time.Time
	logger *zap.Logger
}

// NewIngester creates an Ingester. filter may be nil.
func NewIngester(repo Repository, filter Filter, logger *zap.Logger) *Ingester {
	return &Ingester{
		repo:   repo,
		filter: filter,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Ingest processes a batch. Failures are isolated per item and counted in
// Stats.Errors; the batch itself never fails.
func (in *Ingester) Ingest(ctx context.Context, items []evidence.RawItem) Stats {
	var stats Stats
	for i := range items {
		outcome, err := in.IngestOne(ctx, items[i])
		if err != nil {
			stats.Errors++
			in.logger.Warn("ingest item failed",
				zap.String("url", items[i].URL),
				zap.Error(err),
			)
			continue
		}
		switch outcome {
		case OutcomeInserted:
			stats.Inserted++
		case OutcomeUpdated:
			stats.Updated++
		case OutcomeSkipped:
			stats.Skipped++
		}
	}

	in.logger.Info("ingest batch complete",
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
	)
	return stats
}

// IngestOne processes a single raw item.
func (in *Ingester) IngestOne(ctx context.Context, item evidence.RawItem) (Outcome, error) {
	ev, err := in.toEvent(item)
	if err != nil {
		return 0, err
	}

	key := contentKey(ev)
	if in.filter != nil {
		seen, err := in.filter.Exists(ctx, key)
		if err != nil {
			in.logger.Debug("dedup filter lookup failed", zap.Error(err))
		} else if seen {
			existing, err := in.repo.FindActiveByFingerprint(ctx, ev.Fingerprint)
			if err != nil {
				return 0, fmt.Errorf("IngestOne: %w", err)
			}
			if existing != nil && existing.Title == ev.Title && existing.Summary == ev.Summary {
				return OutcomeSkipped, nil
			}
		}
	}

	outcome, err := in.repo.UpsertEvent(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("IngestOne: %w", err)
	}

	if in.filter != nil {
		if err := in.filter.Add(ctx, key); err != nil {
			in.logger.Debug("dedup filter add failed", zap.Error(err))
		}
	}
	return outcome, nil
}

func (in *Ingester) toEvent(item evidence.RawItem) (*evidence.Event, error) {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: empty title", ErrMalformedItem)
	}
	if !utf8.ValidString(item.Title) || !utf8.ValidString(item.Summary) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrMalformedItem)
	}
	canonical, err := CanonicalURL(item.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}
	normTitle := NormalizeTitle(title)
	if normTitle == "" {
		return nil, fmt.Errorf("%w: title has no content", ErrMalformedItem)
	}

	now := in.now()
	published := item.PublishedAt.UTC()
	if item.PublishedAt.IsZero() {
		published = now
	}
	tier, err := item.EffectiveTier()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}

	return &evidence.Event{
		ID:          uuid.NewString(),
		Fingerprint: Fingerprint(canonical, normTitle),
		Title:       title,
		Summary:     strings.TrimSpace(item.Summary),
		URL:         canonical,
		Publisher:   strings.TrimSpace(item.Publisher),
		SourceKind:  item.SourceKind,
		PublishedAt: published,
		Tier:        tier,
		Provisional: tier.IsProvisional(),
		IngestedAt:  now,
		UpdatedAt:   now,
	}, nil
}

// contentKey identifies an exact (fingerprint, title, summary) version so the
// filter only short-circuits byte-identical re-ingests.
func contentKey(ev *evidence.Event) string {
	h := sha256.Sum256([]byte(ev.Fingerprint + "|" + ev.Title + "|" + ev.Summary))
	return hex.EncodeToString(h[:])
}
