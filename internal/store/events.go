package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/evidence"
)

const eventColumns = `e.id, e.fingerprint, e.title, e.summary, e.url, e.publisher, e.source_kind,
	e.published_at, e.tier, e.provisional, e.needs_review, e.mapped, e.retracted, e.retracted_at,
	COALESCE(e.retraction_reason, ''), COALESCE(e.retraction_evidence_url, ''),
	e.ingested_at, e.updated_at`

func scanEvent(row rowScanner) (*evidence.Event, error) {
	var (
		ev   evidence.Event
		tier string
	)
	err := row.Scan(&ev.ID, &ev.Fingerprint, &ev.Title, &ev.Summary, &ev.URL, &ev.Publisher,
		&ev.SourceKind, &ev.PublishedAt, &tier, &ev.Provisional, &ev.NeedsReview, &ev.Mapped,
		&ev.Retracted, &ev.RetractedAt, &ev.RetractionReason, &ev.RetractionEvidenceURL,
		&ev.IngestedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Tier = evidence.Tier(tier)
	return &ev, nil
}

// UpsertEvent inserts ev, or folds it into the active event with the same
// fingerprint. Only title and summary are mutable; an identical re-ingest
// touches nothing and reports OutcomeSkipped. On return ev.ID holds the
// stored event's id.
func (s *Store) UpsertEvent(ctx context.Context, ev *evidence.Event) (dedup.Outcome, error) {
	var (
		id       string
		inserted bool
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events (id, fingerprint, title, summary, url, publisher, source_kind,
		                    published_at, tier, provisional, ingested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (fingerprint) WHERE NOT retracted DO UPDATE SET
			title      = EXCLUDED.title,
			summary    = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at
		WHERE events.title IS DISTINCT FROM EXCLUDED.title
		   OR events.summary IS DISTINCT FROM EXCLUDED.summary
		RETURNING id, (xmax = 0)`,
		ev.ID, ev.Fingerprint, ev.Title, ev.Summary, ev.URL, ev.Publisher, ev.SourceKind,
		ev.PublishedAt, string(ev.Tier), ev.Provisional, ev.IngestedAt,
	).Scan(&id, &inserted)
	if err == sql.ErrNoRows {
		return dedup.OutcomeSkipped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("UpsertEvent: %w", err)
	}

	ev.ID = id
	if inserted {
		return dedup.OutcomeInserted, nil
	}
	return dedup.OutcomeUpdated, nil
}

// FindActiveByFingerprint returns the non-retracted event with the given
// fingerprint, or nil if none exists.
func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*evidence.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e WHERE e.fingerprint = $1 AND NOT e.retracted`, fingerprint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindActiveByFingerprint: %w", err)
	}
	return ev, nil
}

// GetEvent returns an event by ID, retracted or not, or nil if not found.
func (s *Store) GetEvent(ctx context.Context, id string) (*evidence.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events e WHERE e.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	return ev, nil
}

// ListEvents returns events matching the filter, newest first.
func (s *Store) ListEvents(ctx context.Context, f evidence.EventFilter) ([]*evidence.Event, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeRetracted {
		conds = append(conds, "NOT e.retracted")
	}
	if f.Tier != "" {
		conds = append(conds, "e.tier = "+arg(string(f.Tier)))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "e.published_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "e.published_at < "+arg(f.Until))
	}
	if f.SignpostCode != "" {
		conds = append(conds, `EXISTS (SELECT 1 FROM event_signpost_links l
			WHERE l.event_id = e.id AND l.signpost_code = `+arg(f.SignpostCode)+`)`)
	}

	query := `SELECT ` + eventColumns + ` FROM events e`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY e.published_at DESC, e.id LIMIT ` + arg(f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListEvents: %w", err)
	}
	defer rows.Close()

	var out []*evidence.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEvents: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListUnmapped returns active events the mapper has not processed yet,
// oldest first.
func (s *Store) ListUnmapped(ctx context.Context, limit int) ([]*evidence.Event, error) {
	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e WHERE NOT e.mapped AND NOT e.retracted
		ORDER BY e.ingested_at, e.id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListUnmapped: %w", err)
	}
	defer rows.Close()

	var out []*evidence.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListUnmapped: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveMapping stores the mapper's links for an event and marks it mapped,
// in a single transaction. A link for a (event, signpost) pair that already
// exists is left alone.
func (s *Store) SaveMapping(ctx context.Context, eventID string, links []evidence.Link, needsReview bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveMapping: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE events SET mapped = true, needs_review = $2, updated_at = $3
		WHERE id = $1 AND NOT retracted`, eventID, needsReview, s.now())
	if err != nil {
		return fmt.Errorf("SaveMapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("SaveMapping: event %s: %w", eventID, evidence.ErrEventRetracted)
	}

	for _, l := range links {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_signpost_links (id, event_id, signpost_code, confidence, value,
			                                  rationale, observed_at, needs_review, provisional, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (event_id, signpost_code) DO NOTHING`,
			l.ID, eventID, l.SignpostCode, l.Confidence, l.Value, l.Rationale,
			l.ObservedAt, l.NeedsReview, l.Provisional, s.now())
		if err != nil {
			return fmt.Errorf("SaveMapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveMapping: %w", err)
	}
	return nil
}
