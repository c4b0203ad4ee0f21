package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/proximity/internal/evidence"
	"github.com/triage-ai/proximity/internal/review"
)

const linkColumns = `l.id, l.event_id, l.signpost_code, l.confidence, l.value, l.rationale,
	l.observed_at, l.needs_review, l.provisional, l.approved_at, COALESCE(l.approved_by, ''), l.created_at`

func linkDest(l *evidence.Link) []any {
	return []any{&l.ID, &l.EventID, &l.SignpostCode, &l.Confidence, &l.Value, &l.Rationale,
		&l.ObservedAt, &l.NeedsReview, &l.Provisional, &l.ApprovedAt, &l.ApprovedBy, &l.CreatedAt}
}

// GetLink returns a link by ID, or nil if not found.
func (s *Store) GetLink(ctx context.Context, id string) (*evidence.Link, error) {
	var l evidence.Link
	err := s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM event_signpost_links l WHERE l.id = $1`, id,
	).Scan(linkDest(&l)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetLink: %w", err)
	}
	return &l, nil
}

func rejected(ctx context.Context, tx *sql.Tx, linkID string) (bool, error) {
	var ok bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM link_rejections WHERE link_id = $1)`, linkID).Scan(&ok)
	return ok, err
}

// ApproveLink records a reviewer's approval. A/B links leave the review
// queue; C/D links keep needs_review since they may never move gauges.
func (s *Store) ApproveLink(ctx context.Context, linkID, approvedBy string, at time.Time) (*evidence.Link, error) {
	if _, err := uuid.Parse(linkID); err != nil {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ApproveLink: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if gone, err := rejected(ctx, tx, linkID); err != nil {
		return nil, fmt.Errorf("ApproveLink: %w", err)
	} else if gone {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrAlreadyRejected)
	}

	var (
		l         evidence.Link
		tier      string
		retracted bool
		title     string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT `+linkColumns+`, e.tier, e.retracted, e.title
		FROM event_signpost_links l JOIN events e ON e.id = l.event_id
		WHERE l.id = $1
		FOR UPDATE OF l`, linkID,
	).Scan(append(linkDest(&l), &tier, &retracted, &title)...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ApproveLink: %w", err)
	}
	if retracted {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrEventRetracted)
	}
	if l.ApprovedAt != nil {
		return nil, fmt.Errorf("ApproveLink: %w", evidence.ErrAlreadyApproved)
	}

	l.NeedsReview = evidence.Tier(tier).AlwaysReview()
	l.ApprovedAt, l.ApprovedBy = &at, approvedBy

	if _, err := tx.ExecContext(ctx, `
		UPDATE event_signpost_links SET approved_at = $2, approved_by = $3, needs_review = $4
		WHERE id = $1`, linkID, at, approvedBy, l.NeedsReview); err != nil {
		return nil, fmt.Errorf("ApproveLink: %w", err)
	}
	if err := refreshEventReview(ctx, tx, l.EventID, at); err != nil {
		return nil, fmt.Errorf("ApproveLink: %w", err)
	}

	if !l.NeedsReview {
		if err := insertChangelog(ctx, tx, evidence.ChangelogEntry{
			Kind:      evidence.ChangeAdd,
			EventID:   l.EventID,
			Title:     "Evidence approved: " + title,
			Body:      fmt.Sprintf("signpost %s, confidence %.2f, approved by %s", l.SignpostCode, l.Confidence, approvedBy),
			CreatedAt: at,
		}); err != nil {
			return nil, fmt.Errorf("ApproveLink: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ApproveLink: %w", err)
	}
	return &l, nil
}

// refreshEventReview recomputes an event's needs_review from its links
// still awaiting a decision.
func refreshEventReview(ctx context.Context, tx *sql.Tx, eventID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE events SET
			needs_review = EXISTS (
				SELECT 1 FROM event_signpost_links
				WHERE event_id = $1 AND needs_review AND approved_at IS NULL),
			updated_at = $2
		WHERE id = $1`, eventID, at)
	return err
}

// RejectLink deletes a link, flags its event for reclassification and keeps
// a rejection record so repeated decisions report ErrAlreadyRejected.
func (s *Store) RejectLink(ctx context.Context, linkID, reason string, at time.Time) (*review.Rejection, error) {
	if _, err := uuid.Parse(linkID); err != nil {
		return nil, fmt.Errorf("RejectLink: %w", evidence.ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if gone, err := rejected(ctx, tx, linkID); err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	} else if gone {
		return nil, fmt.Errorf("RejectLink: %w", evidence.ErrAlreadyRejected)
	}

	rej := review.Rejection{LinkID: linkID, Reason: reason, RejectedAt: at}
	var title string
	err = tx.QueryRowContext(ctx, `
		SELECT l.event_id, l.signpost_code, e.title
		FROM event_signpost_links l JOIN events e ON e.id = l.event_id
		WHERE l.id = $1
		FOR UPDATE OF l`, linkID,
	).Scan(&rej.EventID, &rej.SignpostCode, &title)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("RejectLink: %w", evidence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_signpost_links WHERE id = $1`, linkID); err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO link_rejections (link_id, event_id, signpost_code, reason, rejected_at)
		VALUES ($1, $2, $3, $4, $5)`,
		linkID, rej.EventID, rej.SignpostCode, reason, at); err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET needs_review = true, updated_at = $2 WHERE id = $1`,
		rej.EventID, at); err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	}
	if err := insertChangelog(ctx, tx, evidence.ChangelogEntry{
		Kind:      evidence.ChangeReject,
		EventID:   rej.EventID,
		Title:     "Link rejected: " + title,
		Body:      "signpost " + rej.SignpostCode,
		Reason:    reason,
		CreatedAt: at,
	}); err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("RejectLink: %w", err)
	}
	return &rej, nil
}

// RetractEvent soft-retracts an event. Links stay in place for audit;
// aggregation excludes them through the event flag.
func (s *Store) RetractEvent(ctx context.Context, eventID, reason, evidenceURL string, at time.Time) (*review.Retraction, error) {
	if _, err := uuid.Parse(eventID); err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", evidence.ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		r           = review.Retraction{EventID: eventID}
		retractedAt *time.Time
		title       string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT retracted, retracted_at, COALESCE(retraction_reason, ''),
		       COALESCE(retraction_evidence_url, ''), title
		FROM events WHERE id = $1
		FOR UPDATE`, eventID,
	).Scan(&r.AlreadyRetracted, &retractedAt, &r.Reason, &r.EvidenceURL, &title)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("RetractEvent: %w", evidence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT signpost_code FROM event_signpost_links
		WHERE event_id = $1 ORDER BY signpost_code`, eventID)
	if err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", err)
	}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, fmt.Errorf("RetractEvent: %w", err)
		}
		r.SignpostCodes = append(r.SignpostCodes, code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", err)
	}

	if r.AlreadyRetracted {
		if retractedAt != nil {
			r.RetractedAt = *retractedAt
		}
		return &r, nil
	}

	r.RetractedAt, r.Reason, r.EvidenceURL = at, reason, evidenceURL
	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET
			retracted = true,
			retracted_at = $2,
			retraction_reason = $3,
			retraction_evidence_url = $4,
			updated_at = $2
		WHERE id = $1`, eventID, at, reason, nullableString(evidenceURL)); err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", err)
	}
	if err := insertChangelog(ctx, tx, evidence.ChangelogEntry{
		Kind:      evidence.ChangeRetract,
		EventID:   eventID,
		Title:     "Retracted: " + title,
		Body:      evidenceURL,
		Reason:    reason,
		CreatedAt: at,
	}); err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("RetractEvent: %w", err)
	}
	return &r, nil
}

// ListEvidence returns every link joined with its event's tier and
// retraction state.
func (s *Store) ListEvidence(ctx context.Context) ([]evidence.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+linkColumns+`, e.tier, e.retracted
		FROM event_signpost_links l JOIN events e ON e.id = l.event_id
		ORDER BY l.observed_at, l.id`)
	if err != nil {
		return nil, fmt.Errorf("ListEvidence: %w", err)
	}
	defer rows.Close()

	var out []evidence.Evidence
	for rows.Next() {
		var (
			ev   evidence.Evidence
			tier string
		)
		if err := rows.Scan(append(linkDest(&ev.Link), &tier, &ev.EventRetracted)...); err != nil {
			return nil, fmt.Errorf("ListEvidence: %w", err)
		}
		ev.Tier = evidence.Tier(tier)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ApplyCorroborations upgrades corroborated links in one transaction. A link
// that is no longer provisional is skipped.
func (s *Store) ApplyCorroborations(ctx context.Context, cs []review.Corroboration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ApplyCorroborations: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	at := s.now()
	for _, c := range cs {
		var eventID string
		err := tx.QueryRowContext(ctx, `
			UPDATE event_signpost_links SET confidence = $2, rationale = $3, provisional = false
			WHERE id = $1 AND provisional
			RETURNING event_id`, c.LinkID, c.NewConfidence, c.Rationale,
		).Scan(&eventID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("ApplyCorroborations: %w", err)
		}
		if err := insertChangelog(ctx, tx, evidence.ChangelogEntry{
			Kind:      evidence.ChangeUpdate,
			EventID:   eventID,
			Title:     "B-tier evidence corroborated",
			Body:      fmt.Sprintf("by A-tier event %s, confidence %.2f → %.2f", c.ByEventID, c.OldConfidence, c.NewConfidence),
			CreatedAt: at,
		}); err != nil {
			return fmt.Errorf("ApplyCorroborations: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ApplyCorroborations: %w", err)
	}
	return nil
}

// ListReviewQueue returns links awaiting a first review decision on active
// events, oldest first.
func (s *Store) ListReviewQueue(ctx context.Context, limit int) ([]evidence.ReviewItem, error) {
	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+linkColumns+`, e.title, e.url, e.publisher, e.tier
		FROM event_signpost_links l JOIN events e ON e.id = l.event_id
		WHERE l.needs_review AND l.approved_at IS NULL AND NOT e.retracted
		ORDER BY l.created_at, l.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListReviewQueue: %w", err)
	}
	defer rows.Close()

	var out []evidence.ReviewItem
	for rows.Next() {
		var (
			it   evidence.ReviewItem
			tier string
		)
		if err := rows.Scan(append(linkDest(&it.Link), &it.EventTitle, &it.EventURL, &it.Publisher, &tier)...); err != nil {
			return nil, fmt.Errorf("ListReviewQueue: %w", err)
		}
		it.Tier = evidence.Tier(tier)
		out = append(out, it)
	}
	return out, rows.Err()
}
