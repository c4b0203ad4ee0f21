package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/triage-ai/proximity/internal/evidence"
)

func insertChangelog(ctx context.Context, x execer, c evidence.ChangelogEntry) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO changelog (id, kind, event_id, title, body, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, string(c.Kind), nullableString(c.EventID), c.Title, c.Body, c.Reason, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert changelog: %w", err)
	}
	return nil
}

// ListChangelog returns the most recent changelog entries, newest first.
func (s *Store) ListChangelog(ctx context.Context, limit int) ([]evidence.ChangelogEntry, error) {
	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(event_id::text, ''), title, body, reason, created_at
		FROM changelog ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListChangelog: %w", err)
	}
	defer rows.Close()

	var out []evidence.ChangelogEntry
	for rows.Next() {
		var (
			c    evidence.ChangelogEntry
			kind string
		)
		if err := rows.Scan(&c.ID, &kind, &c.EventID, &c.Title, &c.Body, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListChangelog: %w", err)
		}
		c.Kind = evidence.ChangeKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}
