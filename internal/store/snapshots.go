package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/proximity/internal/evidence"
)

const snapshotColumns = `id, as_of, preset, revision, capabilities, agents, inputs, security,
	overall, safety_margin, confidence_bands, signposts, evidence_counts, created_at`

func scanSnapshot(row rowScanner) (*evidence.Snapshot, error) {
	var (
		snap                 evidence.Snapshot
		bands, lines, counts []byte
	)
	err := row.Scan(&snap.ID, &snap.AsOf, &snap.Preset, &snap.Revision, &snap.Capabilities,
		&snap.Agents, &snap.Inputs, &snap.Security, &snap.Overall, &snap.SafetyMargin,
		&bands, &lines, &counts, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bands, &snap.Bands); err != nil {
		return nil, fmt.Errorf("decode confidence_bands: %w", err)
	}
	if err := json.Unmarshal(lines, &snap.Signposts); err != nil {
		return nil, fmt.Errorf("decode signposts: %w", err)
	}
	if err := json.Unmarshal(counts, &snap.EvidenceCounts); err != nil {
		return nil, fmt.Errorf("decode evidence_counts: %w", err)
	}
	snap.AsOf = snap.AsOf.UTC()
	return &snap, nil
}

// InsertSnapshot appends a snapshot row. A zero Revision takes the next
// revision for (as_of, preset); an explicit Revision that already exists
// fails with ErrSnapshotConflict and leaves the table unchanged. Changelog
// entries are written in the same transaction.
func (s *Store) InsertSnapshot(ctx context.Context, snap *evidence.Snapshot, changes ...evidence.ChangelogEntry) (*evidence.Snapshot, error) {
	bands, err := json.Marshal(snap.Bands)
	if err != nil {
		return nil, fmt.Errorf("InsertSnapshot: %w", err)
	}
	lines, err := json.Marshal(snap.Signposts)
	if err != nil {
		return nil, fmt.Errorf("InsertSnapshot: %w", err)
	}
	counts, err := json.Marshal(snap.EvidenceCounts)
	if err != nil {
		return nil, fmt.Errorf("InsertSnapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("InsertSnapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	out := *snap
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now()
	}
	if out.Revision == 0 {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(revision), 0) + 1 FROM snapshots
			WHERE as_of = $1 AND preset = $2`, out.AsOf, out.Preset,
		).Scan(&out.Revision); err != nil {
			return nil, fmt.Errorf("InsertSnapshot: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		out.ID, out.AsOf, out.Preset, out.Revision, out.Capabilities, out.Agents, out.Inputs,
		out.Security, out.Overall, out.SafetyMargin, bands, lines, counts, out.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("InsertSnapshot: %s/%s rev %d: %w",
			out.AsOf.Format(time.DateOnly), out.Preset, out.Revision, evidence.ErrSnapshotConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("InsertSnapshot: %w", err)
	}

	for _, c := range changes {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = out.CreatedAt
		}
		if err := insertChangelog(ctx, tx, c); err != nil {
			return nil, fmt.Errorf("InsertSnapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("InsertSnapshot: %w", err)
	}
	return &out, nil
}

// LatestSnapshot returns the highest revision of the most recent snapshot
// for preset dated on or before onOrBefore, or nil if there is none. A zero
// onOrBefore means no date bound.
func (s *Store) LatestSnapshot(ctx context.Context, preset string, onOrBefore time.Time) (*evidence.Snapshot, error) {
	var row *sql.Row
	if onOrBefore.IsZero() {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+snapshotColumns+` FROM snapshots
			WHERE preset = $1
			ORDER BY as_of DESC, revision DESC LIMIT 1`, preset)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+snapshotColumns+` FROM snapshots
			WHERE preset = $1 AND as_of <= $2
			ORDER BY as_of DESC, revision DESC LIMIT 1`, preset, onOrBefore)
	}

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}
	return snap, nil
}

// SnapshotHistory returns the latest revision per date for preset, newest
// date first.
func (s *Store) SnapshotHistory(ctx context.Context, preset string, limit int) ([]*evidence.Snapshot, error) {
	if limit <= 0 {
		limit = evidence.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (as_of) `+snapshotColumns+`
		FROM snapshots WHERE preset = $1
		ORDER BY as_of DESC, revision DESC
		LIMIT $2`, preset, limit)
	if err != nil {
		return nil, fmt.Errorf("SnapshotHistory: %w", err)
	}
	defer rows.Close()

	var out []*evidence.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("SnapshotHistory: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
