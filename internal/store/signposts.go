package store

import (
	"context"
	"fmt"

	"github.com/triage-ai/proximity/internal/evidence"
)

// SyncSignposts upserts the catalog by code in one transaction. Signposts
// missing from the catalog are left in place since links may reference them.
func (s *Store) SyncSignposts(ctx context.Context, signposts []evidence.Signpost) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SyncSignposts: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, sp := range signposts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signposts (code, name, category, direction, baseline, target, unit, first_class, weight, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (code) DO UPDATE SET
				name        = EXCLUDED.name,
				category    = EXCLUDED.category,
				direction   = EXCLUDED.direction,
				baseline    = EXCLUDED.baseline,
				target      = EXCLUDED.target,
				unit        = EXCLUDED.unit,
				first_class = EXCLUDED.first_class,
				weight      = EXCLUDED.weight,
				updated_at  = now()`,
			sp.Code, sp.Name, string(sp.Category), string(sp.Direction), sp.Baseline, sp.Target,
			sp.Unit, sp.FirstClass, sp.Weight)
		if err != nil {
			return fmt.Errorf("SyncSignposts: %s: %w", sp.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SyncSignposts: %w", err)
	}
	return nil
}
