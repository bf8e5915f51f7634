package store

import (
	"context"
	"fmt"
)

// MissingDepEntry is one row of the missing-dependency index: a package
// known to be blocked, in a given suite, on a named apt dependency.
type MissingDepEntry struct {
	ID      int64
	Package string
	Suite   string
	DepKind string
	DepName string
	RunID   string
}

// RecordMissingDep inserts a new unresolved missing-dependency entry.
// No code path in this repository calls it; in particular, entries are
// not derived from a run's result tags.
func (s *Store) RecordMissingDep(ctx context.Context, e MissingDepEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missing_dep_index (package, suite, dep_kind, dep_name, run_id)
		VALUES ($1,$2,$3,$4,$5)`, e.Package, e.Suite, e.DepKind, e.DepName, e.RunID)
	if err != nil {
		return fmt.Errorf("store: record missing dep %s/%s: %w", e.Package, e.DepName, err)
	}
	return nil
}

// DrainResolvedMissingDeps marks every unresolved entry matching
// depName as resolved and returns the packages that were unblocked, so
// the follow-up scheduler can re-enqueue them exactly once per
// resolution.
func (s *Store) DrainResolvedMissingDeps(ctx context.Context, depName string) ([]MissingDepEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: drain missing deps: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, package, suite, dep_kind, dep_name, run_id
		FROM missing_dep_index
		WHERE dep_name = $1 AND NOT resolved
		FOR UPDATE`, depName)
	if err != nil {
		return nil, fmt.Errorf("store: drain missing deps: select: %w", err)
	}

	var entries []MissingDepEntry
	for rows.Next() {
		var e MissingDepEntry
		if err := rows.Scan(&e.ID, &e.Package, &e.Suite, &e.DepKind, &e.DepName, &e.RunID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: drain missing deps: scan: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: drain missing deps: %w", err)
	}

	if len(entries) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE missing_dep_index SET resolved = true WHERE dep_name = $1 AND NOT resolved`, depName); err != nil {
			return nil, fmt.Errorf("store: drain missing deps: update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: drain missing deps: commit: %w", err)
	}
	return entries, nil
}
