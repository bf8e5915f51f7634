package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ashenforge/fleetd/internal/model"
)

// SetProposalInfo upserts a merge proposal's cached lifecycle state,
// keyed by its URL. Called by the reconciler on every observed
// transition.
func (s *Store) SetProposalInfo(ctx context.Context, p model.ProposalInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_proposal (url, status, revision, package, suite, merged_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (url) DO UPDATE SET
		    status = EXCLUDED.status,
		    revision = EXCLUDED.revision,
		    package = EXCLUDED.package,
		    suite = EXCLUDED.suite,
		    merged_by = EXCLUDED.merged_by`,
		p.URL, string(p.Status), p.Revision, p.Package, p.Suite, p.MergedBy)
	if err != nil {
		return fmt.Errorf("store: set proposal info %s: %w", p.URL, err)
	}
	return nil
}

// GetProposalInfo returns the cached state of the proposal at url, or
// (model.ProposalInfo{}, sql.ErrNoRows) if it isn't cached yet.
func (s *Store) GetProposalInfo(ctx context.Context, url string) (model.ProposalInfo, error) {
	var (
		p      model.ProposalInfo
		status string
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT url, status, revision, package, suite, merged_by
		FROM merge_proposal WHERE url = $1`, url).Scan(&p.URL, &status, &p.Revision, &p.Package, &p.Suite, &p.MergedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ProposalInfo{}, err
		}
		return model.ProposalInfo{}, fmt.Errorf("store: get proposal info %s: %w", url, err)
	}
	p.Status = model.ProposalStatus(status)
	return p, nil
}

// IterOpenProposals lists every proposal this store still considers
// open, for the reconciler's per-tick sweep.
func (s *Store) IterOpenProposals(ctx context.Context) ([]model.ProposalInfo, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT url, status, revision, package, suite, merged_by
		FROM merge_proposal WHERE status = $1`, string(model.ProposalOpen))
	if err != nil {
		return nil, fmt.Errorf("store: iter open proposals: %w", err)
	}
	defer rows.Close()

	var out []model.ProposalInfo
	for rows.Next() {
		var (
			p      model.ProposalInfo
			status string
		)
		if err := rows.Scan(&p.URL, &status, &p.Revision, &p.Package, &p.Suite, &p.MergedBy); err != nil {
			return nil, fmt.Errorf("store: scan open proposal: %w", err)
		}
		p.Status = model.ProposalStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
