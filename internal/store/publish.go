package store

import (
	"context"
	"fmt"

	"github.com/ashenforge/fleetd/internal/model"
)

// IterPublishReady yields the join of latest successful runs with their
// package, configured publish policy, and an absence check against
// publish history for that (package, branch_name, revision, mode) —
// rows the publisher hasn't already acted on. Filtered to
// reviewStatus when non-empty.
func (s *Store) IterPublishReady(ctx context.Context, reviewStatus model.ReviewStatus) ([]model.PublishReadyRow, error) {
	query := `
		SELECT r.package, r.command, COALESCE(last_build.revision, '') AS build_version,
		       r.result_code, r.context, r.start_time, r.id, r.revision, r.subworker_result,
		       pol.branch_name, r.suite, pkg.maintainer_email, pkg.uploader_emails,
		       pkg.branch_url, r.main_branch_revision, r.review_status, pol.mode
		FROM run r
		JOIN package pkg ON pkg.name = r.package
		JOIN publish_policy pol ON pol.package = r.package AND pol.suite = r.suite
		LEFT JOIN LATERAL (
		    SELECT revision FROM run r2
		    WHERE r2.package = r.package AND r2.suite = r.suite AND r2.result_code = 'success'
		    ORDER BY r2.finish_time DESC LIMIT 1
		) last_build ON true
		WHERE r.result_code = 'success'
		  AND r.revision = last_build.revision
		  AND NOT EXISTS (
		      SELECT 1 FROM publish p
		      WHERE p.package = r.package AND p.branch_name = pol.branch_name
		        AND p.revision = r.revision AND p.mode = pol.mode
		  )
		  AND ($1 = '' OR r.review_status = $1)
		ORDER BY r.finish_time ASC`

	rows, err := s.db.QueryxContext(ctx, query, string(reviewStatus))
	if err != nil {
		return nil, fmt.Errorf("store: iter publish ready: %w", err)
	}
	defer rows.Close()

	var out []model.PublishReadyRow
	for rows.Next() {
		var (
			row          model.PublishReadyRow
			reviewStatus string
			mode         string
		)
		err := rows.Scan(&row.Package, &row.Command, &row.BuildVersion, &row.ResultCode,
			&row.Context, &row.StartTime, &row.LogID, &row.Revision, &row.SubworkerResult,
			&row.BranchName, &row.Suite, &row.MaintainerEmail, &row.UploaderEmails,
			&row.MainBranchURL, &row.MainBranchRevision, &reviewStatus, &mode)
		if err != nil {
			return nil, fmt.Errorf("store: scan publish-ready row: %w", err)
		}
		row.ReviewStatus = model.ReviewStatus(reviewStatus)
		row.PublishMode = model.PublishMode(mode)
		out = append(out, row)
	}
	return out, rows.Err()
}

// AlreadyPublished reports whether a publish attempt with this exact
// (package, branch, revision, mode) tuple has already been recorded, so
// the publisher never re-proposes the same revision twice.
func (s *Store) AlreadyPublished(ctx context.Context, pkg, branchName, revision string, mode model.PublishMode) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM publish
		    WHERE package = $1 AND branch_name = $2 AND revision = $3 AND mode = $4
		)`, pkg, branchName, revision, string(mode)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: already published %s/%s@%s: %w", pkg, branchName, revision, err)
	}
	return exists, nil
}

// StorePublish appends a publish attempt record.
func (s *Store) StorePublish(ctx context.Context, attempt model.PublishAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish (id, package, branch_name, mode, code, description,
		                      main_branch_revision, revision, proposal_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		attempt.PublishID, attempt.Package, attempt.BranchName, string(attempt.Mode),
		attempt.Code, attempt.Description, attempt.MainBranchRevision, attempt.Revision,
		attempt.ProposalURL)
	if err != nil {
		return fmt.Errorf("store: store publish %s: %w", attempt.PublishID, err)
	}
	return nil
}
