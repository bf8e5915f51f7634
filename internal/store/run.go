package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ashenforge/fleetd/internal/model"
)

// StoreRun records a completed run and, in the same transaction,
// removes the queue item it consumed. A run is never visible without
// its queue item already being gone, and vice versa: a crash between
// the two statements rolls back entirely, so a queue item is never
// silently dropped without a matching run.
//
// run.ID is the run table's primary key, so a second StoreRun for an id
// already recorded (a worker's late /finish racing a watchdog timeout
// that already synthesized and stored a worker-timeout run for the same
// id) hits ON CONFLICT DO NOTHING and the call returns success without
// inserting a duplicate or re-deleting an already-gone queue row.
func (s *Store) StoreRun(ctx context.Context, run model.Run, queueID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: store run: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO run (id, package, suite, command, description, result_code,
		                  review_status, start_time, finish_time, context,
		                  instigated_context, main_branch_revision, revision,
		                  subworker_result, value, log_filenames, worker_name,
		                  worker_link, vcs_type, branch_url, failure_details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Package, run.Suite, run.Command, run.Description, run.ResultCode,
		string(run.ReviewStatus), run.StartTime, run.FinishTime, run.Context,
		run.InstigatedContext, run.MainBranchRevision, run.Revision,
		nullableJSON(run.SubworkerResult), run.Value, run.LogFilenames, run.WorkerName,
		run.WorkerLink, string(run.VCSType), run.BranchURL, nullableJSON(run.FailureDetails))
	if err != nil {
		return fmt.Errorf("store: insert run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for _, rb := range run.ResultBranches {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO result_branch (run_id, role, remote_name, base_revision, revision)
			VALUES ($1,$2,$3,$4,$5)`, run.ID, rb.Role, rb.RemoteName, rb.BaseRevision, rb.Revision)
		if err != nil {
			return fmt.Errorf("store: insert result branch %s/%s: %w", run.ID, rb.Role, err)
		}
	}

	for _, rt := range run.ResultTags {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO result_tag (run_id, filename, name, revision)
			VALUES ($1,$2,$3,$4)`, run.ID, rt.Filename, rt.Name, rt.Revision)
		if err != nil {
			return fmt.Errorf("store: insert result tag %s/%s: %w", run.ID, rt.Filename, err)
		}
	}

	if queueID != 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = $1`, queueID); err != nil {
			return fmt.Errorf("store: delete queue item %d: %w", queueID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: store run: commit: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// GetLastUnabsorbedRun returns the most recent successful run for
// package/suite whose result has not yet been published, or
// (model.Run{}, sql.ErrNoRows) if none exists.
func (s *Store) GetLastUnabsorbedRun(ctx context.Context, pkg, suite string) (model.Run, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT r.id, r.package, r.suite, r.command, r.description, r.result_code,
		       r.review_status, r.start_time, r.finish_time, r.context,
		       r.instigated_context, r.main_branch_revision, r.revision,
		       r.subworker_result, r.value, r.log_filenames, r.worker_name,
		       r.worker_link, r.vcs_type, r.branch_url, r.failure_details
		FROM run r
		WHERE r.package = $1 AND r.suite = $2 AND r.result_code = 'success'
		  AND NOT EXISTS (
		      SELECT 1 FROM publish p
		      WHERE p.package = r.package AND p.revision = r.revision
		  )
		ORDER BY r.finish_time DESC
		LIMIT 1`, pkg, suite)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Run{}, err
		}
		return model.Run{}, fmt.Errorf("store: get last unabsorbed run for %s/%s: %w", pkg, suite, err)
	}
	return run, nil
}

func scanRun(r rowScanner) (model.Run, error) {
	var (
		run          model.Run
		reviewStatus string
		vcsType      string
	)
	err := r.Scan(&run.ID, &run.Package, &run.Suite, &run.Command, &run.Description,
		&run.ResultCode, &reviewStatus, &run.StartTime, &run.FinishTime, &run.Context,
		&run.InstigatedContext, &run.MainBranchRevision, &run.Revision, &run.SubworkerResult,
		&run.Value, &run.LogFilenames, &run.WorkerName, &run.WorkerLink, &vcsType,
		&run.BranchURL, &run.FailureDetails)
	if err != nil {
		return model.Run{}, err
	}
	run.ReviewStatus = model.ReviewStatus(reviewStatus)
	run.VCSType = model.VCSType(vcsType)
	return run, nil
}
