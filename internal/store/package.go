package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ashenforge/fleetd/internal/model"
)

// GetPackage fetches a package record by name.
func (s *Store) GetPackage(ctx context.Context, name string) (model.Package, error) {
	return s.queryOnePackage(ctx, `
		SELECT name, maintainer_email, branch_url, vcs_type, removed, uploader_emails
		FROM package WHERE name = $1`, name)
}

// GetPackageByBranchURL looks a package up by its branch URL, the path
// check_existing (C9) needs when a merge proposal's cached info doesn't
// carry a maintainer yet and the reconciler has to recover one from the
// branch it was opened against.
func (s *Store) GetPackageByBranchURL(ctx context.Context, branchURL string) (model.Package, error) {
	return s.queryOnePackage(ctx, `
		SELECT name, maintainer_email, branch_url, vcs_type, removed, uploader_emails
		FROM package WHERE branch_url = $1`, branchURL)
}

func (s *Store) queryOnePackage(ctx context.Context, query string, arg any) (model.Package, error) {
	var (
		pkg     model.Package
		vcsType string
	)
	err := s.db.QueryRowxContext(ctx, query, arg).Scan(
		&pkg.Name, &pkg.MaintainerEmail, &pkg.BranchURL, &vcsType, &pkg.Removed, &pkg.UploaderEmails)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Package{}, err
		}
		return model.Package{}, fmt.Errorf("store: get package: %w", err)
	}
	pkg.VCSType = model.VCSType(vcsType)
	return pkg, nil
}

// UpsertPackage inserts or updates a package record.
func (s *Store) UpsertPackage(ctx context.Context, pkg model.Package) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO package (name, maintainer_email, branch_url, vcs_type, removed, uploader_emails)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (name) DO UPDATE SET
		    maintainer_email = EXCLUDED.maintainer_email,
		    branch_url = EXCLUDED.branch_url,
		    vcs_type = EXCLUDED.vcs_type,
		    removed = EXCLUDED.removed,
		    uploader_emails = EXCLUDED.uploader_emails`,
		pkg.Name, pkg.MaintainerEmail, pkg.BranchURL, string(pkg.VCSType), pkg.Removed, pkg.UploaderEmails)
	if err != nil {
		return fmt.Errorf("store: upsert package %s: %w", pkg.Name, err)
	}
	return nil
}
