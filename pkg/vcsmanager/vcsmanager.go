// Package vcsmanager is the branch-location facade fleetd uses instead of
// talking to VCS hosting directly (spec §4.3, grounded on vcs.py's
// VcsManager/LocalVcsManager/RemoteVcsManager split). It answers two
// questions — "where does codebase/branch-name live" and "open me that
// branch" — and translates every transport failure into the fixed
// errtaxonomy vocabulary so callers never see library-specific error
// types.
package vcsmanager

import (
	"context"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
)

// Manager resolves and opens branches for a codebase, independent of
// whether they're served from local disk or a remote cache server.
type Manager interface {
	// BranchURL returns the URL at which codebase's branch-name branch
	// for the given VCS lives. It never does I/O: construction of the
	// URL is purely syntactic.
	BranchURL(codebase string, vcsType model.VCSType, branchName string) (string, error)

	// RepositoryURL returns the URL of the repository holding codebase's
	// branches for the given VCS.
	RepositoryURL(codebase string, vcsType model.VCSType) (string, error)

	// OpenBranch opens the named branch, returning its tip revision. A
	// branch that doesn't exist yet is reported as
	// errtaxonomy.BranchMissing, not a generic error.
	OpenBranch(ctx context.Context, codebase string, vcsType model.VCSType, branchName string) (revision string, err error)

	// DiffURL returns the URL at which a diff between oldRevision and
	// newRevision for codebase can be fetched.
	DiffURL(codebase string, oldRevision, newRevision string, vcsType model.VCSType) (string, error)

	// ListRepositories enumerates the codebases this manager knows about
	// for the given VCS kind. Used by dashboards/status endpoints, not
	// by the hot assign/finish path.
	ListRepositories(ctx context.Context, vcsType model.VCSType) ([]string, error)
}

var supportedVCSes = map[model.VCSType]bool{
	model.VCSGit: true,
	model.VCSBzr: true,
}

func checkSupported(vcsType model.VCSType) error {
	if !supportedVCSes[vcsType] {
		return errtaxonomy.New(errtaxonomy.UnsupportedVCS(string(vcsType)), "vcs type %q is not supported", vcsType)
	}
	return nil
}

var aliothHosts = map[string]bool{
	"svn.debian.org":     true,
	"bzr.debian.org":     true,
	"anonscm.debian.org": true,
	"hg.debian.org":      true,
	"git.debian.org":     true,
	"alioth.debian.org":  true,
}
