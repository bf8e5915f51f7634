package vcsmanager

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Local resolves branches against a directory tree laid out as
// <root>/<vcs>/<codebase>[/<branch-name>], mirroring vcs.py's
// get_local_vcs_branch_url. Used by single-host deployments where the
// runner and the VCS store share a filesystem.
type Local struct {
	Root string
}

var _ Manager = (*Local)(nil)

func (l *Local) RepositoryURL(codebase string, vcsType model.VCSType) (string, error) {
	if err := checkSupported(vcsType); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, string(vcsType), codebase), nil
}

func (l *Local) BranchURL(codebase string, vcsType model.VCSType, branchName string) (string, error) {
	switch vcsType {
	case model.VCSGit:
		u := &url.URL{
			Scheme:   "file",
			Path:     filepath.Join(l.Root, "git", codebase),
			RawQuery: "branch=" + url.QueryEscape(branchName),
		}
		return u.String(), nil
	case model.VCSBzr:
		return filepath.Join(l.Root, "bzr", codebase, branchName), nil
	default:
		return "", errtaxonomy.New(errtaxonomy.UnsupportedVCS(string(vcsType)), "vcs type %q is not supported", vcsType)
	}
}

func (l *Local) OpenBranch(ctx context.Context, codebase string, vcsType model.VCSType, branchName string) (string, error) {
	if vcsType != model.VCSGit {
		return "", errtaxonomy.New(errtaxonomy.UnsupportedVCS(string(vcsType)), "local manager only serves git directly; %q requires the remote manager", vcsType)
	}
	repoPath := filepath.Join(l.Root, "git", codebase)
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		return "", errtaxonomy.New(errtaxonomy.BranchMissing, "no local repository for codebase %q", codebase)
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", errtaxonomy.New(errtaxonomy.BranchUnavailable, "open %s: %v", repoPath, err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return "", errtaxonomy.New(errtaxonomy.BranchMissing, "branch %q not found in %s: %v", branchName, repoPath, err)
	}
	return ref.Hash().String(), nil
}

func (l *Local) DiffURL(codebase string, oldRevision, newRevision string, vcsType model.VCSType) (string, error) {
	repoURL, err := l.RepositoryURL(codebase, vcsType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/diff/%s..%s", repoURL, oldRevision, newRevision), nil
}

func (l *Local) ListRepositories(ctx context.Context, vcsType model.VCSType) ([]string, error) {
	if err := checkSupported(vcsType); err != nil {
		return nil, err
	}
	dir := filepath.Join(l.Root, string(vcsType))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vcsmanager: list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// EnsureLayout creates the <root>/<vcs> directories the local manager
// expects, so a fresh deployment doesn't have to pre-seed them by hand.
func EnsureLayout(root string) error {
	for vcs := range supportedVCSes {
		if err := os.MkdirAll(filepath.Join(root, string(vcs)), 0o755); err != nil {
			return fmt.Errorf("vcsmanager: create %s layout: %w", vcs, err)
		}
	}
	return nil
}
