// Package hoster is the merge-proposal capability facade: a tagged-variant
// registry (the same Register/Get/Names shape pkg/builder uses) over the
// GitHub and GitLab APIs, so the publisher never imports an API client
// directly. Grounded on the original's publish.py (which drives
// merge-proposal lifecycle through a similarly thin silverplatter
// Hoster abstraction) and adapted from the github/gitlab client idioms
// in the repository-facade example package.
package hoster

import (
	"context"
	"fmt"
	neturl "net/url"
	"sort"
	"strings"
	"sync"

	"github.com/ashenforge/fleetd/internal/model"
)

// ProposalParams describes a merge proposal to open or update.
type ProposalParams struct {
	SourceOwner  string
	SourceRepo   string
	SourceBranch string
	TargetOwner  string
	TargetRepo   string
	TargetBranch string
	Title        string
	Description  string
	Labels       []string
}

// Hoster is the capability every supported forge implements: open a
// merge proposal, look up its current status, and push a branch
// directly (for modes that skip review).
type Hoster interface {
	// Kind identifies the forge, e.g. "github", "gitlab".
	Kind() string

	// Probe reports whether url belongs to this hoster (so the registry
	// can route a branch URL to the right implementation without the
	// caller naming a kind up front).
	Probe(url string) bool

	// EnsureMergeProposal opens a merge proposal if none exists for the
	// given source/target branch pair, or updates the existing one's
	// description. Returns the proposal's canonical URL and whether it
	// was newly created (false means an existing proposal was refreshed).
	EnsureMergeProposal(ctx context.Context, p ProposalParams) (proposalURL string, isNew bool, err error)

	// ProposalStatus fetches the current lifecycle state of a
	// previously opened proposal.
	ProposalStatus(ctx context.Context, proposalURL string) (model.ProposalInfo, error)

	// CloseProposal closes a proposal without merging it, used when the
	// reconciler determines the underlying change has already been
	// absorbed upstream.
	CloseProposal(ctx context.Context, proposalURL string) error

	// IsConflicted reports whether a proposal's source branch can no
	// longer be merged cleanly into its target.
	IsConflicted(ctx context.Context, proposalURL string) (bool, error)

	// PushBranch pushes the branch at localURL directly onto
	// targetBranch of the repository identified by owner/repo, for
	// publish modes that bypass review entirely.
	PushBranch(ctx context.Context, localURL, owner, repo, targetBranch string) error
}

var (
	mu      sync.RWMutex
	hosters = map[string]Hoster{}
)

// Register adds h to the registry under h.Kind(). Called from each
// implementation's init().
func Register(h Hoster) {
	mu.Lock()
	defer mu.Unlock()
	hosters[h.Kind()] = h
}

// Get returns the hoster registered under kind.
func Get(kind string) (Hoster, error) {
	mu.RLock()
	defer mu.RUnlock()
	h, ok := hosters[kind]
	if !ok {
		return nil, fmt.Errorf("hoster: unknown kind %q (available: %v)", kind, names())
	}
	return h, nil
}

// ForURL returns the first registered hoster whose Probe matches url.
func ForURL(url string) (Hoster, error) {
	mu.RLock()
	defer mu.RUnlock()
	for _, kind := range names() {
		if hosters[kind].Probe(url) {
			return hosters[kind], nil
		}
	}
	return nil, fmt.Errorf("hoster: no registered hoster recognizes url %q", url)
}

// Names returns the registered hoster kinds, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(hosters))
	for k := range hosters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OwnerRepoFromURL extracts owner and repository name from a forge
// repository URL (e.g. https://github.com/owner/repo or
// https://gitlab.com/group/subgroup/repo), trimming a trailing ".git".
func OwnerRepoFromURL(rawURL string) (owner, repo string, err error) {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("hoster: parse repository url %q: %w", rawURL, err)
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("hoster: %q does not look like an owner/repo url", rawURL)
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}
