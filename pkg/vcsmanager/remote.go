package vcsmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/hashicorp/go-retryablehttp"
)

// Remote resolves branches against a cache server over HTTP, mirroring
// vcs.py's RemoteVcsManager. One base URL per VCS kind (the cache server
// is typically split into a git endpoint and a bzr endpoint).
type Remote struct {
	BaseURLs map[model.VCSType]string
	Client   *retryablehttp.Client
}

var _ Manager = (*Remote)(nil)

// NewRemote builds a Remote with a retrying HTTP client tuned for a
// flaky cache server: exponential backoff, capped retries, and 429/5xx
// treated as retryable.
func NewRemote(baseURLs map[model.VCSType]string) *Remote {
	c := retryablehttp.NewClient()
	c.RetryMax = 4
	c.Logger = nil
	// Hand the last response back once retries run out, so OpenBranch can
	// classify a final 429/502 instead of seeing a bare transport error.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Remote{BaseURLs: baseURLs, Client: c}
}

func (r *Remote) RepositoryURL(codebase string, vcsType model.VCSType) (string, error) {
	base, ok := r.BaseURLs[vcsType]
	if !ok {
		return "", errtaxonomy.New(errtaxonomy.UnsupportedVCS(string(vcsType)), "no remote cache configured for vcs %q", vcsType)
	}
	return strings.TrimRight(base, "/") + "/" + codebase, nil
}

func (r *Remote) BranchURL(codebase string, vcsType model.VCSType, branchName string) (string, error) {
	repoURL, err := r.RepositoryURL(codebase, vcsType)
	if err != nil {
		return "", err
	}
	switch vcsType {
	case model.VCSGit:
		u, err := url.Parse(repoURL)
		if err != nil {
			return "", errtaxonomy.New(errtaxonomy.BranchUnavailable, "parse repository url: %v", err)
		}
		q := u.Query()
		q.Set("branch", branchName)
		u.RawQuery = q.Encode()
		return u.String(), nil
	case model.VCSBzr:
		return repoURL + "/" + branchName, nil
	default:
		return "", errtaxonomy.New(errtaxonomy.UnsupportedVCS(string(vcsType)), "vcs type %q is not supported", vcsType)
	}
}

func (r *Remote) OpenBranch(ctx context.Context, codebase string, vcsType model.VCSType, branchName string) (string, error) {
	branchURL, err := r.BranchURL(codebase, vcsType, branchName)
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, branchURL+"/info/revision", nil)
	if err != nil {
		return "", errtaxonomy.New(errtaxonomy.BranchUnavailable, "build request: %v", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", classifyTransportError(branchURL, vcsType, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Revision string `json:"revision"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", errtaxonomy.New(errtaxonomy.BranchUnavailable, "decode response from %s: %v", branchURL, err)
		}
		return body.Revision, nil
	case http.StatusNotFound:
		return "", errtaxonomy.New(errtaxonomy.BranchMissing, "branch not found at %s", branchURL)
	case http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return "", errtaxonomy.RateLimited(retryAfter, "rate limited fetching %s", branchURL)
	case http.StatusUnauthorized:
		return "", errtaxonomy.New(errtaxonomy.Unauthorized401, "unauthorized for %s", branchURL)
	case http.StatusBadGateway:
		return "", errtaxonomy.New(errtaxonomy.BadGateway502, "bad gateway for %s", branchURL)
	default:
		return "", errtaxonomy.New(errtaxonomy.BranchUnavailable, "unexpected status %d for %s", resp.StatusCode, branchURL)
	}
}

func (r *Remote) DiffURL(codebase string, oldRevision, newRevision string, vcsType model.VCSType) (string, error) {
	repoURL, err := r.RepositoryURL(codebase, vcsType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/diff/%s..%s", strings.TrimRight(repoURL, "/"), oldRevision, newRevision), nil
}

func (r *Remote) ListRepositories(ctx context.Context, vcsType model.VCSType) ([]string, error) {
	base, ok := r.BaseURLs[vcsType]
	if !ok {
		return nil, errtaxonomy.New(errtaxonomy.UnsupportedVCS(string(vcsType)), "no remote cache configured for vcs %q", vcsType)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/", nil)
	if err != nil {
		return nil, errtaxonomy.New(errtaxonomy.BranchUnavailable, "build request: %v", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		// Cache-miss/connectivity failures on the list endpoint are
		// non-fatal per spec: an empty result, never an error.
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, nil
	}
	return names, nil
}

// classifyTransportError maps low-level connection failures onto the
// fixed taxonomy, including the Alioth-retirement special case vcs.py's
// _convert_branch_exception carries: Debian's old Alioth-hosted VCS
// infrastructure is gone for good, so those hosts get their own code
// rather than a generic "unavailable".
func classifyTransportError(branchURL string, vcsType model.VCSType, err error) error {
	u, parseErr := url.Parse(branchURL)
	if parseErr == nil && aliothHosts[u.Hostname()] {
		return errtaxonomy.New(errtaxonomy.HostedOnAlioth, "%s is hosted on the retired Alioth infrastructure", branchURL)
	}
	return errtaxonomy.New(errtaxonomy.BranchUnavailable, "%s: %v", branchURL, err)
}

// FromURL builds the appropriate Manager for a configured VCS store
// location: a bare path means a Local manager rooted there, anything
// else is treated as a remote cache server base URL shared across VCS
// kinds (mirroring get_vcs_manager's dispatch on URL scheme).
func FromURL(raw string) (Manager, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("vcsmanager: parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Scheme == "file" {
		return &Local{Root: u.Path}, nil
	}
	return NewRemote(map[model.VCSType]string{
		model.VCSGit: raw,
		model.VCSBzr: raw,
	}), nil
}
