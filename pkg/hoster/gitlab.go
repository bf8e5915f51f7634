package hoster

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashenforge/fleetd/internal/model"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// GitLabHoster implements Hoster against gitlab.com and self-hosted
// GitLab instances.
type GitLabHoster struct {
	client *gitlab.Client
	token  string
}

var _ Hoster = (*GitLabHoster)(nil)

func init() {
	c, _ := gitlab.NewClient("")
	Register(&GitLabHoster{client: c})
}

// NewGitLab builds a GitLabHoster authenticated with token against
// baseURL (empty means gitlab.com).
func NewGitLab(token, baseURL string) (*GitLabHoster, error) {
	opts := []gitlab.ClientOptionFunc{}
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(baseURL))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("hoster: create gitlab client: %w", err)
	}
	return &GitLabHoster{client: client, token: token}, nil
}

func (g *GitLabHoster) Kind() string { return "gitlab" }

func (g *GitLabHoster) Probe(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == "gitlab.com" || strings.Contains(u.Host, "gitlab")
}

func (g *GitLabHoster) EnsureMergeProposal(ctx context.Context, p ProposalParams) (string, bool, error) {
	targetProject := p.TargetOwner + "/" + p.TargetRepo
	sourceProject := p.SourceOwner + "/" + p.SourceRepo

	opts := &gitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gitlab.Ptr(p.SourceBranch),
		TargetBranch: gitlab.Ptr(p.TargetBranch),
		State:        gitlab.Ptr("opened"),
	}
	existing, _, err := g.client.MergeRequests.ListProjectMergeRequests(targetProject, opts, gitlab.WithContext(ctx))
	if err != nil {
		return "", false, fmt.Errorf("hoster: list gitlab merge requests: %w", err)
	}
	if len(existing) > 0 {
		mr := existing[0]
		updated, _, err := g.client.MergeRequests.UpdateMergeRequest(targetProject, mr.IID, &gitlab.UpdateMergeRequestOptions{
			Description: gitlab.Ptr(p.Description),
		}, gitlab.WithContext(ctx))
		if err != nil {
			return "", false, fmt.Errorf("hoster: update gitlab merge request !%d: %w", mr.IID, err)
		}
		return updated.WebURL, false, nil
	}

	createOpts := &gitlab.CreateMergeRequestOptions{
		Title:        gitlab.Ptr(p.Title),
		Description:  gitlab.Ptr(p.Description),
		SourceBranch: gitlab.Ptr(p.SourceBranch),
		TargetBranch: gitlab.Ptr(p.TargetBranch),
		Labels:       (*gitlab.LabelOptions)(&p.Labels),
	}
	// Fork-based (cross-namespace) merge requests aren't modeled here:
	// fleetd always pushes to a branch it controls in the target
	// project, same as the original publisher's gitlab.py backend.
	mr, _, err := g.client.MergeRequests.CreateMergeRequest(sourceProject, createOpts, gitlab.WithContext(ctx))
	if err != nil {
		return "", false, fmt.Errorf("hoster: create gitlab merge request: %w", err)
	}
	return mr.WebURL, true, nil
}

func (g *GitLabHoster) ProposalStatus(ctx context.Context, proposalURL string) (model.ProposalInfo, error) {
	project, iid, err := parseGitLabMergeRequestURL(proposalURL)
	if err != nil {
		return model.ProposalInfo{}, err
	}
	mr, _, err := g.client.MergeRequests.GetMergeRequest(project, iid, nil, gitlab.WithContext(ctx))
	if err != nil {
		return model.ProposalInfo{}, fmt.Errorf("hoster: get gitlab merge request !%d: %w", iid, err)
	}

	status := model.ProposalOpen
	mergedBy := ""
	switch mr.State {
	case "merged":
		status = model.ProposalMerged
		if mr.MergedBy != nil {
			mergedBy = mr.MergedBy.Username
		}
	case "closed":
		status = model.ProposalClosed
	}

	return model.ProposalInfo{
		URL:      proposalURL,
		Status:   status,
		Revision: mr.SHA,
		Package:  project,
		MergedBy: mergedBy,
	}, nil
}

func (g *GitLabHoster) CloseProposal(ctx context.Context, proposalURL string) error {
	project, iid, err := parseGitLabMergeRequestURL(proposalURL)
	if err != nil {
		return err
	}
	_, _, err = g.client.MergeRequests.UpdateMergeRequest(project, iid, &gitlab.UpdateMergeRequestOptions{
		StateEvent: gitlab.Ptr("close"),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("hoster: close gitlab merge request !%d: %w", iid, err)
	}
	return nil
}

func (g *GitLabHoster) IsConflicted(ctx context.Context, proposalURL string) (bool, error) {
	project, iid, err := parseGitLabMergeRequestURL(proposalURL)
	if err != nil {
		return false, err
	}
	mr, _, err := g.client.MergeRequests.GetMergeRequest(project, iid, nil, gitlab.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("hoster: get gitlab merge request !%d: %w", iid, err)
	}
	return mr.HasConflicts, nil
}

// PushBranch pushes the local clone at localURL straight onto
// targetBranch of owner/repo, for publish modes that skip review.
func (g *GitLabHoster) PushBranch(ctx context.Context, localURL, owner, repo, targetBranch string) error {
	localPath, sourceBranch, err := parseLocalBranchURL(localURL)
	if err != nil {
		return err
	}
	localRepo, err := git.PlainOpen(localPath)
	if err != nil {
		return fmt.Errorf("hoster: open local clone %s: %w", localPath, err)
	}

	remoteURL := fmt.Sprintf("https://gitlab.com/%s/%s.git", owner, repo)
	refspec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", sourceBranch, targetBranch))
	auth := &gogithttp.BasicAuth{Username: "oauth2", Password: g.token}

	err = localRepo.PushContext(ctx, &git.PushOptions{
		RemoteName: "push-target",
		RemoteURL:  remoteURL,
		RefSpecs:   []config.RefSpec{refspec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("hoster: push %s to %s: %w", sourceBranch, remoteURL, err)
	}
	return nil
}

func parseGitLabMergeRequestURL(raw string) (project string, iid int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("hoster: parse merge request url %q: %w", raw, err)
	}
	idx := strings.Index(u.Path, "/-/merge_requests/")
	if idx < 0 {
		return "", 0, fmt.Errorf("hoster: %q is not a gitlab merge request url", raw)
	}
	project = strings.Trim(u.Path[:idx], "/")
	iid, err = strconv.Atoi(strings.Trim(u.Path[idx+len("/-/merge_requests/"):], "/"))
	if err != nil {
		return "", 0, fmt.Errorf("hoster: parse merge request iid from %q: %w", raw, err)
	}
	return project, iid, nil
}
