package hoster

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ashenforge/fleetd/internal/model"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubHoster implements Hoster against github.com and GitHub
// Enterprise instances.
type GitHubHoster struct {
	client *github.Client
	token  string
}

var _ Hoster = (*GitHubHoster)(nil)

func init() {
	Register(&GitHubHoster{client: github.NewClient(nil)})
}

// NewGitHub builds a GitHubHoster authenticated with token, mirroring
// the enterprise-aware client construction in the repository-facade
// example (config.BaseURL triggers WithEnterpriseURLs).
func NewGitHub(token, baseURL string) (*GitHubHoster, error) {
	client := github.NewClient(nil)
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("hoster: github enterprise url: %w", err)
		}
	}
	return &GitHubHoster{client: client, token: token}, nil
}

func (g *GitHubHoster) Kind() string { return "github" }

func (g *GitHubHoster) Probe(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == "github.com" || strings.HasSuffix(u.Host, ".github.com")
}

func (g *GitHubHoster) EnsureMergeProposal(ctx context.Context, p ProposalParams) (string, bool, error) {
	head := p.SourceBranch
	if p.SourceOwner != p.TargetOwner {
		head = p.SourceOwner + ":" + p.SourceBranch
	}

	existing, _, err := g.client.PullRequests.List(ctx, p.TargetOwner, p.TargetRepo, &github.PullRequestListOptions{
		Head:  head,
		Base:  p.TargetBranch,
		State: "open",
	})
	if err != nil {
		return "", false, fmt.Errorf("hoster: list github pulls: %w", err)
	}
	if len(existing) > 0 {
		pr := existing[0]
		pr.Body = github.String(p.Description)
		updated, _, err := g.client.PullRequests.Edit(ctx, p.TargetOwner, p.TargetRepo, pr.GetNumber(), pr)
		if err != nil {
			return "", false, fmt.Errorf("hoster: update github pull #%d: %w", pr.GetNumber(), err)
		}
		return updated.GetHTMLURL(), false, nil
	}

	pr, _, err := g.client.PullRequests.Create(ctx, p.TargetOwner, p.TargetRepo, &github.NewPullRequest{
		Title: github.String(p.Title),
		Head:  github.String(head),
		Base:  github.String(p.TargetBranch),
		Body:  github.String(p.Description),
	})
	if err != nil {
		return "", false, fmt.Errorf("hoster: create github pull: %w", err)
	}
	if len(p.Labels) > 0 {
		if _, _, err := g.client.Issues.AddLabelsToIssue(ctx, p.TargetOwner, p.TargetRepo, pr.GetNumber(), p.Labels); err != nil {
			return "", false, fmt.Errorf("hoster: label github pull #%d: %w", pr.GetNumber(), err)
		}
	}
	return pr.GetHTMLURL(), true, nil
}

func (g *GitHubHoster) ProposalStatus(ctx context.Context, proposalURL string) (model.ProposalInfo, error) {
	owner, repo, number, err := parseGitHubPullURL(proposalURL)
	if err != nil {
		return model.ProposalInfo{}, err
	}
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return model.ProposalInfo{}, fmt.Errorf("hoster: get github pull #%d: %w", number, err)
	}

	status := model.ProposalOpen
	mergedBy := ""
	switch {
	case pr.GetMerged():
		status = model.ProposalMerged
		if pr.MergedBy != nil {
			mergedBy = pr.MergedBy.GetLogin()
		}
	case pr.GetState() == "closed":
		status = model.ProposalClosed
	}

	return model.ProposalInfo{
		URL:      proposalURL,
		Status:   status,
		Revision: pr.GetHead().GetSHA(),
		Package:  repo,
		MergedBy: mergedBy,
	}, nil
}

func (g *GitHubHoster) CloseProposal(ctx context.Context, proposalURL string) error {
	owner, repo, number, err := parseGitHubPullURL(proposalURL)
	if err != nil {
		return err
	}
	_, _, err = g.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{State: github.String("closed")})
	if err != nil {
		return fmt.Errorf("hoster: close github pull #%d: %w", number, err)
	}
	return nil
}

func (g *GitHubHoster) IsConflicted(ctx context.Context, proposalURL string) (bool, error) {
	owner, repo, number, err := parseGitHubPullURL(proposalURL)
	if err != nil {
		return false, err
	}
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return false, fmt.Errorf("hoster: get github pull #%d: %w", number, err)
	}
	return pr.GetMergeableState() == "dirty", nil
}

// PushBranch pushes the local clone at localURL's working tree straight
// onto targetBranch, for publish modes that skip review (spec §4.8
// push/push-derived). localURL is a file:// URL with a branch query
// parameter, matching vcsmanager.Local's BranchURL encoding.
func (g *GitHubHoster) PushBranch(ctx context.Context, localURL, owner, repo, targetBranch string) error {
	localPath, sourceBranch, err := parseLocalBranchURL(localURL)
	if err != nil {
		return err
	}
	localRepo, err := git.PlainOpen(localPath)
	if err != nil {
		return fmt.Errorf("hoster: open local clone %s: %w", localPath, err)
	}

	remoteURL := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	refspec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", sourceBranch, targetBranch))
	auth := &http.BasicAuth{Username: "x-access-token", Password: g.token}

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

func parseLocalBranchURL(raw string) (path, branch string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("hoster: parse local branch url %q: %w", raw, err)
	}
	branch = u.Query().Get("branch")
	if branch == "" {
		return "", "", fmt.Errorf("hoster: local branch url %q carries no branch parameter", raw)
	}
	return u.Path, branch, nil
}

func parseGitHubPullURL(raw string) (owner, repo string, number int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, fmt.Errorf("hoster: parse pull url %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return "", "", 0, fmt.Errorf("hoster: %q is not a github pull request url", raw)
	}
	if _, err := fmt.Sscanf(parts[3], "%d", &number); err != nil {
		return "", "", 0, fmt.Errorf("hoster: parse pull number from %q: %w", raw, err)
	}
	return parts[0], parts[1], number, nil
}
