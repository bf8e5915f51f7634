// Command publish-one is the isolated subprocess internal/publisher execs
// for every publish decision (spec §4.8, mirroring the original's
// janitor.publish_one subcommand): read a PublishOneRequest on stdin,
// push or propose the branch, and print a PublishOneResponse on stdout.
//
// Exit code 0 means the response carries a successful outcome. Exit code
// 1 means the response carries a structured failure (Code/Description
// populated) — still valid JSON, still expected by the caller. Failures
// this process detects itself (an unreadable request, an unrecognized
// hoster or mode, a hoster call error) exit 1 with code
// publisher-invalid-response. Any other exit, or malformed stdout, is
// classified by the caller as publisher-invalid-response too.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/publisher"
	"github.com/ashenforge/fleetd/pkg/hoster"
)

func main() {
	req, err := readRequest(os.Stdin)
	if err != nil {
		fail(fmt.Sprintf("read request: %v", err))
	}

	resp := publishOne(context.Background(), req)
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		// Nothing left to do but die loudly; the caller will treat a
		// truncated/malformed stdout as publisher-invalid-response.
		fmt.Fprintln(os.Stderr, "publish-one: encode response:", err)
		os.Exit(2)
	}
	if resp.Code != "" {
		os.Exit(1)
	}
}

func readRequest(r io.Reader) (publisher.PublishOneRequest, error) {
	var req publisher.PublishOneRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return publisher.PublishOneRequest{}, err
	}
	return req, nil
}

func fail(description string) {
	resp := publisher.PublishOneResponse{
		Code:        string(errtaxonomy.PublisherInvalidResponse),
		Description: description,
	}
	json.NewEncoder(os.Stdout).Encode(resp)
	os.Exit(1)
}

// publishOne executes req's decision. It never panics: every failure
// path is turned into a PublishOneResponse with Code/Description set, so
// main can always produce well-formed JSON.
func publishOne(ctx context.Context, req publisher.PublishOneRequest) publisher.PublishOneResponse {
	h, err := hoster.ForURL(req.MainBranchURL)
	if err != nil {
		return errResponse(err)
	}

	owner, repo, err := hoster.OwnerRepoFromURL(req.MainBranchURL)
	if err != nil {
		return errResponse(err)
	}

	if req.DryRun {
		return publisher.PublishOneResponse{
			BranchName: req.Suite,
			IsNew:      req.Mode == model.ModePropose || req.Mode == model.ModeAttemptPush,
		}
	}

	switch req.Mode {
	case model.ModePush, model.ModePushDerived:
		if err := h.PushBranch(ctx, req.LocalBranchURL, owner, repo, req.Suite); err != nil {
			return errResponse(err)
		}
		return publisher.PublishOneResponse{BranchName: req.Suite}

	case model.ModePropose, model.ModeAttemptPush:
		if !req.AllowCreateProposal {
			return errResponse(fmt.Errorf("mode %q requires allow_create_proposal", req.Mode))
		}
		proposalURL, isNew, err := ensureProposal(ctx, h, owner, repo, req)
		if err != nil {
			return errResponse(err)
		}
		return publisher.PublishOneResponse{
			ProposalURL: proposalURL,
			BranchName:  req.Suite,
			IsNew:       isNew,
		}

	default:
		return errResponse(fmt.Errorf("publish-one does not handle mode %q", req.Mode))
	}
}

// ensureProposal opens (or refreshes) a merge proposal for req's branch.
// is_new mirrors whether the forge reported a brand new proposal versus
// an update to one already open — the reconciler's refresh path (spec
// §4.9) depends on refreshes coming back is_new=false.
func ensureProposal(ctx context.Context, h hoster.Hoster, owner, repo string, req publisher.PublishOneRequest) (url string, isNew bool, err error) {
	sourceBranch := fmt.Sprintf("fleetd/%s", req.Suite)

	return h.EnsureMergeProposal(ctx, hoster.ProposalParams{
		SourceOwner:  owner,
		SourceRepo:   repo,
		SourceBranch: sourceBranch,
		TargetOwner:  owner,
		TargetRepo:   repo,
		TargetBranch: req.Suite,
		Title:        fmt.Sprintf("fleetd: %s", req.Command),
		Description:  proposalDescription(req),
	})
}

func proposalDescription(req publisher.PublishOneRequest) string {
	if len(req.SubworkerResult) == 0 {
		return fmt.Sprintf("Automated change produced by %s.", req.Command)
	}
	return fmt.Sprintf("Automated change produced by %s.\n\nSubworker result: %s", req.Command, string(req.SubworkerResult))
}

func errResponse(err error) publisher.PublishOneResponse {
	return publisher.PublishOneResponse{
		Code:        string(errtaxonomy.PublisherInvalidResponse),
		Description: err.Error(),
	}
}
