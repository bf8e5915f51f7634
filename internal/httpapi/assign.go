package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/google/uuid"
)

// resumeBranchNames returns the candidate resume-branch names, in
// preference order, for a suite on a package (spec §4.7 step 4):
// "{suite}", "{suite}/main", "{suite}/main/{package}".
func resumeBranchNames(suite, pkg string) []string {
	return []string{suite, suite + "/main", suite + "/main/" + pkg}
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: "malformed request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: err.Error()})
		return
	}

	for {
		item, ok, err := s.processor.NextQueueItem(ctx)
		if err != nil {
			s.log.Error("next queue item failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, ReasonResponse{Reason: "internal error"})
			return
		}
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, ReasonResponse{Reason: "queue empty"})
			return
		}

		if item.BranchURL == "" {
			run := model.Run{
				ID:         uuid.NewString(),
				Package:    item.Package,
				Suite:      item.Suite,
				Command:    item.Command,
				ResultCode: string(errtaxonomy.NotInVCS),
				StartTime:  time.Now(),
				FinishTime: time.Now(),
				WorkerName: req.Worker,
			}
			if err := s.processor.FinishRun(ctx, run, item.ID); err != nil {
				s.log.Error("failed to auto-finish not-in-vcs item", "queue_id", item.ID, "error", err)
			}
			continue
		}

		resp, status, retryAfter, assignErr := s.buildAssignment(ctx, item, req.Worker)
		if assignErr != nil {
			var taxErr *errtaxonomy.Error
			if errors.As(assignErr, &taxErr) && taxErr.Code == errtaxonomy.TooManyRequests {
				host := hostOfURL(item.BranchURL)
				s.processor.BackoffHost(host, time.Duration(taxErr.RetryAfterS)*time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, ReasonResponse{Reason: taxErr.Error()})
				return
			}
			s.log.Error("assignment failed", "queue_id", item.ID, "error", assignErr)
			writeJSON(w, http.StatusInternalServerError, ReasonResponse{Reason: "internal error"})
			return
		}

		s.processor.RegisterRun(ctx, item, resp.ID, req.Worker)
		writeJSON(w, status, resp)
		return
	}
}

// buildAssignment performs assignment steps 2-5: build env synthesis,
// main branch open, resume branch selection/validation, and cached
// branch URL computation. retryAfterS is only meaningful when err
// carries errtaxonomy.TooManyRequests.
func (s *Server) buildAssignment(ctx context.Context, item model.QueueItem, worker string) (resp AssignResponse, status int, retryAfterS int, err error) {
	suiteInfo, ok := s.suites.Suite(item.Suite)
	if !ok {
		return AssignResponse{}, 0, 0, errtaxonomy.New(errtaxonomy.NotInVCS, "unknown suite %q", item.Suite)
	}

	b, berr := builderFor(suiteInfo.BuilderKind)
	if berr != nil {
		return AssignResponse{}, 0, 0, berr
	}
	env, berr := b.BuildEnv(ctx, buildDepsAdapter{s.store}, s.suites.Distro(), suiteInfo.Config, toBuilderQueueItem(item))
	if berr != nil {
		return AssignResponse{}, 0, 0, berr
	}

	mgr, ok := s.vcsManagers[item.VCSType]
	if !ok {
		return AssignResponse{}, 0, 0, errtaxonomy.New(errtaxonomy.UnsupportedVCS(string(item.VCSType)), "no vcs manager configured for %q", item.VCSType)
	}

	mainRevision, verr := mgr.OpenBranch(ctx, item.Package, item.VCSType, "main")
	if verr != nil {
		var taxErr *errtaxonomy.Error
		if errors.As(verr, &taxErr) && taxErr.Code == errtaxonomy.TooManyRequests {
			retryAfterS = taxErr.RetryAfterS
			if retryAfterS <= 0 {
				retryAfterS = 120
			}
			return AssignResponse{}, 0, retryAfterS, taxErr
		}
		return AssignResponse{}, 0, 0, verr
	}

	resume := s.selectResumeBranch(ctx, mgr, item)

	cachedURL, _ := mgr.RepositoryURL(item.Package, item.VCSType)

	logID := uuid.NewString()
	resp = AssignResponse{
		ID:          logID,
		Description: item.Suite + " on " + item.Package,
		QueueID:     item.ID,
		Branch: BranchAssignment{
			URL:       item.BranchURL,
			Subpath:   item.Subpath,
			VCSType:   string(item.VCSType),
			CachedURL: cachedURL,
		},
		Resume:     resume,
		Build:      BuildAssignment{Target: suiteInfo.BuilderKind, Environment: env},
		Env:        env,
		Command:    item.Command,
		Suite:      item.Suite,
		ForceBuild: suiteInfo.Config.ForceBuild,
		VCSManager: cachedURL,
	}
	_ = mainRevision
	return resp, http.StatusCreated, 0, nil
}

// selectResumeBranch implements spec §4.7 step 4: ask for the preferred
// existing proposed branch under the suite's candidate names, falling
// back to the cache's suite/main branch for non-refresh items, and
// validating the candidate against the last stored run at its head.
func (s *Server) selectResumeBranch(ctx context.Context, mgr interface {
	OpenBranch(ctx context.Context, codebase string, vcsType model.VCSType, branchName string) (string, error)
}, item model.QueueItem) *ResumeAssignment {
	var candidateRevision, candidateBranch string
	for _, name := range resumeBranchNames(item.Suite, item.Package) {
		rev, err := mgr.OpenBranch(ctx, item.Package, item.VCSType, name)
		if err == nil && rev != "" {
			candidateRevision = rev
			candidateBranch = name
			break
		}
	}
	if candidateBranch == "" {
		if item.Refresh {
			return nil
		}
		rev, err := mgr.OpenBranch(ctx, item.Package, item.VCSType, item.Suite+"/main")
		if err != nil || rev == "" {
			return nil
		}
		candidateRevision, candidateBranch = rev, item.Suite+"/main"
	}

	last, err := s.store.GetLastUnabsorbedRun(ctx, item.Package, item.Suite)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		s.log.Warn("resume branch validation failed", "package", item.Package, "error", err)
		return nil
	}
	if last.Revision != candidateRevision || last.ResultCode != string(errtaxonomy.Success) || last.ReviewStatus == model.ReviewRejected {
		return nil
	}

	branches := make([]ResumeBranchTuple, 0, len(last.ResultBranches))
	for _, rb := range last.ResultBranches {
		branches = append(branches, ResumeBranchTuple{rb.Role, rb.RemoteName, rb.BaseRevision, rb.Revision})
	}
	return &ResumeAssignment{
		Result:    last.ResultCode,
		BranchURL: candidateBranch,
		Branches:  branches,
	}
}

func hostOfURL(raw string) string {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
