package httpapi

import (
	"encoding/json"
	"time"
)

// AssignRequest is the body of POST /assign.
type AssignRequest struct {
	Worker  string `json:"worker" validate:"required"`
	Jenkins string `json:"jenkins,omitempty"`
}

// BranchAssignment describes the branch the worker should check out.
type BranchAssignment struct {
	URL       string `json:"url"`
	Subpath   string `json:"subpath"`
	VCSType   string `json:"vcs_type"`
	CachedURL string `json:"cached_url,omitempty"`
}

// ResumeBranchTuple is the four-item role/name/base/revision tuple
// describing one result branch of the resume point.
type ResumeBranchTuple [4]string

// ResumeAssignment describes a validated resume point, when one exists.
type ResumeAssignment struct {
	Result     string              `json:"result,omitempty"`
	BranchURL  string              `json:"branch_url,omitempty"`
	Branches   []ResumeBranchTuple `json:"branches,omitempty"`
}

// BuildAssignment carries the build target kind and its environment.
type BuildAssignment struct {
	Target      string            `json:"target"`
	Environment map[string]string `json:"environment"`
}

// AssignResponse is the 201 response body of POST /assign (spec §6).
type AssignResponse struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	QueueID     int64             `json:"queue_id"`
	Branch      BranchAssignment  `json:"branch"`
	Resume      *ResumeAssignment `json:"resume"`
	Build       BuildAssignment   `json:"build"`
	Env         map[string]string `json:"env"`
	Command     string            `json:"command"`
	Suite       string            `json:"suite"`
	ForceBuild  bool              `json:"force-build"`
	VCSManager  string            `json:"vcs_manager"`
}

// ReasonResponse is the body of a 429/503 response to /assign.
type ReasonResponse struct {
	Reason string `json:"reason"`
}

// WorkerResultBranch is the [filename, name, base_revision, revision]
// tuple a worker reports for a result branch.
type WorkerResultBranch [4]string

// WorkerResultTag is the [filename, name, revision] tuple a worker
// reports for a result tag.
type WorkerResultTag [3]string

// WorkerTarget carries the build-target-specific result payload (e.g.
// Debian .dsc/.changes bookkeeping); opaque to the runner beyond its
// name.
type WorkerTarget struct {
	Name    string          `json:"name"`
	Details json.RawMessage `json:"details,omitempty"`
}

// WorkerResult is the worker's result.json part of POST
// /active-runs/{id}/finish (spec §6). Absence of Code is recorded as a
// success run; the runner does not inspect build artifacts to classify
// it further.
type WorkerResult struct {
	Code                string               `json:"code,omitempty"`
	Description         string               `json:"description,omitempty"`
	Context             string               `json:"context,omitempty"`
	SubworkerResult     json.RawMessage      `json:"subworker,omitempty"`
	MainBranchRevision  string               `json:"main_branch_revision,omitempty"`
	Revision            string               `json:"revision,omitempty"`
	Value               *int64               `json:"value,omitempty"`
	Branches            []WorkerResultBranch `json:"branches,omitempty"`
	Tags                []WorkerResultTag    `json:"tags,omitempty"`
	Remotes             json.RawMessage      `json:"remotes,omitempty"`
	Details             json.RawMessage      `json:"details,omitempty"`
	Target              *WorkerTarget        `json:"target,omitempty"`
	StartTime           time.Time            `json:"start_time"`
	FinishTime          time.Time            `json:"finish_time"`
	QueueID             int64                `json:"queue_id"`
	WorkerName          string               `json:"worker_name"`
	FollowupActions     json.RawMessage      `json:"followup_actions,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ActiveRuns []ActiveRunStatus `json:"active_runs"`
	QueueDepth int               `json:"queue_depth"`
}

// ActiveRunStatus is one entry of GET /status / the response of
// POST /kill/{id}.
type ActiveRunStatus struct {
	ID            string    `json:"id"`
	Package       string    `json:"package"`
	Suite         string    `json:"suite"`
	Worker        string    `json:"worker"`
	StartTime     time.Time `json:"start_time"`
	LastKeepalive time.Time `json:"last_keepalive"`
	LogFilenames  []string  `json:"log_filenames"`
	KillRequested bool      `json:"kill_requested"`
}
