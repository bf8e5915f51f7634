// Package model holds the persisted and in-memory record types that make
// up fleetd's data model (spec §3): packages, queue items, runs, publish
// attempts, and the merge-proposal index.
package model

import "time"

// VCSType identifies the version-control backend a package's branch lives
// in.
type VCSType string

const (
	VCSGit VCSType = "git"
	VCSBzr VCSType = "bzr"
)

// ReviewStatus is a run's human-review state, consulted by resume-branch
// validation (§4.7 step 4) and by publish_pending_new's reviewed_only
// filter (§4.8).
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "unreviewed"
	ReviewApproved   ReviewStatus = "approved"
	ReviewRejected   ReviewStatus = "rejected"
)

// Package is a source package tracked by fleetd.
type Package struct {
	Name            string
	MaintainerEmail string
	BranchURL       string
	VCSType         VCSType
	Removed         bool
	UploaderEmails  []string
}

// QueueItem is a unit of scheduled work: "run this command against this
// package/suite". Consumed exactly once, by a successful assign+finish
// cycle; deleted in the same transaction that stores the resulting Run.
type QueueItem struct {
	ID                int64
	Package           string
	Suite             string
	Command           string
	Context           string
	BranchURL         string
	VCSType           VCSType
	Subpath           string
	EstimatedDuration time.Duration
	Bucket            string
	Refresh           bool
	Offset            int
	Requestor         string
}

// ResultBranch is one of a Run's result branches: a named role (e.g.
// "main", "upstream") mapped to the remote name it was pushed/proposed
// under and its before/after revisions.
type ResultBranch struct {
	Role         string
	RemoteName   string
	BaseRevision string
	Revision     string
}

// Run is an immutable record of one completed attempt.
type Run struct {
	ID                 string // == log_id
	Package            string
	Suite              string
	Command            string
	Description        string
	ResultCode         string
	ReviewStatus       ReviewStatus
	StartTime          time.Time
	FinishTime         time.Time
	Context            string
	InstigatedContext  string
	MainBranchRevision string
	Revision           string
	SubworkerResult    []byte // opaque JSON
	Value              *int64 // opaque merit/cost, never interpreted
	LogFilenames       []string
	WorkerName         string
	WorkerLink         string
	VCSType            VCSType
	BranchURL          string
	FailureDetails     []byte // opaque JSON
	ResultTags         []ResultTag
	ResultBranches     []ResultBranch
}

// ResultTag is a (filename, tag-name, revision) triple the worker reports,
// stored alongside the run.
type ResultTag struct {
	Filename string
	Name     string
	Revision string
}

// PublishMode is the publisher's decision for one run (§4.8).
type PublishMode string

const (
	ModeSkip        PublishMode = "skip"
	ModeBuildOnly   PublishMode = "build-only"
	ModePush        PublishMode = "push"
	ModePushDerived PublishMode = "push-derived"
	ModePropose     PublishMode = "propose"
	ModeAttemptPush PublishMode = "attempt-push"
)

// PublishAttempt is an append-only record of one publish decision's
// outcome.
type PublishAttempt struct {
	PublishID          string
	Package            string
	BranchName         string
	Mode               PublishMode
	Code               string
	Description        string
	MainBranchRevision string
	Revision           string
	ProposalURL        string
}

// ProposalStatus is a merge proposal's lifecycle state as observed on the
// hoster.
type ProposalStatus string

const (
	ProposalOpen   ProposalStatus = "open"
	ProposalClosed ProposalStatus = "closed"
	ProposalMerged ProposalStatus = "merged"
)

// ProposalInfo is the locally cached view of one hosted merge proposal,
// keyed by its URL.
type ProposalInfo struct {
	URL      string
	Status   ProposalStatus
	Revision string
	Package  string
	Suite    string
	MergedBy string
}

// PublishReadyRow is the join row iter_publish_ready yields: a successful
// run plus everything the publisher needs to make a decision about it,
// without a second round-trip to the store.
type PublishReadyRow struct {
	Package            string
	Command            string
	BuildVersion       string
	ResultCode         string
	Context            string
	StartTime          time.Time
	LogID              string
	Revision           string
	SubworkerResult    []byte
	BranchName         string
	Suite              string
	MaintainerEmail    string
	UploaderEmails     []string
	MainBranchURL      string
	MainBranchRevision string
	ReviewStatus       ReviewStatus
	PublishMode        PublishMode
}
