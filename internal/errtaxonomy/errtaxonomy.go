// Package errtaxonomy is the fixed error vocabulary shared by every module
// boundary in fleetd: queue processing, VCS access, builds, and publishing
// all surface failures as a Code plus an Error carrying it, rather than
// leaking library-specific exception types across package boundaries.
package errtaxonomy

import "fmt"

// Code is a result/failure classification. Every Run.ResultCode and
// PublishAttempt.Code in internal/model is a Code (stored as its string
// value so unrecognized codes from external collaborators — worker
// subworkers, publish subprocesses — round-trip without loss).
type Code string

const (
	// Success is the only non-failure code.
	Success Code = "success"

	// Infrastructure.
	PublisherInvalidResponse Code = "publisher-invalid-response"
	WorkerTimeout            Code = "worker-timeout"
	WorkerException          Code = "worker-exception"
	NotInVCS                 Code = "not-in-vcs"
	PullRateLimited          Code = "pull-rate-limited"
	ResultBranchNotFound     Code = "result-branch-not-found"

	// Branch access (the VCS manager facade's taxonomy, §4.3).
	BranchUnavailable    Code = "branch-unavailable"
	BranchMissing        Code = "branch-missing"
	TooManyRequests      Code = "too-many-requests"
	Unauthorized401      Code = "401-unauthorized"
	BadGateway502        Code = "502-bad-gateway"
	HostedOnAlioth       Code = "hosted-on-alioth"
	UnsupportedVCSSVN    Code = "unsupported-vcs-svn"
	UnsupportedVCSHg     Code = "unsupported-vcs-hg"
	UnsupportedVCSDarcs  Code = "unsupported-vcs-darcs"
	UnsupportedVCSFossil Code = "unsupported-vcs-fossil"
	UnsupportedVCSCVS    Code = "unsupported-vcs-cvs"
	UnsupportedVCSProto  Code = "unsupported-vcs-protocol"

	// Build.
	BuildFailed               Code = "build-failed"
	BuildMissingUpstreamSrc   Code = "build-missing-upstream-source"
	BuildMissingChanges       Code = "build-missing-changes"

	// Semantic.
	NothingToDo           Code = "nothing-to-do"
	NothingNewToDo        Code = "nothing-new-to-do"
	MissingControlFile    Code = "missing-control-file"
	ControlFilesInRoot    Code = "control-files-in-root"
)

// BuildFailedStage returns the "build-failed-stage-<stage>" code for a
// stage-scoped build failure.
func BuildFailedStage(stage string) Code {
	return Code(fmt.Sprintf("build-failed-stage-%s", stage))
}

// UnsupportedVCS returns the "unsupported-vcs-<name>" code for a VCS kind
// not in the fixed sub-list above (the taxonomy is open-ended on this one
// axis: new VCS kinds don't require a new constant).
func UnsupportedVCS(vcs string) Code {
	return Code("unsupported-vcs-" + vcs)
}

// IsSuccess reports whether code represents a successful run.
func (c Code) IsSuccess() bool { return c == Success }

// Error is the single error type that crosses package boundaries in
// fleetd. A nil *Error is never returned by functions in this module —
// callers test (Code, error) or check err == nil as usual; Error is the
// concrete type behind that error when one occurs.
type Error struct {
	Code        Code
	Message     string
	RetryAfterS int // seconds; 0 if not applicable (see TooManyRequests)
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with no retry hint.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RateLimited constructs a TooManyRequests error carrying a retry-after
// hint in seconds.
func RateLimited(retryAfterS int, format string, args ...any) *Error {
	return &Error{Code: TooManyRequests, Message: fmt.Sprintf(format, args...), RetryAfterS: retryAfterS}
}
